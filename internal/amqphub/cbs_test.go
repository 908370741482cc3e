package amqphub

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/eventhubs-go/internal/auth"
	"github.com/chris-alexander-pop/eventhubs-go/pkg/apperr"
)

type fakeProvider struct {
	mu     sync.Mutex
	calls  int
	expiry time.Duration
}

func (p *fakeProvider) GetToken(_ context.Context, resourceURI string) (auth.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return auth.Token{Value: "token-for-" + resourceURI, Expiry: time.Now().Add(p.expiry), Kind: auth.TokenKindSAS}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeCBSSender struct {
	mu   sync.Mutex
	sent []*amqp.Message
}

func (s *fakeCBSSender) Send(_ context.Context, msg *amqp.Message, _ *amqp.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeCBSSender) MaxMessageSize() uint64      { return 1 << 20 }
func (s *fakeCBSSender) Close(context.Context) error { return nil }

func (s *fakeCBSSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeCBSSender) last() *amqp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

type fakeCBSReceiver struct {
	status int32
}

func (r *fakeCBSReceiver) Receive(_ context.Context, _ *amqp.ReceiveOptions) (*amqp.Message, error) {
	return &amqp.Message{
		ApplicationProperties: map[string]any{"status-code": r.status},
	}, nil
}

func (r *fakeCBSReceiver) IssueCredit(uint32) error { return nil }
func (r *fakeCBSReceiver) AcceptMessage(context.Context, *amqp.Message) error {
	return nil
}
func (r *fakeCBSReceiver) Close(context.Context) error { return nil }

func TestCBSRegisterSendsPutToken(t *testing.T) {
	sender := &fakeCBSSender{}
	task := newCBSTask(sender, &fakeCBSReceiver{status: 202}, &fakeProvider{expiry: time.Hour}, nil)
	defer task.stop()

	err := task.register(context.Background(), 1, "amqps://ns/hub", []Claim{ClaimSend})
	require.NoError(t, err)

	msg := sender.last()
	require.NotNil(t, msg)
	assert.Equal(t, "put-token", msg.ApplicationProperties["operation"])
	assert.Equal(t, string(auth.TokenKindSAS), msg.ApplicationProperties["type"])
	assert.Equal(t, "amqps://ns/hub", msg.ApplicationProperties["name"])
	assert.Equal(t, "token-for-amqps://ns/hub", msg.Value)
	require.NotNil(t, msg.Properties)
	assert.NotEmpty(t, msg.Properties.MessageID)
}

func TestCBSRegisterSurfacesRejection(t *testing.T) {
	task := newCBSTask(&fakeCBSSender{}, &fakeCBSReceiver{status: 401}, &fakeProvider{expiry: time.Hour}, nil)
	defer task.stop()

	err := task.register(context.Background(), 1, "amqps://ns/hub", []Claim{ClaimSend})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAuth, apperr.CodeOf(err))
}

func TestCBSRegisterAfterStopFails(t *testing.T) {
	task := newCBSTask(&fakeCBSSender{}, &fakeCBSReceiver{status: 202}, &fakeProvider{expiry: time.Hour}, nil)
	task.stop()

	err := task.register(context.Background(), 1, "amqps://ns/hub", []Claim{ClaimSend})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeClosed, apperr.CodeOf(err))
}

func TestCBSStopIsIdempotent(t *testing.T) {
	task := newCBSTask(&fakeCBSSender{}, &fakeCBSReceiver{status: 202}, &fakeProvider{expiry: time.Hour}, nil)
	task.stop()
	task.stop()
}

func TestCBSRefreshesBeforeExpiry(t *testing.T) {
	sender := &fakeCBSSender{}
	provider := &fakeProvider{expiry: cbsRefreshMargin + 1200*time.Millisecond}
	task := newCBSTask(sender, &fakeCBSReceiver{status: 202}, provider, nil)
	defer task.stop()

	require.NoError(t, task.register(context.Background(), 1, "amqps://ns/hub", []Claim{ClaimListen}))
	require.Equal(t, 1, sender.sentCount())

	// The refresh is due margin before expiry, here ~1.2s after register.
	assert.Eventually(t, func() bool { return sender.sentCount() >= 2 }, 3*time.Second, 50*time.Millisecond)
	assert.GreaterOrEqual(t, provider.callCount(), 2)
}

func TestCBSRemoveStopsRefreshing(t *testing.T) {
	sender := &fakeCBSSender{}
	task := newCBSTask(sender, &fakeCBSReceiver{status: 202}, &fakeProvider{expiry: cbsRefreshMargin + 1200*time.Millisecond}, nil)
	defer task.stop()

	require.NoError(t, task.register(context.Background(), 1, "amqps://ns/hub", []Claim{ClaimListen}))
	task.remove(1)

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 1, sender.sentCount(), "a removed record must not be refreshed")
}

func TestScheduleFromExpiryClampsNearExpiry(t *testing.T) {
	now := time.Now()

	far := &cbsRecord{expiry: now.Add(time.Hour)}
	far.scheduleFromExpiry(now)
	assert.WithinDuration(t, now.Add(time.Hour-cbsRefreshMargin), far.refreshAt, time.Second)

	near := &cbsRecord{expiry: now.Add(30 * time.Second)}
	near.scheduleFromExpiry(now)
	assert.WithinDuration(t, now.Add(cbsMinRefreshDelay), near.refreshAt, 100*time.Millisecond)
}

func TestScheduleRetryBacksOffAndCaps(t *testing.T) {
	now := time.Now()

	rec := &cbsRecord{failures: 0}
	rec.scheduleRetry(now)
	first := rec.refreshAt.Sub(now)

	rec.failures = 3
	rec.scheduleRetry(now)
	later := rec.refreshAt.Sub(now)
	assert.Greater(t, later, first)

	rec.failures = 20
	rec.scheduleRetry(now)
	assert.Equal(t, cbsRetryBackoffMax, rec.refreshAt.Sub(now).Round(time.Second))
}
