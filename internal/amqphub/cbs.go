package amqphub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/chris-alexander-pop/eventhubs-go/internal/auth"
)

// cbsRefreshMargin is how long before a token's expiry the CBS task mints a
// replacement. The lower bound keeps a near-expired token from scheduling a
// refresh in the past.
const (
	cbsRefreshMargin   = 5 * time.Minute
	cbsMinRefreshDelay = time.Second
)

// Backoff applied to a record whose refresh failed, doubling per consecutive
// failure. After cbsMaxRefreshFailures the record is abandoned and its link
// discovers the stale token through a broker error on its next operation.
const (
	cbsRetryBackoffBase   = 2 * time.Second
	cbsRetryBackoffMax    = time.Minute
	cbsMaxRefreshFailures = 6
)

const (
	cbsAddress        = "$cbs"
	cbsOperationKey   = "operation"
	cbsOperationValue = "put-token"
	cbsTypeKey        = "type"
	cbsNameKey        = "name"
	cbsStatusCodeKey  = "status-code"
)

// cbsRegisterCmd asks the CBS task to mint and put a token for linkID
// against resourceURI, then keep it refreshed until removed.
type cbsRegisterCmd struct {
	linkID      uint32
	resourceURI string
	claims      []Claim
	result      chan error
}

// cbsTask is a single-consumer actor: one goroutine owns the $cbs
// sender/receiver pair and the map of authorization records, so every
// put-token call and every refresh is serialized without a mutex.
type cbsTask struct {
	sender   AMQPSender
	receiver AMQPReceiver
	provider auth.Provider

	registerCh chan cbsRegisterCmd
	removeCh   chan uint32
	stopCh     chan struct{}
	doneCh     chan struct{}

	logger *slog.Logger
}

func newCBSTask(sender AMQPSender, receiver AMQPReceiver, provider auth.Provider, logger *slog.Logger) *cbsTask {
	if logger == nil {
		logger = slog.Default()
	}
	t := &cbsTask{
		sender:     sender,
		receiver:   receiver,
		provider:   provider,
		registerCh: make(chan cbsRegisterCmd),
		removeCh:   make(chan uint32),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger.With("component", "cbs"),
	}
	go t.run()
	return t
}

// register asks the task to authorize linkID and blocks until the first
// put-token call completes, so callers know authorization succeeded before
// attaching their link.
func (t *cbsTask) register(ctx context.Context, linkID uint32, resourceURI string, claims []Claim) error {
	result := make(chan error, 1)
	cmd := cbsRegisterCmd{linkID: linkID, resourceURI: resourceURI, claims: claims, result: result}
	select {
	case t.registerCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.doneCh:
		return newClosedError("cbs task stopped", nil)
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// remove stops refreshing linkID's token, called when its link detaches.
func (t *cbsTask) remove(linkID uint32) {
	select {
	case t.removeCh <- linkID:
	case <-t.doneCh:
	}
}

// stop terminates the actor loop and waits for it to exit.
func (t *cbsTask) stop() {
	select {
	case <-t.doneCh:
		return
	default:
	}
	close(t.stopCh)
	<-t.doneCh
}

type cbsRecord struct {
	resourceURI string
	claims      []Claim
	expiry      time.Time
	refreshAt   time.Time
	failures    int
	abandoned   bool
}

func (r *cbsRecord) scheduleFromExpiry(now time.Time) {
	at := r.expiry.Add(-cbsRefreshMargin)
	if min := now.Add(cbsMinRefreshDelay); at.Before(min) {
		at = min
	}
	r.refreshAt = at
}

func (r *cbsRecord) scheduleRetry(now time.Time) {
	backoff := cbsRetryBackoffBase << r.failures
	if backoff > cbsRetryBackoffMax {
		backoff = cbsRetryBackoffMax
	}
	r.refreshAt = now.Add(backoff)
}

func (t *cbsTask) run() {
	defer close(t.doneCh)

	records := make(map[uint32]*cbsRecord)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		next, ok := earliestRefresh(records)
		if !ok {
			return
		}
		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}
		timer.Reset(delay)
	}

	for {
		select {
		case <-t.stopCh:
			return

		case cmd := <-t.registerCh:
			expiry, err := t.putToken(context.Background(), cmd.resourceURI)
			if err == nil {
				rec := &cbsRecord{resourceURI: cmd.resourceURI, claims: cmd.claims, expiry: expiry}
				rec.scheduleFromExpiry(time.Now())
				records[cmd.linkID] = rec
				resetTimer()
			}
			cmd.result <- err

		case linkID := <-t.removeCh:
			delete(records, linkID)
			resetTimer()

		case <-timer.C:
			now := time.Now()
			for linkID, rec := range records {
				if rec.abandoned || rec.refreshAt.After(now) {
					continue
				}
				expiry, err := t.putToken(context.Background(), rec.resourceURI)
				if err != nil {
					rec.failures++
					if rec.failures > cbsMaxRefreshFailures {
						rec.abandoned = true
						t.logger.Error("cbs token refresh abandoned", "link_id", linkID, "error", err)
						continue
					}
					rec.scheduleRetry(now)
					t.logger.Warn("cbs token refresh failed", "link_id", linkID, "attempt", rec.failures, "error", err)
					continue
				}
				rec.failures = 0
				rec.expiry = expiry
				rec.scheduleFromExpiry(now)
			}
			resetTimer()
		}
	}
}

func earliestRefresh(records map[uint32]*cbsRecord) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, rec := range records {
		if rec.abandoned {
			continue
		}
		if !found || rec.refreshAt.Before(earliest) {
			earliest = rec.refreshAt
			found = true
		}
	}
	return earliest, found
}

// putToken performs one CBS put-token request/response round trip.
func (t *cbsTask) putToken(ctx context.Context, resourceURI string) (time.Time, error) {
	tok, err := t.provider.GetToken(ctx, resourceURI)
	if err != nil {
		return time.Time{}, newAuthError("minting cbs token", err)
	}

	msg := &amqp.Message{
		Properties: &amqp.MessageProperties{
			MessageID: uuid.NewString(),
			ReplyTo:   ptr(cbsAddress),
		},
		ApplicationProperties: map[string]any{
			cbsOperationKey: cbsOperationValue,
			cbsTypeKey:      string(tok.Kind),
			cbsNameKey:      resourceURI,
		},
		Value: tok.Value,
	}

	if err := t.sender.Send(ctx, msg, nil); err != nil {
		return time.Time{}, newAuthError("sending cbs put-token", err)
	}

	resp, err := t.receiver.Receive(ctx, nil)
	if err != nil {
		return time.Time{}, newAuthError("receiving cbs response", err)
	}
	if err := t.receiver.AcceptMessage(ctx, resp); err != nil {
		t.logger.Warn("accepting cbs response failed", "error", err)
	}

	if code, ok := resp.ApplicationProperties[cbsStatusCodeKey]; ok {
		if n, ok := code.(int32); ok && (n < 200 || n >= 300) {
			return time.Time{}, newAuthError(fmt.Sprintf("cbs put-token rejected with status %d", n), nil)
		}
	}

	return tok.Expiry, nil
}

func ptr[T any](v T) *T { return &v }
