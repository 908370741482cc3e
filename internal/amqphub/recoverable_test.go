package amqphub_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/eventhubs-go/internal/amqphub"
	"github.com/chris-alexander-pop/eventhubs-go/internal/amqphub/amqptest"
	"github.com/chris-alexander-pop/eventhubs-go/internal/auth"
	"github.com/chris-alexander-pop/eventhubs-go/internal/retrypolicy"
	"github.com/chris-alexander-pop/eventhubs-go/pkg/apperr"
)

const consumerAddress = "hub/ConsumerGroups/$Default/Partitions/0"

// The wire format code for a multi-message batch transfer.
const batchFormat uint32 = 0x80013700

func testPolicy(maxRetries int) retrypolicy.Policy {
	return retrypolicy.Policy{
		MaxRetries:     maxRetries,
		Delay:          time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		BaseTryTimeout: 5 * time.Second,
		Mode:           retrypolicy.Fixed,
	}
}

func openScope(t *testing.T, broker *amqptest.Broker) *amqphub.Scope {
	t.Helper()
	scope, err := amqphub.Open(context.Background(), amqphub.Options{
		Namespace:     "ns.servicebus.windows.net",
		EventHub:      "hub",
		TokenProvider: auth.NewSharedAccessProvider("root", "key", time.Hour),
		Dialer:        broker.Dialer(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = scope.Close(context.Background()) })
	return scope
}

func TestOpenFailsWhenDialFails(t *testing.T) {
	broker := amqptest.NewBroker()
	broker.FailNextDial(1, &amqp.ConnError{})

	_, err := amqphub.Open(context.Background(), amqphub.Options{
		Namespace:     "ns.servicebus.windows.net",
		EventHub:      "hub",
		TokenProvider: auth.NewSharedAccessProvider("root", "key", time.Hour),
		Dialer:        broker.Dialer(),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTransport, apperr.CodeOf(err))
}

func TestSenderAuthorizesBeforeAttach(t *testing.T) {
	broker := amqptest.NewBroker()
	scope := openScope(t, broker)

	_, err := amqphub.NewRecoverableSender(context.Background(), scope, nil, testPolicy(2), nil)
	require.NoError(t, err)

	puts := broker.Sent("$cbs")
	require.NotEmpty(t, puts)
	assert.Equal(t, "put-token", puts[0].ApplicationProperties["operation"])
	assert.Equal(t, "amqps://ns.servicebus.windows.net/hub", puts[0].ApplicationProperties["name"])
}

func TestSendBatchDeliversBatchTransfer(t *testing.T) {
	broker := amqptest.NewBroker()
	scope := openScope(t, broker)

	sender, err := amqphub.NewRecoverableSender(context.Background(), scope, nil, testPolicy(2), nil)
	require.NoError(t, err)

	events := []amqphub.EncodedEvent{{Payload: []byte("one")}, {Payload: []byte("two")}}
	require.NoError(t, sender.SendBatch(context.Background(), events, nil))

	sent := broker.Sent("hub")
	require.Len(t, sent, 1)
	assert.Len(t, sent[0].Data, 2)
	assert.Equal(t, batchFormat, sent[0].Format)
}

func TestSendBatchKeepsBatchFormatForSingleEvent(t *testing.T) {
	broker := amqptest.NewBroker()
	scope := openScope(t, broker)

	sender, err := amqphub.NewRecoverableSender(context.Background(), scope, nil, testPolicy(2), nil)
	require.NoError(t, err)

	require.NoError(t, sender.SendBatch(context.Background(), []amqphub.EncodedEvent{{Payload: []byte("solo")}}, nil))

	sent := broker.Sent("hub")
	require.Len(t, sent, 1)
	assert.Equal(t, batchFormat, sent[0].Format, "a one-event batch still carries encoded messages, not a bare body")
	assert.Len(t, sent[0].Data, 1)
}

func TestSendBatchRecoversFromConnectionFailure(t *testing.T) {
	broker := amqptest.NewBroker()
	scope := openScope(t, broker)

	partition := "0"
	sender, err := amqphub.NewRecoverableSender(context.Background(), scope, &partition, testPolicy(2), nil)
	require.NoError(t, err)

	broker.FailNextSend("hub/Partitions/0", 1, &amqp.ConnError{})

	require.NoError(t, sender.SendBatch(context.Background(), []amqphub.EncodedEvent{{Payload: []byte("x")}}, nil))
	assert.Equal(t, 2, broker.DialCount(), "a connection failure must reconnect before retrying")
	assert.Len(t, broker.Sent("hub/Partitions/0"), 1)
}

func TestSendBatchGivesUpAfterRetryBudget(t *testing.T) {
	broker := amqptest.NewBroker()
	scope := openScope(t, broker)

	sender, err := amqphub.NewRecoverableSender(context.Background(), scope, nil, testPolicy(1), nil)
	require.NoError(t, err)

	broker.FailNextSend("hub", 5, &amqp.ConnError{})

	err = sender.SendBatch(context.Background(), []amqphub.EncodedEvent{{Payload: []byte("x")}}, nil)
	require.Error(t, err)
}

func receiverOptions(prefetch uint32) amqphub.ConsumerOptions {
	return amqphub.ConsumerOptions{
		ConsumerGroup: "$Default",
		PartitionID:   "0",
		Position:      amqphub.Position{Earliest: true},
		Prefetch:      prefetch,
	}
}

func TestReceiveBatchDeliversInOrder(t *testing.T) {
	broker := amqptest.NewBroker()
	scope := openScope(t, broker)

	for i := int64(1); i <= 3; i++ {
		broker.Deliver(consumerAddress, amqptest.NewEventMessage([]byte("event"), i*100, i, time.Now()))
	}

	receiver, err := amqphub.NewRecoverableReceiver(context.Background(), scope, receiverOptions(10), testPolicy(2), nil)
	require.NoError(t, err)

	got, err := receiver.ReceiveBatch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Offset, got[i-1].Offset, "offsets must be strictly increasing")
	}
}

func TestReceiveBatchRebuildsAfterDisconnectWithoutRedelivery(t *testing.T) {
	broker := amqptest.NewBroker()
	scope := openScope(t, broker)

	broker.Deliver(consumerAddress, amqptest.NewEventMessage([]byte("a"), 100, 1, time.Now()))
	broker.Deliver(consumerAddress, amqptest.NewEventMessage([]byte("b"), 200, 2, time.Now()))

	receiver, err := amqphub.NewRecoverableReceiver(context.Background(), scope, receiverOptions(10), testPolicy(3), nil)
	require.NoError(t, err)

	first, err := receiver.ReceiveBatch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	// Drop the transport mid-stream; the next delivery must resume strictly
	// after the last delivered offset.
	broker.FailNextReceive(consumerAddress, 1, &amqp.ConnError{})
	broker.Deliver(consumerAddress, amqptest.NewEventMessage([]byte("c"), 300, 3, time.Now()))

	second, err := receiver.ReceiveBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Greater(t, second[0].Offset, first[1].Offset)
	assert.Equal(t, 2, broker.DialCount())
}

func TestReceiveBatchWithManualCredit(t *testing.T) {
	broker := amqptest.NewBroker()
	scope := openScope(t, broker)

	broker.Deliver(consumerAddress, amqptest.NewEventMessage([]byte("a"), 100, 1, time.Now()))
	broker.Deliver(consumerAddress, amqptest.NewEventMessage([]byte("b"), 200, 2, time.Now()))

	receiver, err := amqphub.NewRecoverableReceiver(context.Background(), scope, receiverOptions(0), testPolicy(2), nil)
	require.NoError(t, err)

	got, err := receiver.ReceiveBatch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(100), got[0].Offset)
}

func TestReceiveBatchTimeoutRetriesWithoutReconnect(t *testing.T) {
	broker := amqptest.NewBroker()
	scope := openScope(t, broker)

	receiver, err := amqphub.NewRecoverableReceiver(context.Background(), scope, receiverOptions(10), testPolicy(1), nil)
	require.NoError(t, err)

	broker.FailNextReceive(consumerAddress, 1, context.DeadlineExceeded)
	broker.Deliver(consumerAddress, amqptest.NewEventMessage([]byte("a"), 100, 1, time.Now()))

	got, err := receiver.ReceiveBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, broker.DialCount(), "a per-attempt timeout must not tear down the connection")
}

func TestReceiveBatchReturnsCollectedOnCancellation(t *testing.T) {
	broker := amqptest.NewBroker()
	scope := openScope(t, broker)

	broker.Deliver(consumerAddress, amqptest.NewEventMessage([]byte("a"), 100, 1, time.Now()))

	receiver, err := amqphub.NewRecoverableReceiver(context.Background(), scope, receiverOptions(10), testPolicy(2), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	got, err := receiver.ReceiveBatch(ctx, 5)
	require.Error(t, err)
	assert.Len(t, got, 1, "events collected before the deadline are not discarded")
}

func mgmtResponder(t *testing.T) amqptest.ManagementResponder {
	t.Helper()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func(req *amqp.Message) (*amqp.Message, error) {
		switch req.ApplicationProperties["type"] {
		case "com.microsoft:eventhub":
			return &amqp.Message{
				ApplicationProperties: map[string]any{"status-code": int32(200)},
				Value: map[string]any{
					"created_at":    created,
					"partition_ids": []string{"0", "1", "2"},
				},
			}, nil
		case "com.microsoft:partition":
			return &amqp.Message{
				ApplicationProperties: map[string]any{"status-code": int32(200)},
				Value: map[string]any{
					"begin_sequence_number":         int64(0),
					"last_enqueued_sequence_number": int64(41),
					"last_enqueued_offset":          int64(4100),
					"last_enqueued_time_utc":        created,
					"is_partition_empty":            false,
				},
			}, nil
		default:
			t.Fatalf("unexpected management request type %v", req.ApplicationProperties["type"])
			return nil, nil
		}
	}
}

func TestManagementReadsProperties(t *testing.T) {
	broker := amqptest.NewBroker()
	broker.SetManagementResponder(mgmtResponder(t))
	scope := openScope(t, broker)

	mgmt, err := amqphub.NewRecoverableManagement(context.Background(), scope, testPolicy(2), nil)
	require.NoError(t, err)

	hub, err := mgmt.GetEventHubProperties(context.Background(), "hub")
	require.NoError(t, err)
	assert.Equal(t, "hub", hub.Name)
	assert.Equal(t, []string{"0", "1", "2"}, hub.PartitionIDs)

	part, err := mgmt.GetPartitionProperties(context.Background(), "hub", "1")
	require.NoError(t, err)
	assert.Equal(t, "1", part.PartitionID)
	assert.Equal(t, int64(41), part.LastEnqueuedSequenceNumber)
	assert.Equal(t, int64(4100), part.LastEnqueuedOffset)
	assert.False(t, part.IsEmpty)

	requests := broker.Sent("$management")
	require.NotEmpty(t, requests)
	assert.NotEmpty(t, requests[0].ApplicationProperties["security_token"], "management requests carry a current token")
}

func TestManagementFailsAfterSingleAttemptWithZeroRetries(t *testing.T) {
	broker := amqptest.NewBroker()
	broker.SetManagementResponder(mgmtResponder(t))
	scope := openScope(t, broker)

	mgmt, err := amqphub.NewRecoverableManagement(context.Background(), scope, testPolicy(0), nil)
	require.NoError(t, err)

	broker.FailNextSend("$management", 1, &amqp.ConnError{})

	_, err = mgmt.GetEventHubProperties(context.Background(), "hub")
	require.Error(t, err)
	assert.Equal(t, 1, broker.DialCount(), "zero retries means no reconnect attempt")
}

func TestManagementRecoversOnConnectionFailure(t *testing.T) {
	broker := amqptest.NewBroker()
	broker.SetManagementResponder(mgmtResponder(t))
	scope := openScope(t, broker)

	mgmt, err := amqphub.NewRecoverableManagement(context.Background(), scope, testPolicy(2), nil)
	require.NoError(t, err)

	broker.FailNextSend("$management", 1, &amqp.ConnError{})

	hub, err := mgmt.GetEventHubProperties(context.Background(), "hub")
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, hub.PartitionIDs)
	assert.Equal(t, 2, broker.DialCount())
}

func TestSharedClosesScopeOnLastRelease(t *testing.T) {
	broker := amqptest.NewBroker()

	opens := 0
	shared := amqphub.NewShared(func() (*amqphub.Scope, error) {
		opens++
		return amqphub.Open(context.Background(), amqphub.Options{
			Namespace:     "ns.servicebus.windows.net",
			EventHub:      "hub",
			TokenProvider: auth.NewSharedAccessProvider("root", "key", time.Hour),
			Dialer:        broker.Dialer(),
		})
	})

	ctx := context.Background()

	a, err := shared.Acquire()
	require.NoError(t, err)
	b, err := shared.Acquire()
	require.NoError(t, err)
	c, err := shared.Acquire()
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Same(t, b, c)
	assert.Equal(t, 1, opens)

	require.NoError(t, shared.Release(ctx))
	require.NoError(t, shared.Release(ctx))

	// Still held by one holder: a re-acquire must not reopen.
	d, err := shared.Acquire()
	require.NoError(t, err)
	assert.Same(t, a, d)
	assert.Equal(t, 1, opens)

	require.NoError(t, shared.Release(ctx))
	require.NoError(t, shared.Release(ctx))

	// Fully released: the next acquire opens a fresh scope.
	_, err = shared.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 2, opens)
}

func TestScopeCloseIsIdempotent(t *testing.T) {
	broker := amqptest.NewBroker()
	scope := openScope(t, broker)

	require.NoError(t, scope.Close(context.Background()))
	require.NoError(t, scope.Close(context.Background()))
}
