package eventhubs

import (
	"context"
	"fmt"
	"testing"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/eventhubs-go/internal/amqphub/amqptest"
	"github.com/chris-alexander-pop/eventhubs-go/pkg/test"
)

const testConsumerAddress = "hub/ConsumerGroups/$Default/Partitions/0"

type ClientSuite struct {
	test.Suite
	broker *amqptest.Broker
	opts   *ClientOptions
}

func TestClientSuite(t *testing.T) {
	test.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.Suite.SetupTest()
	s.broker = amqptest.NewBroker()
	s.opts = &ClientOptions{dialer: s.broker.Dialer()}
}

func (s *ClientSuite) newProducer() *ProducerClient {
	p, err := NewProducerClient("ns", "hub", NewSharedKeyCredential("root", "key"), s.opts)
	s.Require().NoError(err)
	return p
}

func (s *ClientSuite) newConsumer() *ConsumerClient {
	c, err := NewConsumerClient("ns", "hub", "", NewSharedKeyCredential("root", "key"), s.opts)
	s.Require().NoError(err)
	return c
}

func (s *ClientSuite) TestProducerSendsAssembledBatch() {
	producer := s.newProducer()
	defer producer.Close(context.Background())

	batch, err := producer.NewEventDataBatch(context.Background(), nil)
	s.Require().NoError(err)

	for i := 0; i < 3; i++ {
		ok, err := batch.AddEventData(EventData{Body: []byte(fmt.Sprintf("Hello, world %d!", i))})
		s.Require().NoError(err)
		s.Require().True(ok)
	}
	s.Require().NoError(producer.SendEventDataBatch(context.Background(), batch))

	sent := s.broker.Sent("hub")
	s.Require().Len(sent, 1)
	s.Len(sent[0].Data, 3)
}

func (s *ClientSuite) TestProducerSendsToPinnedPartition() {
	producer := s.newProducer()
	defer producer.Close(context.Background())

	partition := "0"
	batch, err := producer.NewEventDataBatch(context.Background(), &EventDataBatchOptions{PartitionID: &partition})
	s.Require().NoError(err)

	ok, err := batch.AddEventData(EventData{Body: []byte("pinned")})
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().NoError(producer.SendEventDataBatch(context.Background(), batch))

	s.Len(s.broker.Sent("hub/Partitions/0"), 1)
	s.Empty(s.broker.Sent("hub"))
}

func (s *ClientSuite) TestProducerStampsPartitionKey() {
	producer := s.newProducer()
	defer producer.Close(context.Background())

	key := "device-9"
	batch, err := producer.NewEventDataBatch(context.Background(), &EventDataBatchOptions{PartitionKey: &key})
	s.Require().NoError(err)

	ok, err := batch.AddEventData(EventData{Body: []byte("keyed")})
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().NoError(producer.SendEventDataBatch(context.Background(), batch))

	sent := s.broker.Sent("hub")
	s.Require().Len(sent, 1)
	s.Equal("device-9", sent[0].Annotations["x-opt-partition-key"])
	s.Equal(uint32(0x80013700), sent[0].Format, "single-event batches keep the batch envelope")
}

func (s *ClientSuite) TestPartitionClientWithManualCredit() {
	s.broker.Deliver(testConsumerAddress, amqptest.NewEventMessage([]byte("manual"), 10, 1, time.Now()))

	consumer := s.newConsumer()
	defer consumer.Close(context.Background())

	pc, err := consumer.NewPartitionClient(context.Background(), "0", &PartitionClientOptions{
		StartPosition: StartPositionEarliest(),
		Prefetch:      -1,
	})
	s.Require().NoError(err)
	defer pc.Close(context.Background())

	events, err := pc.ReceiveEvents(context.Background(), 1, nil)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal("manual", string(events[0].Body))
}

func (s *ClientSuite) TestProducerRejectsEmptyBatch() {
	producer := s.newProducer()
	defer producer.Close(context.Background())

	batch, err := producer.NewEventDataBatch(context.Background(), nil)
	s.Require().NoError(err)
	s.Error(producer.SendEventDataBatch(context.Background(), batch))
}

func (s *ClientSuite) TestConsumerReceivesAcrossPartitionClient() {
	for i := int64(1); i <= 2; i++ {
		s.broker.Deliver(testConsumerAddress, amqptest.NewEventMessage([]byte(fmt.Sprintf("event %d", i)), i*10, i, time.Now()))
	}

	consumer := s.newConsumer()
	defer consumer.Close(context.Background())

	pc, err := consumer.NewPartitionClient(context.Background(), "0", &PartitionClientOptions{
		StartPosition: StartPositionEarliest(),
		Prefetch:      5,
	})
	s.Require().NoError(err)
	defer pc.Close(context.Background())

	events, err := pc.ReceiveEvents(context.Background(), 2, nil)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal("event 1", string(events[0].Body))
	s.Equal(int64(10), events[0].Offset)
	s.Greater(events[1].Offset, events[0].Offset)
}

func (s *ClientSuite) TestReceiveEventsReturnsEmptyOnMaxWait() {
	consumer := s.newConsumer()
	defer consumer.Close(context.Background())

	pc, err := consumer.NewPartitionClient(context.Background(), "0", &PartitionClientOptions{
		StartPosition: StartPositionLatest(),
	})
	s.Require().NoError(err)
	defer pc.Close(context.Background())

	events, err := pc.ReceiveEvents(context.Background(), 10, &ReceiveEventsOptions{MaxWaitTime: 100 * time.Millisecond})
	s.NoError(err, "an idle partition at max-wait is not an error")
	s.Empty(events)
}

func (s *ClientSuite) TestGetPropertiesThroughManagementLink() {
	s.broker.SetManagementResponder(func(req *amqp.Message) (*amqp.Message, error) {
		if req.ApplicationProperties["type"] == "com.microsoft:partition" {
			return &amqp.Message{
				ApplicationProperties: map[string]any{"status-code": int32(200)},
				Value: map[string]any{
					"begin_sequence_number":         int64(0),
					"last_enqueued_sequence_number": int64(299),
					"last_enqueued_offset":          int64(29900),
					"last_enqueued_time_utc":        time.Now(),
					"is_partition_empty":            false,
				},
			}, nil
		}
		return &amqp.Message{
			ApplicationProperties: map[string]any{"status-code": int32(200)},
			Value: map[string]any{
				"created_at":    time.Now(),
				"partition_ids": []string{"0", "1"},
			},
		}, nil
	})

	consumer := s.newConsumer()
	defer consumer.Close(context.Background())

	hub, err := consumer.GetEventHubProperties(context.Background())
	s.Require().NoError(err)
	s.Equal([]string{"0", "1"}, hub.PartitionIDs)

	part, err := consumer.GetPartitionProperties(context.Background(), "0")
	s.Require().NoError(err)
	s.Equal(int64(299), part.LastEnqueuedSequenceNumber)
	s.False(part.IsEmpty)
}

func TestFullyQualifiedNamespace(t *testing.T) {
	assert.Equal(t, "ns.servicebus.windows.net", fullyQualifiedNamespace("ns"))
	assert.Equal(t, "ns.servicebus.windows.net", fullyQualifiedNamespace("ns.servicebus.windows.net"))
}

func TestStartPositionConstructors(t *testing.T) {
	p := StartPositionOffset(42, true)
	require.NotNil(t, p.inner.Offset)
	assert.Equal(t, int64(42), *p.inner.Offset)
	assert.True(t, p.inner.Inclusive)

	q := StartPositionSequenceNumber(7, false)
	require.NotNil(t, q.inner.SequenceNumber)
	assert.False(t, q.inner.Inclusive)

	at := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	e := StartPositionEnqueuedTime(at)
	require.NotNil(t, e.inner.EnqueuedTimeMS)
	assert.Equal(t, at.UnixMilli(), *e.inner.EnqueuedTimeMS)

	assert.True(t, StartPositionEarliest().inner.Earliest)
	assert.True(t, StartPositionLatest().inner.Latest)
}
