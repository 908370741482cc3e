package eventhubs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-alexander-pop/eventhubs-go/pkg/logger"
)

// InstrumentedProducerClient wraps a ProducerClient with spans and
// structured logging.
type InstrumentedProducerClient struct {
	next     *ProducerClient
	eventHub string
	tracer   trace.Tracer
}

// NewInstrumentedProducerClient wraps next for tracing and logging.
func NewInstrumentedProducerClient(next *ProducerClient) *InstrumentedProducerClient {
	return &InstrumentedProducerClient{
		next:     next,
		eventHub: next.eventHub,
		tracer:   otel.Tracer("eventhubs"),
	}
}

// NewEventDataBatch delegates to the wrapped client; batch assembly is
// local and cheap enough not to warrant its own span.
func (p *InstrumentedProducerClient) NewEventDataBatch(ctx context.Context, opts *EventDataBatchOptions) (*EventDataBatch, error) {
	return p.next.NewEventDataBatch(ctx, opts)
}

// SendEventDataBatch sends batch, recording a span and logging the
// outcome.
func (p *InstrumentedProducerClient) SendEventDataBatch(ctx context.Context, batch *EventDataBatch) error {
	ctx, span := p.tracer.Start(ctx, "eventhubs.SendEventDataBatch", trace.WithAttributes(
		attribute.String("messaging.destination.name", p.eventHub),
		attribute.Int("messaging.batch.message_count", batch.NumEvents()),
	))
	defer span.End()

	logger.L().InfoContext(ctx, "sending event batch", "event_hub", p.eventHub, "count", batch.NumEvents())

	if err := p.next.SendEventDataBatch(ctx, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "failed to send event batch", "event_hub", p.eventHub, "error", err)
		return err
	}

	span.SetStatus(codes.Ok, "batch sent")
	return nil
}

// GetEventHubProperties delegates to the wrapped client.
func (p *InstrumentedProducerClient) GetEventHubProperties(ctx context.Context) (EventHubProperties, error) {
	return p.next.GetEventHubProperties(ctx)
}

// GetPartitionProperties delegates to the wrapped client.
func (p *InstrumentedProducerClient) GetPartitionProperties(ctx context.Context, partitionID string) (PartitionProperties, error) {
	return p.next.GetPartitionProperties(ctx, partitionID)
}

// Close closes the wrapped client.
func (p *InstrumentedProducerClient) Close(ctx context.Context) error {
	logger.L().Info("closing producer client", "event_hub", p.eventHub)
	return p.next.Close(ctx)
}

// InstrumentedConsumerClient wraps a ConsumerClient with spans and
// structured logging.
type InstrumentedConsumerClient struct {
	next     *ConsumerClient
	eventHub string
	group    string
	tracer   trace.Tracer
}

// NewInstrumentedConsumerClient wraps next for tracing and logging.
func NewInstrumentedConsumerClient(next *ConsumerClient) *InstrumentedConsumerClient {
	return &InstrumentedConsumerClient{
		next:     next,
		eventHub: next.eventHub,
		group:    next.consumerGroup,
		tracer:   otel.Tracer("eventhubs"),
	}
}

// NewPartitionClient opens a partition subscription and wraps it for
// tracing and logging.
func (c *InstrumentedConsumerClient) NewPartitionClient(ctx context.Context, partitionID string, opts *PartitionClientOptions) (*InstrumentedPartitionClient, error) {
	logger.L().InfoContext(ctx, "opening partition client", "event_hub", c.eventHub, "group", c.group, "partition", partitionID)
	pc, err := c.next.NewPartitionClient(ctx, partitionID, opts)
	if err != nil {
		logger.L().ErrorContext(ctx, "failed to open partition client", "event_hub", c.eventHub, "partition", partitionID, "error", err)
		return nil, err
	}
	return &InstrumentedPartitionClient{
		next:        pc,
		eventHub:    c.eventHub,
		group:       c.group,
		partitionID: partitionID,
		tracer:      c.tracer,
	}, nil
}

// GetEventHubProperties delegates to the wrapped client.
func (c *InstrumentedConsumerClient) GetEventHubProperties(ctx context.Context) (EventHubProperties, error) {
	return c.next.GetEventHubProperties(ctx)
}

// GetPartitionProperties delegates to the wrapped client.
func (c *InstrumentedConsumerClient) GetPartitionProperties(ctx context.Context, partitionID string) (PartitionProperties, error) {
	return c.next.GetPartitionProperties(ctx, partitionID)
}

// Close closes the wrapped client.
func (c *InstrumentedConsumerClient) Close(ctx context.Context) error {
	logger.L().Info("closing consumer client", "event_hub", c.eventHub, "group", c.group)
	return c.next.Close(ctx)
}

// InstrumentedPartitionClient wraps a PartitionClient with spans and
// structured logging around each receive.
type InstrumentedPartitionClient struct {
	next        *PartitionClient
	eventHub    string
	group       string
	partitionID string
	tracer      trace.Tracer
}

// ReceiveEvents receives events within a span, logging the outcome.
func (p *InstrumentedPartitionClient) ReceiveEvents(ctx context.Context, count int, opts *ReceiveEventsOptions) ([]*ReceivedEventData, error) {
	ctx, span := p.tracer.Start(ctx, "eventhubs.ReceiveEvents", trace.WithAttributes(
		attribute.String("messaging.destination.name", p.eventHub),
		attribute.String("messaging.consumer.group.name", p.group),
		attribute.String("messaging.destination.partition.id", p.partitionID),
		attribute.Int("messaging.batch.message_count.requested", count),
	))
	defer span.End()

	events, err := p.next.ReceiveEvents(ctx, count, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "failed to receive events", "event_hub", p.eventHub, "partition", p.partitionID, "error", err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("messaging.batch.message_count", len(events)))
	span.SetStatus(codes.Ok, "events received")
	logger.L().DebugContext(ctx, "received events", "event_hub", p.eventHub, "partition", p.partitionID, "count", len(events))
	return events, nil
}

// LastEnqueuedEventProperties delegates to the wrapped client.
func (p *InstrumentedPartitionClient) LastEnqueuedEventProperties() LastEnqueuedEventProperties {
	return p.next.LastEnqueuedEventProperties()
}

// PartitionID is the partition this client reads from.
func (p *InstrumentedPartitionClient) PartitionID() string {
	return p.next.PartitionID()
}

// Close closes the wrapped client.
func (p *InstrumentedPartitionClient) Close(ctx context.Context) error {
	logger.L().Info("closing partition client", "event_hub", p.eventHub, "partition", p.partitionID)
	return p.next.Close(ctx)
}
