package amqphub

import (
	"context"

	amqp "github.com/Azure/go-amqp"
)

// batchMessageFormat is the AMQP message-format code for a batch of
// pre-encoded AMQP messages carried as multiple Data sections in one
// transfer.
const batchMessageFormat uint32 = 0x80013700

// EncodedEvent is one event already rendered to its wire bytes, tracked by
// EventDataBatch so it can report ByteCount without re-encoding.
type EncodedEvent struct {
	Payload []byte
}

// ProducerLink wraps a sender AMQP link. A producer link is bound to either
// a specific partition or none (the broker routes on a partition key or
// round-robin), and every send is either a single message or a
// pre-assembled batch transfer.
type ProducerLink struct {
	ID          uint32
	PartitionID *string
	sender      AMQPSender
}

func newProducerLink(id uint32, partitionID *string, sender AMQPSender) *ProducerLink {
	return &ProducerLink{ID: id, PartitionID: partitionID, sender: sender}
}

// MaxMessageSize reports the link's negotiated max-message-size, used by
// EventDataBatch to decide when it's full.
func (l *ProducerLink) MaxMessageSize() uint64 {
	return l.sender.MaxMessageSize()
}

// SendSingle sends one already-encoded message.
func (l *ProducerLink) SendSingle(ctx context.Context, msg *amqp.Message) error {
	if err := l.sender.Send(ctx, msg, nil); err != nil {
		return newTransportError("sending event", err)
	}
	return nil
}

// SendBatch sends a set of already-encoded event payloads as one AMQP
// batch transfer. Every payload is a fully-encoded message, so the
// envelope always carries the batch message format, even for a single
// event; without it the broker would treat the encoded message as an
// opaque event body.
func (l *ProducerLink) SendBatch(ctx context.Context, events []EncodedEvent, partitionKey *string) error {
	if len(events) == 0 {
		return newValidationError("cannot send an empty batch", nil)
	}

	msg := &amqp.Message{
		Format: batchMessageFormat,
		Data:   make([][]byte, len(events)),
	}
	if partitionKey != nil {
		msg.Annotations = amqp.Annotations{annotationPartitionKey: *partitionKey}
	}
	for i, e := range events {
		msg.Data[i] = e.Payload
	}
	return l.SendSingle(ctx, msg)
}

// Close detaches the underlying sender link.
func (l *ProducerLink) Close(ctx context.Context) error {
	return l.sender.Close(ctx)
}
