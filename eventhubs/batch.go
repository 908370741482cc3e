package eventhubs

import (
	"github.com/chris-alexander-pop/eventhubs-go/internal/amqphub"
	"github.com/chris-alexander-pop/eventhubs-go/pkg/apperr"
)

// batchEnvelopeOverhead is a conservative estimate of the extra bytes the
// batch message-format envelope adds over the sum of its members' encoded
// sizes, so a full batch still fits under the link's negotiated
// max-message-size.
const batchEnvelopeOverhead = 512

// EventDataBatchOptions configures a new batch. PartitionID and
// PartitionKey are mutually exclusive: a batch is either pinned to one
// partition or routed by key hash.
type EventDataBatchOptions struct {
	PartitionID  *string
	PartitionKey *string
	MaxBytes     uint64
}

// EventDataBatch assembles events under one AMQP transfer up to the link's
// max-message-size, tracking its running byte count as each event is added
// rather than re-encoding the whole batch on every AddEventData call.
type EventDataBatch struct {
	maxBytes     uint64
	partitionID  *string
	partitionKey *string

	events    []amqphub.EncodedEvent
	byteCount uint64
}

func newEventDataBatch(maxBytes uint64, opts EventDataBatchOptions) (*EventDataBatch, error) {
	if opts.PartitionID != nil && opts.PartitionKey != nil {
		return nil, apperr.Validation("a batch cannot carry both a partition id and a partition key", nil)
	}
	if opts.MaxBytes > 0 && opts.MaxBytes < maxBytes {
		maxBytes = opts.MaxBytes
	}
	return &EventDataBatch{
		maxBytes:     maxBytes,
		partitionID:  opts.PartitionID,
		partitionKey: opts.PartitionKey,
		byteCount:    batchEnvelopeOverhead,
	}, nil
}

// AddEventData encodes e and appends it to the batch if it still fits under
// MaxBytes. It returns false (no error) when the batch is full so callers
// know to flush and start a new batch. An event too large to fit even in an
// empty batch is a validation error, not a full batch.
func (b *EventDataBatch) AddEventData(e EventData) (bool, error) {
	msg, err := e.toAMQPMessage()
	if err != nil {
		return false, err
	}
	payload, err := msg.MarshalBinary()
	if err != nil {
		return false, apperr.Codec("encoding event", err)
	}

	if b.byteCount+uint64(len(payload)) > b.maxBytes {
		if len(b.events) == 0 {
			return false, apperr.Validation("event exceeds the maximum batch size on its own", nil)
		}
		return false, nil
	}

	b.events = append(b.events, amqphub.EncodedEvent{Payload: payload})
	b.byteCount += uint64(len(payload))
	return true, nil
}

// NumEvents reports how many events are currently in the batch.
func (b *EventDataBatch) NumEvents() int { return len(b.events) }

// ByteCount reports the batch's current estimated encoded size.
func (b *EventDataBatch) ByteCount() uint64 { return b.byteCount }

// MaxBytes reports the batch's size ceiling.
func (b *EventDataBatch) MaxBytes() uint64 { return b.maxBytes }

func (b *EventDataBatch) encodedEvents() []amqphub.EncodedEvent { return b.events }
