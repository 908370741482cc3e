package eventhubs

import (
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/chris-alexander-pop/eventhubs-go/internal/amqphub"
	"github.com/chris-alexander-pop/eventhubs-go/pkg/apperr"
)

// MaxMessageIDLength bounds the message-id property of an outbound event.
const MaxMessageIDLength = 128

// EventData is an event to be sent.
type EventData struct {
	Body          []byte
	Properties    map[string]any
	ContentType   *string
	CorrelationID *string
	MessageID     *string
	PartitionKey  *string
}

// ReceivedEventData is an event delivered by a consumer, with the broker
// metadata pulled off the wire annotations.
type ReceivedEventData struct {
	EventData
	Offset         int64
	SequenceNumber int64
	EnqueuedTime   time.Time
}

func (e EventData) toAMQPMessage() (*amqp.Message, error) {
	id, err := resolveMessageID(e.MessageID)
	if err != nil {
		return nil, err
	}
	msg := &amqp.Message{
		Data: [][]byte{e.Body},
		Properties: &amqp.MessageProperties{
			MessageID: id,
		},
	}
	if e.CorrelationID != nil {
		msg.Properties.CorrelationID = *e.CorrelationID
	}
	if e.ContentType != nil {
		msg.Properties.ContentType = e.ContentType
	}
	if len(e.Properties) > 0 {
		msg.ApplicationProperties = e.Properties
	}
	return msg, nil
}

func resolveMessageID(id *string) (string, error) {
	if id == nil {
		return uuid.NewString(), nil
	}
	if *id == "" {
		return "", apperr.Validation("message id must not be empty", nil)
	}
	if len(*id) > MaxMessageIDLength {
		return "", apperr.Validation("message id exceeds 128 bytes", nil)
	}
	return *id, nil
}

func fromDelivery(d amqphub.Delivery) ReceivedEventData {
	msg := d.Raw
	rv := ReceivedEventData{
		Offset:         d.Offset,
		SequenceNumber: d.SequenceNumber,
		EnqueuedTime:   d.EnqueuedTime,
	}
	if len(msg.Data) > 0 {
		rv.Body = msg.Data[0]
	}
	if msg.ApplicationProperties != nil {
		rv.Properties = msg.ApplicationProperties
	}
	if msg.Properties != nil {
		if id, ok := msg.Properties.MessageID.(string); ok {
			rv.MessageID = &id
		}
		if msg.Properties.ContentType != nil {
			rv.ContentType = msg.Properties.ContentType
		}
		if corr, ok := msg.Properties.CorrelationID.(string); ok {
			rv.CorrelationID = &corr
		}
	}
	rv.PartitionKey = d.PartitionKey
	return rv
}
