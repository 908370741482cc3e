package amqphub

import (
	"strconv"
	"time"

	amqp "github.com/Azure/go-amqp"
)

// Message annotation names the broker stamps on delivered events.
const (
	annotationOffset         = "x-opt-offset"
	annotationSequenceNumber = "x-opt-sequence-number"
	annotationEnqueuedTime   = "x-opt-enqueued-time"
	annotationPartitionKey   = "x-opt-partition-key"
)

// Delivery is a received AMQP message plus the fields this package's
// recovery logic needs pulled out of its annotations.
type Delivery struct {
	Raw            *amqp.Message
	Offset         int64
	SequenceNumber int64
	EnqueuedTime   time.Time
	PartitionKey   *string
}

// newDelivery parses the annotations off a raw AMQP message into a Delivery.
func newDelivery(msg *amqp.Message) Delivery {
	d := Delivery{Raw: msg}
	for k, v := range msg.Annotations {
		key, ok := annotationKey(k)
		if !ok {
			continue
		}
		switch key {
		case annotationOffset:
			d.Offset = toInt64(v)
		case annotationSequenceNumber:
			d.SequenceNumber = toInt64(v)
		case annotationEnqueuedTime:
			d.EnqueuedTime = toTime(v)
		case annotationPartitionKey:
			if s, ok := v.(string); ok {
				d.PartitionKey = &s
			}
		}
	}
	return d
}

// annotationKey normalizes an AMQP annotation map key (amqp.Symbol or
// string) to its bare name, e.g. "x-opt-offset".
func annotationKey(k any) (string, bool) {
	switch t := k.(type) {
	case amqp.Symbol:
		return string(t), true
	case string:
		return t, true
	default:
		return "", false
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case int64:
		return time.UnixMilli(t)
	default:
		return time.Time{}
	}
}
