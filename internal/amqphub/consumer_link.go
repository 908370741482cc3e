package amqphub

import (
	"context"
	"sync/atomic"

	amqp "github.com/Azure/go-amqp"
)

// Link property and delivery annotation names for epoch preemption and the
// last-enqueued watermark.
const (
	ownerLevelFilter          = "com.microsoft:epoch"
	lastEnqueuedSeqProperty   = "x-opt-last-enqueued-sequence-number"
	lastEnqueuedOffProperty   = "x-opt-last-enqueued-offset"
	lastEnqueuedTimeProperty  = "x-opt-last-enqueued-enqueued-time"
	lastRetrievalTimeProperty = "x-opt-last-enqueued-time-utc"
)

// LastEnqueuedEventProperties is the last-enqueued-event watermark a broker
// attaches to delivered messages when the consumer link asked for it.
type LastEnqueuedEventProperties struct {
	SequenceNumber int64
	Offset         int64
	EnqueuedTime   int64
	RetrievalTime  int64
}

// ConsumerLink wraps a receiver AMQP link with credit-based prefetch and
// current-event-position tracking. A zero prefetch puts the link in manual
// credit mode: nothing flows until the caller grants credit.
type ConsumerLink struct {
	ID          uint32
	PartitionID string
	OwnerLevel  int64
	TrackLast   bool

	receiver AMQPReceiver
	prefetch uint32

	// currentPosition is updated after every successfully delivered event so
	// recovery can resume without redelivering it. It never regresses over
	// the life of the logical stream.
	currentPosition atomic.Value // Position

	lastEnqueued atomic.Value // LastEnqueuedEventProperties
}

func newConsumerLink(id uint32, partitionID string, ownerLevel int64, trackLast bool, receiver AMQPReceiver, prefetch uint32, attachedAt Position) *ConsumerLink {
	l := &ConsumerLink{
		ID:          id,
		PartitionID: partitionID,
		OwnerLevel:  ownerLevel,
		TrackLast:   trackLast,
		receiver:    receiver,
		prefetch:    prefetch,
	}
	// Until the first delivery, a rebuild restarts from the attach position;
	// the rebuild makes an offset or sequence-number position exclusive.
	l.currentPosition.Store(attachedAt)
	l.lastEnqueued.Store(LastEnqueuedEventProperties{})
	return l
}

// IssueInitialCredit grants the link's configured prefetch credit, done
// once right after attach. Manual-credit links start with no window.
func (l *ConsumerLink) IssueInitialCredit() error {
	if l.prefetch == 0 {
		return nil
	}
	return l.receiver.IssueCredit(l.prefetch)
}

// GrantCredit issues credit on a manual-credit link; links with an
// automatic prefetch window manage their own and ignore the grant.
func (l *ConsumerLink) GrantCredit(n uint32) error {
	if l.prefetch > 0 {
		return nil
	}
	if err := l.receiver.IssueCredit(n); err != nil {
		return newTransportError("granting credit", err)
	}
	return nil
}

// CurrentPosition returns the position of the last event this link
// delivered, used to rebuild the link after recovery.
func (l *ConsumerLink) CurrentPosition() Position {
	return l.currentPosition.Load().(Position)
}

// LastEnqueued returns the most recent last-enqueued-event watermark seen
// on a delivery, if TrackLast was requested.
func (l *ConsumerLink) LastEnqueued() LastEnqueuedEventProperties {
	return l.lastEnqueued.Load().(LastEnqueuedEventProperties)
}

// Receive waits for the next delivery, accepts it, advances the current
// position, records any last-enqueued watermark, and, on a prefetching
// link, reissues the one unit of credit it consumed.
func (l *ConsumerLink) Receive(ctx context.Context) (Delivery, error) {
	msg, err := l.receiver.Receive(ctx, nil)
	if err != nil {
		return Delivery{}, newTransportError("receiving event", err)
	}

	d := newDelivery(msg)

	if err := l.receiver.AcceptMessage(ctx, msg); err != nil {
		return Delivery{}, newProtocolError("accepting event", err)
	}

	l.currentPosition.Store(fromOffset(d.Offset))

	if l.TrackLast {
		if props, ok := lastEnqueuedFrom(msg); ok {
			l.lastEnqueued.Store(props)
		}
	}

	if l.prefetch > 0 {
		if err := l.receiver.IssueCredit(1); err != nil {
			return d, newTransportError("reissuing credit", err)
		}
	}
	return d, nil
}

func lastEnqueuedFrom(msg *amqp.Message) (LastEnqueuedEventProperties, bool) {
	if msg.DeliveryAnnotations == nil {
		return LastEnqueuedEventProperties{}, false
	}
	props := LastEnqueuedEventProperties{}
	found := false
	for k, v := range msg.DeliveryAnnotations {
		key, ok := annotationKey(k)
		if !ok {
			continue
		}
		switch key {
		case lastEnqueuedSeqProperty:
			props.SequenceNumber = toInt64(v)
			found = true
		case lastEnqueuedOffProperty:
			props.Offset = toInt64(v)
			found = true
		case lastEnqueuedTimeProperty:
			props.EnqueuedTime = toInt64(v)
			found = true
		case lastRetrievalTimeProperty:
			props.RetrievalTime = toInt64(v)
			found = true
		}
	}
	return props, found
}

// Close detaches the underlying receiver link.
func (l *ConsumerLink) Close(ctx context.Context) error {
	return l.receiver.Close(ctx)
}
