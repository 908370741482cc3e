package eventhubs

import (
	"context"
	"errors"
	"time"

	"github.com/chris-alexander-pop/eventhubs-go/internal/amqphub"
)

// PartitionClient reads events from a single partition of a single
// consumer group, recovering its link transparently on transient failures
// without ever redelivering an event the caller already saw.
type PartitionClient struct {
	partitionID string
	client      *ConsumerClient
	receiver    *amqphub.RecoverableReceiver
}

// PartitionID is the partition this client reads from.
func (p *PartitionClient) PartitionID() string {
	return p.partitionID
}

// ReceiveEventsOptions controls a single ReceiveEvents call.
type ReceiveEventsOptions struct {
	// MaxWaitTime bounds how long to wait before returning whatever was
	// collected, possibly nothing. Zero sets no overall bound: each receive
	// attempt then ends at the retry policy's try timeout, and the call
	// returns once the retries are used up or ctx is done.
	MaxWaitTime time.Duration
}

// ReceiveEvents waits for up to count events, returning early once count
// is reached, MaxWaitTime elapses, the retry policy's attempts time out, or
// ctx is done. Hitting MaxWaitTime or running out of timed-out attempts is
// not an error even with zero events collected; a caller cancellation with
// zero events is.
func (p *PartitionClient) ReceiveEvents(ctx context.Context, count int, opts *ReceiveEventsOptions) ([]*ReceivedEventData, error) {
	recvCtx := ctx
	if opts != nil && opts.MaxWaitTime > 0 {
		var cancel context.CancelFunc
		recvCtx, cancel = context.WithTimeout(ctx, opts.MaxWaitTime)
		defer cancel()
	}

	deliveries, err := p.receiver.ReceiveBatch(recvCtx, count)
	if err != nil && len(deliveries) == 0 {
		// The wait-time timer expiring on an idle partition returns an
		// empty result; only the caller's own context surfaces as an error.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}

	events := make([]*ReceivedEventData, 0, len(deliveries))
	for _, d := range deliveries {
		ev := fromDelivery(d)
		events = append(events, &ev)
	}
	return events, nil
}

// LastEnqueuedEventProperties reports the partition's last-enqueued-event
// watermark as of the most recent delivery, populated only when the client
// was opened with TrackLastEnqueuedEventProperties.
func (p *PartitionClient) LastEnqueuedEventProperties() LastEnqueuedEventProperties {
	props := p.receiver.LastEnqueued()
	return LastEnqueuedEventProperties{
		SequenceNumber: props.SequenceNumber,
		Offset:         props.Offset,
		EnqueuedTime:   props.EnqueuedTime,
		RetrievalTime:  props.RetrievalTime,
	}
}

// Close detaches this client's consumer link and releases its hold on the
// parent ConsumerClient's shared connection scope.
func (p *PartitionClient) Close(ctx context.Context) error {
	if err := p.receiver.Close(ctx); err != nil {
		return err
	}
	return p.client.shared.Release(ctx)
}

// LastEnqueuedEventProperties is the last-enqueued watermark of a tracked
// partition.
type LastEnqueuedEventProperties struct {
	SequenceNumber int64
	Offset         int64
	EnqueuedTime   int64
	RetrievalTime  int64
}
