package eventhubs

import (
	"time"

	"github.com/chris-alexander-pop/eventhubs-go/internal/amqphub"
)

// StartPosition identifies where a consumer link should begin reading a
// partition. Build one with the package-level constructors below rather
// than the zero value.
type StartPosition struct {
	inner amqphub.Position
}

// StartPositionEarliest starts from the first event still retained in the
// partition.
func StartPositionEarliest() StartPosition {
	return StartPosition{inner: amqphub.Position{Earliest: true}}
}

// StartPositionLatest starts from the next event enqueued after the
// consumer link attaches, skipping everything already in the partition.
func StartPositionLatest() StartPosition {
	return StartPosition{inner: amqphub.Position{Latest: true}}
}

// StartPositionOffset starts at the given offset. inclusive controls
// whether the event at offset itself is redelivered.
func StartPositionOffset(offset int64, inclusive bool) StartPosition {
	return StartPosition{inner: amqphub.Position{Offset: &offset, Inclusive: inclusive}}
}

// StartPositionSequenceNumber starts at the given sequence number.
func StartPositionSequenceNumber(seq int64, inclusive bool) StartPosition {
	return StartPosition{inner: amqphub.Position{SequenceNumber: &seq, Inclusive: inclusive}}
}

// StartPositionEnqueuedTime starts at the first event enqueued at or after t.
func StartPositionEnqueuedTime(t time.Time) StartPosition {
	ms := t.UnixMilli()
	return StartPosition{inner: amqphub.Position{EnqueuedTimeMS: &ms, Inclusive: true}}
}
