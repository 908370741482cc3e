package amqphub

import "fmt"

// Position identifies where in a partition's log a consumer link should
// start. Exactly one of the pointer fields is set, except Earliest/Latest
// which are booleans.
type Position struct {
	Offset         *int64
	SequenceNumber *int64
	EnqueuedTimeMS *int64 // milliseconds since epoch
	Earliest       bool
	Latest         bool
	Inclusive      bool
}

// filterSelector renders the AMQP selector-filter expression for this
// position using the x-opt-* annotation names the broker matches on.
func (p Position) filterSelector() string {
	op := ">"
	if p.Inclusive {
		op = ">="
	}

	switch {
	case p.Earliest:
		return "amqp.annotation.x-opt-offset >= '-1'"
	case p.Latest:
		return "amqp.annotation.x-opt-offset = '@latest'"
	case p.Offset != nil:
		return fmt.Sprintf("amqp.annotation.x-opt-offset %s '%d'", op, *p.Offset)
	case p.SequenceNumber != nil:
		return fmt.Sprintf("amqp.annotation.x-opt-sequence-number %s %d", op, *p.SequenceNumber)
	case p.EnqueuedTimeMS != nil:
		return fmt.Sprintf("amqp.annotation.x-opt-enqueued-time %s %d", op, *p.EnqueuedTimeMS)
	default:
		// Zero-value Position: start from the beginning of the partition.
		return "amqp.annotation.x-opt-offset >= '-1'"
	}
}

// asExclusive returns the position mutated to be non-inclusive, used when
// rebuilding a consumer after recovery: offset/sequence variants must not
// redeliver the last delivered event, enqueued-time variants pass through
// unchanged since they aren't advanced per-event.
func (p Position) asExclusive() Position {
	if p.Offset != nil || p.SequenceNumber != nil {
		p.Inclusive = false
	}
	return p
}

// fromOffset builds the position recorded after a successful delivery, so a
// rebuilt link resumes strictly after the delivered event.
func fromOffset(offset int64) Position {
	return Position{Offset: &offset, Inclusive: false}
}
