package amqphub

import (
	"context"
	"log/slog"
	"time"

	"github.com/chris-alexander-pop/eventhubs-go/internal/retrypolicy"
)

// RecoverableSender wraps a ProducerLink with a retry/recover loop: a
// recoverable failure tears down the whole connection scope and reattaches
// the link before retrying, rather than retrying the send itself.
type RecoverableSender struct {
	scope       *Scope
	partitionID *string
	policy      retrypolicy.Policy
	logger      *slog.Logger

	link *ProducerLink
}

// NewRecoverableSender opens a producer link against scope and wraps it.
func NewRecoverableSender(ctx context.Context, scope *Scope, partitionID *string, policy retrypolicy.Policy, logger *slog.Logger) (*RecoverableSender, error) {
	link, err := scope.openProducerLink(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoverableSender{scope: scope, partitionID: partitionID, policy: policy, link: link, logger: logger}, nil
}

// MaxMessageSize reports the current link's negotiated max-message-size.
func (r *RecoverableSender) MaxMessageSize() uint64 {
	return r.link.MaxMessageSize()
}

// SendBatch sends a batch, recovering and retrying on recoverable failures
// per the wrapped retry policy. Re-attaching re-requests the send claim
// before the new attach.
func (r *RecoverableSender) SendBatch(ctx context.Context, events []EncodedEvent, partitionKey *string) error {
	for attempt := 0; ; attempt++ {
		tryCtx, cancel := context.WithTimeout(ctx, r.policy.TryTimeoutFor(attempt))
		err := r.link.SendBatch(tryCtx, events, partitionKey)
		cancel()
		if err == nil {
			return nil
		}

		delay, retry := r.policy.NextDelay(err, attempt, classify)
		if !retry {
			return err
		}

		if retrypolicy.ShouldTryRecover(err, classify) {
			r.logger.Warn("recoverable send failed, reattaching", "attempt", attempt, "error", err)
			if recErr := r.scope.recover(ctx); recErr != nil {
				return recErr
			}
			link, openErr := r.scope.openProducerLink(ctx, r.partitionID)
			if openErr != nil {
				return openErr
			}
			r.link = link
		} else {
			r.logger.Debug("send attempt failed, retrying", "attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Close detaches the current producer link.
func (r *RecoverableSender) Close(ctx context.Context) error {
	return r.link.Close(ctx)
}

// RecoverableReceiver wraps a ConsumerLink with a retry/recover loop:
// recovery rebuilds the consumer link from its own current event position,
// made exclusive, rather than resuming the stale link, so no event it
// already delivered is redelivered.
type RecoverableReceiver struct {
	scope  *Scope
	opts   ConsumerOptions
	policy retrypolicy.Policy
	logger *slog.Logger

	link *ConsumerLink
}

// NewRecoverableReceiver opens a consumer link against scope and wraps it.
func NewRecoverableReceiver(ctx context.Context, scope *Scope, opts ConsumerOptions, policy retrypolicy.Policy, logger *slog.Logger) (*RecoverableReceiver, error) {
	link, err := scope.openConsumerLink(ctx, opts)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoverableReceiver{scope: scope, opts: opts, policy: policy, link: link, logger: logger}, nil
}

// ReceiveBatch pulls up to maxCount events, recovering and rebuilding the
// link from its last delivered position on a recoverable failure.
func (r *RecoverableReceiver) ReceiveBatch(ctx context.Context, maxCount int) ([]Delivery, error) {
	deliveries := make([]Delivery, 0, maxCount)
	if err := r.link.GrantCredit(batchCredit(maxCount, 0)); err != nil {
		return nil, err
	}
	for attempt := 0; len(deliveries) < maxCount; {
		tryCtx, cancel := context.WithTimeout(ctx, r.policy.TryTimeoutFor(attempt))
		d, err := r.link.Receive(tryCtx)
		cancel()
		if err == nil {
			deliveries = append(deliveries, d)
			attempt = 0
			continue
		}

		if ctx.Err() != nil {
			return deliveries, ctx.Err()
		}

		delay, retry := r.policy.NextDelay(err, attempt, classify)
		if !retry {
			if len(deliveries) > 0 {
				return deliveries, nil
			}
			return nil, err
		}

		if retrypolicy.ShouldTryRecover(err, classify) {
			r.logger.Warn("recoverable receive failed, rebuilding consumer", "attempt", attempt, "error", err)
			if recErr := r.scope.recover(ctx); recErr != nil {
				return deliveries, recErr
			}

			rebuildOpts := r.opts
			rebuildOpts.Position = r.link.CurrentPosition().asExclusive()
			link, openErr := r.scope.openConsumerLink(ctx, rebuildOpts)
			if openErr != nil {
				return deliveries, openErr
			}
			r.link = link
			r.opts = rebuildOpts
			if grantErr := r.link.GrantCredit(batchCredit(maxCount, len(deliveries))); grantErr != nil {
				return deliveries, grantErr
			}
		} else {
			// A timed-out or otherwise link-healthy attempt retries in
			// place, topping up credit rather than rebuilding.
			if grantErr := r.link.GrantCredit(batchCredit(maxCount, len(deliveries))); grantErr != nil {
				return deliveries, grantErr
			}
		}
		attempt++

		select {
		case <-ctx.Done():
			return deliveries, ctx.Err()
		case <-time.After(delay):
		}
	}
	return deliveries, nil
}

// batchCredit is the manual-credit grant for a partially-filled buffer.
func batchCredit(capacity, filled int) uint32 {
	if remaining := capacity - filled; remaining > 1 {
		return uint32(remaining)
	}
	return 1
}

// LastEnqueued returns the most recent last-enqueued-event watermark.
func (r *RecoverableReceiver) LastEnqueued() LastEnqueuedEventProperties {
	return r.link.LastEnqueued()
}

// Close detaches the current consumer link.
func (r *RecoverableReceiver) Close(ctx context.Context) error {
	return r.link.Close(ctx)
}

// RecoverableManagement wraps management RPCs with the same retry policy as
// send and receive, rebuilding the session and link on a connection-level
// failure before the next call.
type RecoverableManagement struct {
	scope  *Scope
	policy retrypolicy.Policy
	logger *slog.Logger

	link *managementLink
}

// NewRecoverableManagement opens a management link against scope.
func NewRecoverableManagement(ctx context.Context, scope *Scope, policy retrypolicy.Policy, logger *slog.Logger) (*RecoverableManagement, error) {
	link, err := scope.openManagementLink(ctx)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoverableManagement{scope: scope, policy: policy, link: link, logger: logger}, nil
}

func (r *RecoverableManagement) GetEventHubProperties(ctx context.Context, name string) (EventHubProperties, error) {
	var zero EventHubProperties
	for attempt := 0; ; attempt++ {
		tryCtx, cancel := context.WithTimeout(ctx, r.policy.TryTimeoutFor(attempt))
		props, err := r.link.getEventHubProperties(tryCtx, name)
		cancel()
		if err == nil {
			return props, nil
		}

		delay, retry := r.policy.NextDelay(err, attempt, classify)
		if !retry {
			return zero, err
		}
		if recErr := r.recoverIfNeeded(ctx, err); recErr != nil {
			return zero, recErr
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// recoverIfNeeded rebuilds the scope and management link after a
// connection-level failure; other retryable errors reuse the current link.
func (r *RecoverableManagement) recoverIfNeeded(ctx context.Context, err error) error {
	if !retrypolicy.ShouldTryRecover(err, classify) {
		return nil
	}
	if recErr := r.scope.recover(ctx); recErr != nil {
		return recErr
	}
	link, openErr := r.scope.openManagementLink(ctx)
	if openErr != nil {
		return openErr
	}
	r.link = link
	return nil
}

func (r *RecoverableManagement) GetPartitionProperties(ctx context.Context, name, partitionID string) (PartitionProperties, error) {
	var zero PartitionProperties
	for attempt := 0; ; attempt++ {
		tryCtx, cancel := context.WithTimeout(ctx, r.policy.TryTimeoutFor(attempt))
		props, err := r.link.getPartitionProperties(tryCtx, name, partitionID)
		cancel()
		if err == nil {
			return props, nil
		}

		delay, retry := r.policy.NextDelay(err, attempt, classify)
		if !retry {
			return zero, err
		}
		if recErr := r.recoverIfNeeded(ctx, err); recErr != nil {
			return zero, recErr
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *RecoverableManagement) Close(ctx context.Context) error {
	return r.link.sender.Close(ctx)
}
