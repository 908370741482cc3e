package eventhubs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chris-alexander-pop/eventhubs-go/internal/amqphub"
	"github.com/chris-alexander-pop/eventhubs-go/internal/retrypolicy"
)

// DefaultConsumerGroup is the name every Event Hub's built-in consumer group
// carries.
const DefaultConsumerGroup = "$Default"

// defaultPrefetchCount is the credit window a partition client attaches
// with unless the caller chooses otherwise.
const defaultPrefetchCount = 300

// ConsumerClient reads events from one Event Hub's partitions through a
// named consumer group, handing out a PartitionClient per partition the
// caller asks to read. All partition clients multiplex one connection
// scope.
type ConsumerClient struct {
	namespace     string
	eventHub      string
	consumerGroup string
	policy        retrypolicy.Policy
	logger        *slog.Logger

	shared *amqphub.Shared

	mu   sync.Mutex
	mgmt *amqphub.RecoverableManagement
}

// NewConsumerClient prepares to read eventHub in namespace through
// consumerGroup. The connection scope is dialed when the first link
// (partition client or management) is opened, not here. Pass "" for
// consumerGroup to use DefaultConsumerGroup.
func NewConsumerClient(namespace, eventHub, consumerGroup string, cred TokenCredential, opts *ClientOptions) (*ConsumerClient, error) {
	if opts == nil {
		opts = &ClientOptions{}
	}
	if consumerGroup == "" {
		consumerGroup = DefaultConsumerGroup
	}
	fqns := fullyQualifiedNamespace(namespace)

	c := &ConsumerClient{
		namespace:     fqns,
		eventHub:      eventHub,
		consumerGroup: consumerGroup,
		policy:        opts.RetryOptions.toPolicy(),
		logger:        slog.Default().With("event_hub", eventHub, "consumer_group", consumerGroup),
	}
	c.shared = amqphub.NewShared(func() (*amqphub.Scope, error) {
		return amqphub.Open(context.Background(), amqphub.Options{
			Namespace:     fqns,
			EventHub:      eventHub,
			TokenProvider: cred.provider(),
			UseWebSocket:  opts.TransportType == TransportTypeAMQPWebSockets,
			ContainerID:   opts.ApplicationID,
			Dialer:        opts.dialer,
			Logger:        c.logger,
		})
	})
	return c, nil
}

// NewConsumerClientFromConnectionString parses connStr and opens a consumer
// the same way NewConsumerClient does.
func NewConsumerClientFromConnectionString(connStr, eventHub, consumerGroup string, opts *ClientOptions) (*ConsumerClient, error) {
	parsed, err := parseConnectionString(connStr)
	if err != nil {
		return nil, err
	}
	if eventHub == "" {
		eventHub = parsed.EntityPath
	}

	var cred TokenCredential
	if parsed.SharedAccessSignature != "" {
		cred = NewSASCredential(parsed.SharedAccessSignature, time.Now().Add(defaultSASLifetime))
	} else {
		cred = NewSharedKeyCredential(parsed.SharedAccessKeyName, parsed.SharedAccessKey)
	}
	return NewConsumerClient(parsed.FullyQualifiedNamespace, eventHub, consumerGroup, cred, opts)
}

// PartitionClientOptions configures a single partition subscription.
type PartitionClientOptions struct {
	// StartPosition is where to begin reading if this is a fresh
	// subscription. Once the link has delivered at least one event,
	// recovery resumes from the last delivered position instead.
	StartPosition StartPosition
	// OwnerLevel, if non-nil, attaches with an epoch that preempts any
	// lower-epoch receiver already attached to this partition.
	OwnerLevel *int64
	// Prefetch sets the link's credit window. Zero uses the default of
	// 300; a negative value disables prefetching entirely, so credit is
	// granted per receive call.
	Prefetch int32
	// TrackLastEnqueuedEventProperties asks the broker to stamp each
	// delivery with the partition's current last-enqueued watermark.
	TrackLastEnqueuedEventProperties bool
}

// NewPartitionClient opens a receiver on partitionID through this client's
// consumer group.
func (c *ConsumerClient) NewPartitionClient(ctx context.Context, partitionID string, opts *PartitionClientOptions) (*PartitionClient, error) {
	if opts == nil {
		opts = &PartitionClientOptions{}
	}
	scope, err := c.shared.Acquire()
	if err != nil {
		return nil, err
	}

	prefetch := uint32(defaultPrefetchCount)
	switch {
	case opts.Prefetch < 0:
		prefetch = 0
	case opts.Prefetch > 0:
		prefetch = uint32(opts.Prefetch)
	}

	consumerOpts := amqphub.ConsumerOptions{
		ConsumerGroup: c.consumerGroup,
		PartitionID:   partitionID,
		Position:      opts.StartPosition.inner,
		OwnerLevel:    opts.OwnerLevel,
		TrackLast:     opts.TrackLastEnqueuedEventProperties,
		Prefetch:      prefetch,
	}

	receiver, err := amqphub.NewRecoverableReceiver(ctx, scope, consumerOpts, c.policy, c.logger)
	if err != nil {
		_ = c.shared.Release(ctx)
		return nil, err
	}

	return &PartitionClient{
		partitionID: partitionID,
		client:      c,
		receiver:    receiver,
	}, nil
}

func (c *ConsumerClient) managementLink(ctx context.Context) (*amqphub.RecoverableManagement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mgmt != nil {
		return c.mgmt, nil
	}
	scope, err := c.shared.Acquire()
	if err != nil {
		return nil, err
	}
	mgmt, err := amqphub.NewRecoverableManagement(ctx, scope, c.policy, c.logger)
	if err != nil {
		return nil, err
	}
	c.mgmt = mgmt
	return mgmt, nil
}

// GetEventHubProperties fetches entity-level metadata via the management
// link.
func (c *ConsumerClient) GetEventHubProperties(ctx context.Context) (EventHubProperties, error) {
	mgmt, err := c.managementLink(ctx)
	if err != nil {
		return EventHubProperties{}, err
	}
	props, err := mgmt.GetEventHubProperties(ctx, c.eventHub)
	if err != nil {
		return EventHubProperties{}, err
	}
	return fromInternalEventHubProperties(props), nil
}

// GetPartitionProperties fetches one partition's metadata.
func (c *ConsumerClient) GetPartitionProperties(ctx context.Context, partitionID string) (PartitionProperties, error) {
	mgmt, err := c.managementLink(ctx)
	if err != nil {
		return PartitionProperties{}, err
	}
	props, err := mgmt.GetPartitionProperties(ctx, c.eventHub, partitionID)
	if err != nil {
		return PartitionProperties{}, err
	}
	return fromInternalPartitionProperties(props), nil
}

// Close releases this client's own holds on the shared connection scope.
// Partition clients hold their own references and must be closed
// separately.
func (c *ConsumerClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mgmt == nil {
		return nil
	}
	_ = c.mgmt.Close(ctx)
	c.mgmt = nil
	return c.shared.Release(ctx)
}
