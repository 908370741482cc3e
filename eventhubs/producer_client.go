package eventhubs

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chris-alexander-pop/eventhubs-go/internal/amqphub"
	"github.com/chris-alexander-pop/eventhubs-go/internal/retrypolicy"
	"github.com/chris-alexander-pop/eventhubs-go/pkg/apperr"
)

// defaultSASLifetime is how far out a pre-minted SharedAccessSignature found
// in a connection string is assumed to still be valid when the caller
// doesn't say otherwise; it only drives when the CBS task schedules its
// first refresh attempt, not the token's real expiry.
const defaultSASLifetime = 4 * time.Hour

// ProducerClient sends events to an Event Hub, either letting the broker
// route each batch round-robin across partitions or targeting one
// explicitly.
type ProducerClient struct {
	namespace string
	eventHub  string
	policy    retrypolicy.Policy
	logger    *slog.Logger

	shared *amqphub.Shared

	mu      sync.Mutex
	senders map[string]*amqphub.RecoverableSender // keyed by partitionID, "" for unpartitioned
	mgmt    *amqphub.RecoverableManagement
}

func fullyQualifiedNamespace(namespace string) string {
	if strings.HasSuffix(namespace, ".servicebus.windows.net") {
		return namespace
	}
	return namespace + ".servicebus.windows.net"
}

// NewProducerClient prepares to send to eventHub in namespace. The
// connection scope is dialed when the first link (sender or management) is
// opened, not here.
func NewProducerClient(namespace, eventHub string, cred TokenCredential, opts *ClientOptions) (*ProducerClient, error) {
	if opts == nil {
		opts = &ClientOptions{}
	}
	fqns := fullyQualifiedNamespace(namespace)

	c := &ProducerClient{
		namespace: fqns,
		eventHub:  eventHub,
		policy:    opts.RetryOptions.toPolicy(),
		logger:    slog.Default().With("event_hub", eventHub),
		senders:   make(map[string]*amqphub.RecoverableSender),
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

// NewProducerClientFromConnectionString parses connStr and opens a producer
// the same way NewProducerClient does. Pass "" for eventHub to use the
// connection string's EntityPath.
func NewProducerClientFromConnectionString(connStr string, eventHub string, opts *ClientOptions) (*ProducerClient, error) {
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
	return NewProducerClient(parsed.FullyQualifiedNamespace, eventHub, cred, opts)
}

func (c *ProducerClient) senderFor(ctx context.Context, partitionID *string) (*amqphub.RecoverableSender, error) {
	key := ""
	if partitionID != nil {
		key = *partitionID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.senders[key]; ok {
		return s, nil
	}

	scope, err := c.shared.Acquire()
	if err != nil {
		return nil, err
	}
	sender, err := amqphub.NewRecoverableSender(ctx, scope, partitionID, c.policy, c.logger)
	if err != nil {
		return nil, err
	}
	c.senders[key] = sender
	return sender, nil
}

// NewEventDataBatch opens a batch sized to the target link's negotiated
// max-message-size. Set PartitionID to pin the batch to one partition, or
// PartitionKey to let the broker hash-route it; never both.
func (c *ProducerClient) NewEventDataBatch(ctx context.Context, opts *EventDataBatchOptions) (*EventDataBatch, error) {
	if opts == nil {
		opts = &EventDataBatchOptions{}
	}
	sender, err := c.senderFor(ctx, opts.PartitionID)
	if err != nil {
		return nil, err
	}
	return newEventDataBatch(sender.MaxMessageSize(), *opts)
}

// SendEventDataBatch sends a previously assembled batch over the link it
// was sized for.
func (c *ProducerClient) SendEventDataBatch(ctx context.Context, batch *EventDataBatch) error {
	if batch.NumEvents() == 0 {
		return apperr.Validation("cannot send an empty batch", nil)
	}
	sender, err := c.senderFor(ctx, batch.partitionID)
	if err != nil {
		return err
	}
	return sender.SendBatch(ctx, batch.encodedEvents(), batch.partitionKey)
}

func (c *ProducerClient) managementLink(ctx context.Context) (*amqphub.RecoverableManagement, error) {
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
func (c *ProducerClient) GetEventHubProperties(ctx context.Context) (EventHubProperties, error) {
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
func (c *ProducerClient) GetPartitionProperties(ctx context.Context, partitionID string) (PartitionProperties, error) {
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

// Close detaches this client's links and releases its holds on the shared
// connection scope, one per link opened, closing the scope once every other
// holder has also released.
func (c *ProducerClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, s := range c.senders {
		_ = s.Close(ctx)
		if err := c.shared.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.senders = make(map[string]*amqphub.RecoverableSender)
	if c.mgmt != nil {
		_ = c.mgmt.Close(ctx)
		c.mgmt = nil
		if err := c.shared.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
