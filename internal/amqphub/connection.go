package amqphub

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/Azure/go-amqp"

	"github.com/chris-alexander-pop/eventhubs-go/internal/auth"
)

// Options configures a connection Scope.
type Options struct {
	Namespace     string
	EventHub      string
	TokenProvider auth.Provider
	Dialer        Dialer
	TLSConfig     *tls.Config
	UseWebSocket  bool
	IdleTimeout   time.Duration
	ContainerID   string
	Logger        *slog.Logger
}

func (o Options) address() string {
	scheme := "amqps"
	if o.UseWebSocket {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s", scheme, o.Namespace)
}

func (o Options) resourceURI() string {
	return fmt.Sprintf("amqps://%s/%s", o.Namespace, o.EventHub)
}

// Scope is one AMQP connection plus its CBS refresh task. Connections are
// expensive and link churn is cheap, so every link one top-level client
// opens (a producer client's senders and management link, or a consumer
// client's partition clients and management link) shares one Scope through
// that client's Shared wrapper.
type Scope struct {
	opts Options

	mu      sync.Mutex
	client  AMQPClient
	session AMQPSession
	cbs     *cbsTask
	linkIDs linkIDGenerator
	closed  bool

	logger *slog.Logger
}

// Open dials the namespace, opens one session, and stands up the CBS task
// on the $cbs node.
func Open(ctx context.Context, opts Options) (*Scope, error) {
	if opts.Dialer == nil {
		opts.Dialer = DialAMQP
		if opts.UseWebSocket {
			tlsConfig := opts.TLSConfig
			opts.Dialer = func(ctx context.Context, addr string, connOpts *amqp.ConnOptions) (AMQPClient, error) {
				return DialAMQPOverWebSocket(ctx, addr, tlsConfig, connOpts)
			}
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = time.Minute
	}

	connOpts := &amqp.ConnOptions{
		IdleTimeout: opts.IdleTimeout,
		ContainerID: opts.ContainerID,
		TLSConfig:   opts.TLSConfig,
	}

	client, err := opts.Dialer(ctx, opts.address(), connOpts)
	if err != nil {
		return nil, newTransportError("dialing amqp endpoint", err)
	}

	session, err := client.NewSession(ctx, nil)
	if err != nil {
		_ = client.Close()
		return nil, newTransportError("opening amqp session", err)
	}

	cbsSender, err := session.NewSender(ctx, cbsAddress, nil)
	if err != nil {
		_ = client.Close()
		return nil, newAuthError("opening cbs sender", err)
	}
	cbsReceiver, err := session.NewReceiver(ctx, cbsAddress, nil)
	if err != nil {
		_ = client.Close()
		return nil, newAuthError("opening cbs receiver", err)
	}

	scope := &Scope{
		opts:    opts,
		client:  client,
		session: session,
		cbs:     newCBSTask(cbsSender, cbsReceiver, opts.TokenProvider, opts.Logger),
		logger:  opts.Logger.With("namespace", opts.Namespace, "event_hub", opts.EventHub),
	}
	return scope, nil
}

// requestAuthorization registers a new link identifier with the CBS task
// and blocks until the first put-token call for it succeeds, so the link
// attach that follows is already authorized.
func (s *Scope) requestAuthorization(ctx context.Context, claims []Claim) (uint32, error) {
	linkID := s.linkIDs.nextID()
	if err := s.cbs.register(ctx, linkID, s.opts.resourceURI(), claims); err != nil {
		return 0, err
	}
	return linkID, nil
}

// openManagementLink opens the $management sender/receiver pair.
func (s *Scope) openManagementLink(ctx context.Context) (*managementLink, error) {
	if _, err := s.requestAuthorization(ctx, []Claim{ClaimManage}); err != nil {
		return nil, err
	}

	sender, err := s.session.NewSender(ctx, managementAddress, nil)
	if err != nil {
		return nil, newLinkError("opening management sender", err)
	}
	receiver, err := s.session.NewReceiver(ctx, managementAddress, nil)
	if err != nil {
		return nil, newLinkError("opening management receiver", err)
	}
	return &managementLink{
		sender:      sender,
		receiver:    receiver,
		provider:    s.opts.TokenProvider,
		resourceURI: s.opts.resourceURI(),
	}, nil
}

// openProducerLink opens a sender link targeting either the event hub
// entity path or a specific partition's sub-path.
func (s *Scope) openProducerLink(ctx context.Context, partitionID *string) (*ProducerLink, error) {
	target := s.opts.EventHub
	if partitionID != nil {
		target = fmt.Sprintf("%s/Partitions/%s", s.opts.EventHub, *partitionID)
	}

	linkID, err := s.requestAuthorization(ctx, []Claim{ClaimSend})
	if err != nil {
		return nil, err
	}

	sender, err := s.session.NewSender(ctx, target, nil)
	if err != nil {
		s.cbs.remove(linkID)
		return nil, newLinkError("opening producer link", err)
	}
	return newProducerLink(linkID, partitionID, sender), nil
}

// ConsumerOptions configures a consumer link attach.
type ConsumerOptions struct {
	ConsumerGroup string
	PartitionID   string
	Position      Position
	OwnerLevel    *int64
	TrackLast     bool
	Prefetch      uint32
}

// openConsumerLink opens a receiver link on a partition's consumer-group
// node, with a selector filter derived from the requested position and an
// optional owner-level (epoch) link property for preemption.
func (s *Scope) openConsumerLink(ctx context.Context, opts ConsumerOptions) (*ConsumerLink, error) {
	source := fmt.Sprintf("%s/ConsumerGroups/%s/Partitions/%s", s.opts.EventHub, opts.ConsumerGroup, opts.PartitionID)

	linkID, err := s.requestAuthorization(ctx, []Claim{ClaimListen})
	if err != nil {
		return nil, err
	}

	recvOpts := &amqp.ReceiverOptions{
		Filters: []amqp.LinkFilter{
			amqp.NewSelectorFilter(opts.Position.filterSelector()),
		},
		// Manual credit management: IssueInitialCredit grants the prefetch
		// window right after attach, and the link re-issues per delivery.
		Credit: -1,
	}

	var ownerLevel int64 = -1
	if opts.OwnerLevel != nil {
		ownerLevel = *opts.OwnerLevel
		recvOpts.Properties = map[string]any{ownerLevelFilter: ownerLevel}
	}
	if opts.TrackLast {
		recvOpts.Capabilities = []string{"com.microsoft:enable-receiver-runtime-metric-preview"}
	}

	receiver, err := s.session.NewReceiver(ctx, source, recvOpts)
	if err != nil {
		s.cbs.remove(linkID)
		return nil, newLinkError("opening consumer link", err)
	}

	link := newConsumerLink(linkID, opts.PartitionID, ownerLevel, opts.TrackLast, receiver, opts.Prefetch, opts.Position)
	if err := link.IssueInitialCredit(); err != nil {
		return nil, newLinkError("issuing initial credit", err)
	}
	return link, nil
}

// recover tears down the connection and reopens it in place, used by the
// recoverable wrappers after a connection-level failure. Link owners
// re-attach on the fresh session afterwards.
func (s *Scope) recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return newClosedError("scope is closed", nil)
	}

	s.cbs.stop()
	_ = s.session.Close(ctx)
	_ = s.client.Close()

	fresh, err := Open(ctx, s.opts)
	if err != nil {
		return err
	}
	s.client = fresh.client
	s.session = fresh.session
	s.cbs = fresh.cbs
	return nil
}

// Close tears down the connection and stops the CBS task. Closing twice is
// a no-op.
func (s *Scope) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.cbs.stop()
	sessionErr := s.session.Close(ctx)
	clientErr := s.client.Close()
	if sessionErr != nil {
		return newTransportError("closing amqp session", sessionErr)
	}
	if clientErr != nil {
		return newTransportError("closing amqp connection", clientErr)
	}
	return nil
}
