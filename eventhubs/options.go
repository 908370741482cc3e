package eventhubs

import (
	"time"

	"github.com/chris-alexander-pop/eventhubs-go/internal/amqphub"
	"github.com/chris-alexander-pop/eventhubs-go/internal/retrypolicy"
)

// TransportType selects how the AMQP connection reaches the namespace.
type TransportType int

const (
	// TransportTypeAMQP dials a plain TCP+TLS connection on 5671.
	TransportTypeAMQP TransportType = iota
	// TransportTypeAMQPWebSockets tunnels AMQP over a WebSocket on 443,
	// for environments that block 5671 outbound.
	TransportTypeAMQPWebSockets
)

// RetryOptions configures the retry/recovery policy every client operation
// runs under. MaxRetries < 0 disables retries entirely; zero keeps the
// default.
type RetryOptions struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	TryTimeout    time.Duration
}

func (o RetryOptions) toPolicy() retrypolicy.Policy {
	p := retrypolicy.DefaultPolicy()
	if o.MaxRetries < 0 {
		p.MaxRetries = 0
	} else if o.MaxRetries > 0 {
		p.MaxRetries = o.MaxRetries
	}
	if o.RetryDelay > 0 {
		p.Delay = o.RetryDelay
	}
	if o.MaxRetryDelay > 0 {
		p.MaxDelay = o.MaxRetryDelay
	}
	if o.TryTimeout > 0 {
		p.BaseTryTimeout = o.TryTimeout
	}
	return p
}

// ClientOptions is shared by ProducerClient and ConsumerClient
// construction.
type ClientOptions struct {
	TransportType TransportType
	RetryOptions  RetryOptions
	ApplicationID string

	// dialer replaces the production transport in tests.
	dialer amqphub.Dialer
}
