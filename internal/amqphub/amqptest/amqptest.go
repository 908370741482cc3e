// Package amqptest is an in-memory fake of the AMQPClient/AMQPSession/
// AMQPSender/AMQPReceiver interfaces amqphub depends on, so the recovery,
// CBS, and management logic can be exercised without a live broker: a
// mutex-guarded map stands in for server-side state, with no real
// networking.
package amqptest

import (
	"context"
	"sync"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/chris-alexander-pop/eventhubs-go/internal/amqphub"
)

// DefaultMaxMessageSize is what Broker reports as a link's negotiated
// max-message-size unless overridden.
const DefaultMaxMessageSize = 1 << 20

// ManagementResponder answers a $management or $cbs request message with a
// response body, or an error to simulate a rejected call.
type ManagementResponder func(req *amqp.Message) (*amqp.Message, error)

// Broker is the fake server every fake Conn/Session/Sender/Receiver talks
// to. Tests construct one Broker per simulated namespace and inject
// deliveries, inspect sent messages, and schedule failures on it.
type Broker struct {
	mu sync.Mutex

	inbox   map[string][]chan *amqp.Message // address -> waiting receivers
	pending map[string][]*amqp.Message      // address -> buffered deliveries
	sent    map[string][]*amqp.Message      // address -> sent log

	failSend    map[string][]error
	failReceive map[string][]error
	failDial    []error
	failSession []error

	cbsResponder  ManagementResponder
	mgmtResponder ManagementResponder

	maxMessageSize uint64

	dialCount int
	closed    bool
}

// NewBroker builds an empty Broker that accepts any put-token and answers
// $management calls with a not-found-shaped error until a responder is
// set via SetManagementResponder.
func NewBroker() *Broker {
	b := &Broker{
		inbox:          make(map[string][]chan *amqp.Message),
		pending:        make(map[string][]*amqp.Message),
		sent:           make(map[string][]*amqp.Message),
		failSend:       make(map[string][]error),
		failReceive:    make(map[string][]error),
		maxMessageSize: DefaultMaxMessageSize,
	}
	b.cbsResponder = acceptAllCBS
	return b
}

func acceptAllCBS(req *amqp.Message) (*amqp.Message, error) {
	return &amqp.Message{
		Properties:            &amqp.MessageProperties{MessageID: uuid.NewString()},
		ApplicationProperties: map[string]any{"status-code": int32(202)},
	}, nil
}

// SetManagementResponder installs the handler used to answer $management
// requests. Requests for any other address are routed as plain
// producer/consumer traffic.
func (b *Broker) SetManagementResponder(fn ManagementResponder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mgmtResponder = fn
}

// SetCBSResponder overrides the default accept-everything CBS responder,
// for tests that need to simulate an authorization rejection.
func (b *Broker) SetCBSResponder(fn ManagementResponder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cbsResponder = fn
}

// SetMaxMessageSize changes what fake senders report for MaxMessageSize.
func (b *Broker) SetMaxMessageSize(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxMessageSize = n
}

// FailNextDial makes the next n calls to the fake Dialer fail with err.
func (b *Broker) FailNextDial(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.failDial = append(b.failDial, err)
	}
}

// FailNextSession makes the next n calls to Conn.NewSession fail with err.
func (b *Broker) FailNextSession(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.failSession = append(b.failSession, err)
	}
}

// FailNextSend makes the next n sends to address fail with err, simulating
// a transient link/transport failure for recovery tests.
func (b *Broker) FailNextSend(address string, n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.failSend[address] = append(b.failSend[address], err)
	}
}

// FailNextReceive makes the next n receives on address fail with err.
func (b *Broker) FailNextReceive(address string, n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.failReceive[address] = append(b.failReceive[address], err)
	}
}

// Deliver injects msg as the next delivery available to a receiver
// attached to address, simulating an event the broker enqueued.
func (b *Broker) Deliver(address string, msg *amqp.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if waiters := b.inbox[address]; len(waiters) > 0 {
		ch := waiters[0]
		b.inbox[address] = waiters[1:]
		ch <- msg
		return
	}
	b.pending[address] = append(b.pending[address], msg)
}

// Sent returns every message handed to Sender.Send for address, in order.
func (b *Broker) Sent(address string) []*amqp.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*amqp.Message, len(b.sent[address]))
	copy(out, b.sent[address])
	return out
}

// DialCount reports how many times the fake Dialer was invoked, so recovery
// tests can assert a reconnect actually happened.
func (b *Broker) DialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dialCount
}

// Dialer returns an amqphub.Dialer bound to this broker, for assignment to
// amqphub.Options.Dialer in tests that open a real Scope against the fake.
func (b *Broker) Dialer() amqphub.Dialer {
	return func(ctx context.Context, addr string, opts *amqp.ConnOptions) (amqphub.AMQPClient, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dialCount++
		if len(b.failDial) > 0 {
			err := b.failDial[0]
			b.failDial = b.failDial[1:]
			return nil, err
		}
		return &Conn{broker: b}, nil
	}
}

func (b *Broker) takeSendFailure(address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if errs := b.failSend[address]; len(errs) > 0 {
		b.failSend[address] = errs[1:]
		return errs[0]
	}
	return nil
}

func (b *Broker) takeReceiveFailure(address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if errs := b.failReceive[address]; len(errs) > 0 {
		b.failReceive[address] = errs[1:]
		return errs[0]
	}
	return nil
}

func (b *Broker) route(address string, msg *amqp.Message) error {
	if err := b.takeSendFailure(address); err != nil {
		return err
	}

	b.mu.Lock()
	b.sent[address] = append(b.sent[address], msg)
	responder := b.responderFor(address)
	b.mu.Unlock()

	if responder == nil {
		return nil
	}
	resp, err := responder(msg)
	if err != nil {
		return err
	}
	if resp.Properties == nil {
		resp.Properties = &amqp.MessageProperties{}
	}
	b.Deliver(address, resp)
	return nil
}

func (b *Broker) responderFor(address string) ManagementResponder {
	switch address {
	case "$cbs":
		return b.cbsResponder
	case "$management":
		if b.mgmtResponder == nil {
			return func(*amqp.Message) (*amqp.Message, error) {
				return &amqp.Message{ApplicationProperties: map[string]any{"status-code": int32(404)}}, nil
			}
		}
		return b.mgmtResponder
	default:
		return nil
	}
}

func (b *Broker) receive(ctx context.Context, address string) (*amqp.Message, error) {
	if err := b.takeReceiveFailure(address); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if pending := b.pending[address]; len(pending) > 0 {
		msg := pending[0]
		b.pending[address] = pending[1:]
		b.mu.Unlock()
		return msg, nil
	}
	ch := make(chan *amqp.Message, 1)
	b.inbox[address] = append(b.inbox[address], ch)
	b.mu.Unlock()

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Broker) maxSize() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxMessageSize
}

// Conn is the fake AMQPClient.
type Conn struct {
	broker *Broker
	mu     sync.Mutex
	closed bool
}

// NewSession implements amqphub.AMQPClient.
func (c *Conn) NewSession(ctx context.Context, opts *amqp.SessionOptions) (amqphub.AMQPSession, error) {
	c.broker.mu.Lock()
	if len(c.broker.failSession) > 0 {
		err := c.broker.failSession[0]
		c.broker.failSession = c.broker.failSession[1:]
		c.broker.mu.Unlock()
		return nil, err
	}
	c.broker.mu.Unlock()
	return &Session{broker: c.broker}, nil
}

// Close implements amqphub.AMQPClient.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Session is the fake AMQPSession.
type Session struct {
	broker *Broker
	mu     sync.Mutex
	closed bool
}

// NewSender implements amqphub.AMQPSession.
func (s *Session) NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (amqphub.AMQPSender, error) {
	return &Sender{broker: s.broker, address: target}, nil
}

// NewReceiver implements amqphub.AMQPSession.
func (s *Session) NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (amqphub.AMQPReceiver, error) {
	return &Receiver{broker: s.broker, address: source}, nil
}

// Close implements amqphub.AMQPSession.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Sender is the fake AMQPSender.
type Sender struct {
	broker  *Broker
	address string
	mu      sync.Mutex
	closed  bool
}

// Send implements amqphub.AMQPSender.
func (s *Sender) Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error {
	return s.broker.route(s.address, msg)
}

// MaxMessageSize implements amqphub.AMQPSender.
func (s *Sender) MaxMessageSize() uint64 {
	return s.broker.maxSize()
}

// Close implements amqphub.AMQPSender.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Receiver is the fake AMQPReceiver.
type Receiver struct {
	broker  *Broker
	address string

	mu      sync.Mutex
	closed  bool
	credit  uint32
	accepts int
}

// Receive implements amqphub.AMQPReceiver.
func (r *Receiver) Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error) {
	return r.broker.receive(ctx, r.address)
}

// IssueCredit implements amqphub.AMQPReceiver.
func (r *Receiver) IssueCredit(credit uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credit += credit
	return nil
}

// AcceptMessage implements amqphub.AMQPReceiver.
func (r *Receiver) AcceptMessage(ctx context.Context, msg *amqp.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepts++
	return nil
}

// Close implements amqphub.AMQPReceiver.
func (r *Receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Accepts reports how many deliveries this receiver has accepted.
func (r *Receiver) Accepts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepts
}

// NewEventMessage builds a minimal AMQP message annotated the way a real
// Event Hubs broker would, for tests driving ConsumerLink.Receive.
func NewEventMessage(body []byte, offset, sequenceNumber int64, enqueuedTime time.Time) *amqp.Message {
	return &amqp.Message{
		Data: [][]byte{body},
		Annotations: amqp.Annotations{
			amqp.Symbol("x-opt-offset"):          offset,
			amqp.Symbol("x-opt-sequence-number"): sequenceNumber,
			amqp.Symbol("x-opt-enqueued-time"):   enqueuedTime,
		},
		Properties: &amqp.MessageProperties{MessageID: uuid.NewString()},
	}
}
