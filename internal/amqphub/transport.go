// Package amqphub is the connection and link lifecycle engine. It owns
// exactly one AMQP transport per connection scope, the CBS refresh actor,
// and the producer/consumer/management links built on top, plus the
// retry/recovery loops that wrap every operation.
//
// The concrete github.com/Azure/go-amqp Conn/Session/Sender/Receiver types
// are only touched in transport.go and ws_dial.go: everything else is
// written against the AMQPClient/AMQPSession/AMQPSender/AMQPReceiver
// interfaces below (using go-amqp's plain value types such as Message and
// the option structs), so tests can swap in amqptest fakes without a live
// broker.
package amqphub

import (
	"context"

	amqp "github.com/Azure/go-amqp"
)

// AMQPClient is the subset of *amqp.Conn this package depends on.
type AMQPClient interface {
	NewSession(ctx context.Context, opts *amqp.SessionOptions) (AMQPSession, error)
	Close() error
}

// AMQPSession is the subset of *amqp.Session this package depends on.
type AMQPSession interface {
	NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (AMQPSender, error)
	NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (AMQPReceiver, error)
	Close(ctx context.Context) error
}

// AMQPSender is the subset of *amqp.Sender this package depends on.
type AMQPSender interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
	MaxMessageSize() uint64
	Close(ctx context.Context) error
}

// AMQPReceiver is the subset of *amqp.Receiver this package depends on.
type AMQPReceiver interface {
	Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error)
	IssueCredit(credit uint32) error
	AcceptMessage(ctx context.Context, msg *amqp.Message) error
	Close(ctx context.Context) error
}

// Dialer opens a new AMQPClient to addr. When Options.Dialer is nil, Open
// uses DialAMQP, or DialAMQPOverWebSocket when Options.UseWebSocket is set;
// tests substitute a fake.
type Dialer func(ctx context.Context, addr string, opts *amqp.ConnOptions) (AMQPClient, error)

// DialAMQP is the production Dialer for amqp(s):// addresses: a plain
// TCP+TLS connection. DialAMQPOverWebSocket in ws_dial.go covers the
// wss:// tunnel.
func DialAMQP(ctx context.Context, addr string, opts *amqp.ConnOptions) (AMQPClient, error) {
	conn, err := amqp.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return &connAdapter{conn: conn}, nil
}

type connAdapter struct {
	conn *amqp.Conn
}

func (c *connAdapter) NewSession(ctx context.Context, opts *amqp.SessionOptions) (AMQPSession, error) {
	s, err := c.conn.NewSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sessionAdapter{session: s}, nil
}

func (c *connAdapter) Close() error { return c.conn.Close() }

type sessionAdapter struct {
	session *amqp.Session
}

func (s *sessionAdapter) NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (AMQPSender, error) {
	snd, err := s.session.NewSender(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	return &senderAdapter{sender: snd}, nil
}

func (s *sessionAdapter) NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (AMQPReceiver, error) {
	rcv, err := s.session.NewReceiver(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	return &receiverAdapter{receiver: rcv}, nil
}

func (s *sessionAdapter) Close(ctx context.Context) error { return s.session.Close(ctx) }

type senderAdapter struct {
	sender *amqp.Sender
}

func (s *senderAdapter) Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error {
	return s.sender.Send(ctx, msg, opts)
}
func (s *senderAdapter) MaxMessageSize() uint64          { return s.sender.MaxMessageSize() }
func (s *senderAdapter) Close(ctx context.Context) error { return s.sender.Close(ctx) }

type receiverAdapter struct {
	receiver *amqp.Receiver
}

func (r *receiverAdapter) Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error) {
	return r.receiver.Receive(ctx, opts)
}
func (r *receiverAdapter) IssueCredit(credit uint32) error { return r.receiver.IssueCredit(credit) }
func (r *receiverAdapter) AcceptMessage(ctx context.Context, msg *amqp.Message) error {
	return r.receiver.AcceptMessage(ctx, msg)
}
func (r *receiverAdapter) Close(ctx context.Context) error { return r.receiver.Close(ctx) }
