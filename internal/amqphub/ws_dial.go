package amqphub

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"

	amqp "github.com/Azure/go-amqp"
	"github.com/coder/websocket"
)

// amqpWebSocketSubProtocol is the AMQP-over-WebSocket binding's negotiated
// sub-protocol.
const amqpWebSocketSubProtocol = "AMQPWSB10"

// DialAMQPOverWebSocket tunnels the AMQP 1.0 connection through a WebSocket,
// used when the connection endpoint's scheme is "wss". It upgrades to a
// WebSocket, wraps the resulting connection as a net.Conn via
// websocket.NetConn, and hands that to amqp.NewConn; it is the WebSocket
// counterpart of DialAMQP, which dials amqps:// addresses with amqp.Dial.
func DialAMQPOverWebSocket(ctx context.Context, addr string, tlsConfig *tls.Config, opts *amqp.ConnOptions) (AMQPClient, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, newTransportError("invalid websocket endpoint", err)
	}
	if u.Scheme != "wss" && u.Scheme != "ws" {
		return nil, newTransportError(fmt.Sprintf("unsupported websocket scheme %q", u.Scheme), nil)
	}

	dialOpts := &websocket.DialOptions{
		HTTPClient:   &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}},
		Subprotocols: []string{amqpWebSocketSubProtocol},
	}

	wsConn, resp, err := websocket.Dial(ctx, u.String(), dialOpts)
	if err != nil {
		return nil, newTransportError("websocket handshake failed", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}

	netConn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)

	conn, err := amqp.NewConn(ctx, netConn, opts)
	if err != nil {
		return nil, newTransportError("amqp negotiation over websocket failed", err)
	}
	return &connAdapter{conn: conn}, nil
}
