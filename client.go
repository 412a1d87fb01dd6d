package absinthews

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// ClientConfig stores the configuration of an Absinthe websocket client.
type ClientConfig struct {
	// URL is the Phoenix socket endpoint, e.g.
	// "ws://host/socket/websocket".
	URL string

	// Header is sent with the websocket handshake request.
	Header http.Header

	// ControlTopic overrides the Absinthe control topic. Defaults to
	// DefaultControlTopic.
	ControlTopic string

	// Send delivers outbound client-protocol messages (data, error,
	// connection_ack).
	Send SendFunc

	// OnPushError is the Translator's hook for failed subscribe pushes.
	OnPushError func(operationID string, ack SubscribeAck)

	// SocketEvents are the connection lifecycle hooks, propagated to the
	// underlying socket.
	SocketEvents SocketEventHandlers

	PushTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// Client wires a Socket, the joined control topic and a Translator together
// so a GraphQL-subscription-protocol client can talk to an Absinthe server.
// The client owns no protocol logic of its own; it is composition only.
type Client struct {
	config     ClientConfig
	socket     *Socket
	channel    *Channel
	translator *Translator
	logger     *log.Entry
}

// NewClient creates a client for the given endpoint. Nothing is connected
// until Connect is called.
func NewClient(config ClientConfig) *Client {
	if config.ControlTopic == "" {
		config.ControlTopic = DefaultControlTopic
	}

	socket := NewSocket(SocketConfig{
		URL:               config.URL,
		Header:            config.Header,
		PushTimeout:       config.PushTimeout,
		HeartbeatInterval: config.HeartbeatInterval,
		EventHandlers:     config.SocketEvents,
	})
	channel := socket.Channel(config.ControlTopic)
	translator := NewTranslator(TranslatorConfig{
		Channel:     NewControlChannel(channel),
		Send:        config.Send,
		OnPushError: config.OnPushError,
	})

	return &Client{
		config:     config,
		socket:     socket,
		channel:    channel,
		translator: translator,
		logger:     NewLogger("client"),
	}
}

// Connect dials the socket and joins the control topic. After a reconnect the
// caller replays its subscriptions by handling a connection_init message.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.socket.Connect(ctx); err != nil {
		return err
	}
	if err := c.channel.Join(ctx); err != nil {
		c.socket.Close()
		return err
	}
	return nil
}

// HandleMessage feeds one raw client-protocol message to the translator.
func (c *Client) HandleMessage(raw []byte) error {
	return c.translator.HandleMessage(raw)
}

// Translator returns the protocol translator, mainly for inspection.
func (c *Client) Translator() *Translator {
	return c.translator
}

// State returns the readiness state of the underlying socket.
func (c *Client) State() SocketState {
	return c.socket.State()
}

// Close clears the translator's records and shuts the socket down. No
// unsubscribe pushes are issued; the socket teardown releases the
// server-side subscriptions.
func (c *Client) Close() {
	c.translator.Close()
	c.socket.Close()
}
