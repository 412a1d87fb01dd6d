package absinthews

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Channel is a topic joined over a Socket. Pushes are addressed to the topic;
// server-pushed frames for the topic are dispatched to handlers registered
// with On.
type Channel struct {
	socket *Socket
	topic  string
	logger *log.Entry

	handlersMutex sync.Mutex
	handlers      map[string][]func(json.RawMessage)

	joinedMutex sync.Mutex
	joined      bool
}

func newChannel(socket *Socket, topic string) *Channel {
	return &Channel{
		socket:   socket,
		topic:    topic,
		logger:   NewLogger("channel/" + topic),
		handlers: make(map[string][]func(json.RawMessage)),
	}
}

// Topic returns the topic this channel is bound to.
func (ch *Channel) Topic() string {
	return ch.topic
}

// Joined reports whether the last join attempt succeeded.
func (ch *Channel) Joined() bool {
	ch.joinedMutex.Lock()
	defer ch.joinedMutex.Unlock()
	return ch.joined
}

// Join pushes phx_join for the topic and waits for the acknowledgment or the
// context. Rejoining after a reconnect goes through Join again; the server
// treats it as a fresh join.
func (ch *Channel) Join(ctx context.Context) error {
	acks := make(chan PushAck, 1)
	err := ch.socket.Push(ch.topic, phxEventJoin, struct{}{}, func(ack PushAck) {
		acks <- ack
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ack := <-acks:
		if ack.Status != AckOK {
			return fmt.Errorf("joining %q: %s ack: %s", ch.topic, ack.Status, string(ack.Response))
		}
	}

	ch.joinedMutex.Lock()
	ch.joined = true
	ch.joinedMutex.Unlock()

	ch.logger.Info("Joined topic")
	return nil
}

// Leave pushes phx_leave for the topic. No acknowledgment is awaited.
func (ch *Channel) Leave() error {
	ch.joinedMutex.Lock()
	ch.joined = false
	ch.joinedMutex.Unlock()

	return ch.socket.Push(ch.topic, phxEventLeave, struct{}{}, nil)
}

// Push sends an event frame on the topic. A non-nil ack fires exactly once
// with the server reply, a timeout or a socket-closed error.
func (ch *Channel) Push(event string, payload interface{}, ack func(PushAck)) error {
	return ch.socket.Push(ch.topic, event, payload, ack)
}

// On registers a handler for server-pushed frames carrying the given event.
// Handlers run on the socket's read loop, sequentially.
func (ch *Channel) On(event string, handler func(json.RawMessage)) {
	ch.handlersMutex.Lock()
	defer ch.handlersMutex.Unlock()
	ch.handlers[event] = append(ch.handlers[event], handler)
}

func (ch *Channel) dispatch(event string, payload json.RawMessage) {
	switch event {
	case phxEventError, phxEventClose:
		ch.joinedMutex.Lock()
		ch.joined = false
		ch.joinedMutex.Unlock()

		ch.logger.WithFields(log.Fields{
			"event": event,
		}).Warn("Channel left by server")
		return
	}

	ch.handlersMutex.Lock()
	handlers := make([]func(json.RawMessage), len(ch.handlers[event]))
	copy(handlers, ch.handlers[event])
	ch.handlersMutex.Unlock()

	if len(handlers) == 0 {
		ch.logger.WithFields(log.Fields{
			"event": event,
		}).Debug("Frame for unhandled event")
		return
	}
	for _, handler := range handlers {
		handler(payload)
	}
}
