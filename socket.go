package absinthews

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// Maximum size of incoming frames
	defaultReadLimit = 1 << 20

	// Timeout for outgoing frames
	defaultWriteTimeout = 10 * time.Second

	// Defaults matching the Phoenix client
	defaultPushTimeout       = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// SocketState is the readiness state of a Socket.
type SocketState int

const (
	SocketConnecting SocketState = iota
	SocketOpen
	SocketClosing
	SocketClosed
)

func (s SocketState) String() string {
	switch s {
	case SocketConnecting:
		return "connecting"
	case SocketOpen:
		return "open"
	case SocketClosing:
		return "closing"
	case SocketClosed:
		return "closed"
	}
	return "unknown"
}

// AckStatus classifies the acknowledgment of a push.
type AckStatus string

const (
	AckOK      AckStatus = "ok"
	AckError   AckStatus = "error"
	AckTimeout AckStatus = "timeout"
)

// PushAck is the acknowledgment of a push issued through a Socket or Channel.
// Response carries the server reply payload verbatim; for AckTimeout it is
// empty. Error and timeout responses are logged by callers, never parsed.
type PushAck struct {
	Status   AckStatus
	Response json.RawMessage
}

// SocketEventHandlers define the connection lifecycle hooks a Socket exposes
// upward. All hooks are optional.
type SocketEventHandlers struct {
	// Open is called once the websocket connection is established.
	Open func()

	// Close is called whenever the connection is closed, regardless of
	// whether this happens because of an error or a deliberate Close call.
	Close func()

	// Error is called with connection-level errors, verbatim. No automatic
	// retry is performed.
	Error func(error)
}

// SocketConfig defines the configuration parameters of a Phoenix socket.
type SocketConfig struct {
	// URL is the websocket endpoint, e.g. "ws://host/socket/websocket".
	URL string

	// Header is sent with the websocket handshake request.
	Header http.Header

	// PushTimeout bounds how long a push waits for its phx_reply before
	// its acknowledgment fires with AckTimeout. Defaults to 10s.
	PushTimeout time.Duration

	// WriteTimeout bounds each write of an outgoing frame. Defaults to
	// 10s.
	WriteTimeout time.Duration

	// HeartbeatInterval is the period of heartbeat pushes on the phoenix
	// topic. Defaults to 30s.
	HeartbeatInterval time.Duration

	EventHandlers SocketEventHandlers

	ReadLimit int64
}

type pendingPush struct {
	ack   func(PushAck)
	timer *time.Timer
}

// Socket is a Phoenix channel socket over a websocket connection. It owns the
// read and write loops, correlates push acknowledgments by ref, sends
// heartbeats and dispatches topic-addressed frames to joined channels.
type Socket struct {
	id     string
	config SocketConfig
	logger *log.Entry

	ws       *websocket.Conn
	outgoing chan phxMessage

	closeMutex *sync.Mutex
	closed     bool
	state      SocketState

	refMutex sync.Mutex
	nextRef  uint64
	pending  map[string]*pendingPush

	channelsMutex sync.Mutex
	channels      map[string]*Channel

	heartbeatStop chan struct{}
}

// NewSocket creates a Phoenix socket. The socket does not connect until
// Connect is called.
func NewSocket(config SocketConfig) *Socket {
	s := new(Socket)

	if config.PushTimeout == 0 {
		config.PushTimeout = defaultPushTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaultHeartbeatInterval
	}
	if config.ReadLimit == 0 {
		config.ReadLimit = defaultReadLimit
	}

	s.id = uuid.New().String()
	s.config = config
	s.logger = NewLogger("socket/" + s.id)
	s.closeMutex = &sync.Mutex{}
	s.state = SocketClosed
	s.pending = make(map[string]*pendingPush)
	s.channels = make(map[string]*Channel)

	return s
}

// ID returns the unique ID of the socket.
func (s *Socket) ID() string {
	return s.id
}

// State returns the readiness state of the socket.
func (s *Socket) State() SocketState {
	s.closeMutex.Lock()
	defer s.closeMutex.Unlock()
	return s.state
}

// Connect dials the configured endpoint and starts the read, write and
// heartbeat loops. Joined channels are not rejoined automatically; callers
// drive rejoin (and resubscription) explicitly.
func (s *Socket) Connect(ctx context.Context) error {
	s.closeMutex.Lock()
	if s.state == SocketConnecting || s.state == SocketOpen {
		s.closeMutex.Unlock()
		return fmt.Errorf("socket is %s", s.state)
	}
	s.state = SocketConnecting
	s.closeMutex.Unlock()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, s.config.URL, s.config.Header)
	if err != nil {
		s.closeMutex.Lock()
		s.state = SocketClosed
		s.closeMutex.Unlock()
		s.emitError(fmt.Errorf("connecting to %s: %w", s.config.URL, err))
		return err
	}

	ws.SetReadLimit(s.config.ReadLimit)

	s.closeMutex.Lock()
	s.ws = ws
	s.closed = false
	s.state = SocketOpen
	s.outgoing = make(chan phxMessage)
	s.heartbeatStop = make(chan struct{})
	s.closeMutex.Unlock()

	go s.writeLoop(ws, s.outgoing)
	go s.readLoop(ws)
	go s.heartbeatLoop(s.heartbeatStop)

	s.logger.Info("Socket connected")

	if s.config.EventHandlers.Open != nil {
		s.config.EventHandlers.Open()
	}

	return nil
}

// Close shuts the connection down deliberately.
func (s *Socket) Close() {
	s.closeMutex.Lock()
	if s.closed || s.ws == nil {
		s.closeMutex.Unlock()
		return
	}
	s.state = SocketClosing
	ws := s.ws
	s.closeMutex.Unlock()

	// Closing the websocket makes the read loop fail, which runs the
	// common teardown path.
	ws.Close()
}

// Channel returns the channel for the given topic, creating it if needed.
// Frames addressed to the topic are dispatched to the returned channel.
func (s *Socket) Channel(topic string) *Channel {
	s.channelsMutex.Lock()
	defer s.channelsMutex.Unlock()

	if ch, ok := s.channels[topic]; ok {
		return ch
	}
	ch := newChannel(s, topic)
	s.channels[topic] = ch
	return ch
}

// Push sends an event frame on a topic. If ack is non-nil the frame carries a
// ref and ack fires exactly once: with the phx_reply when it arrives, or with
// AckTimeout after PushTimeout, or with AckError if the socket closes first.
func (s *Socket) Push(topic, event string, payload interface{}, ack func(PushAck)) error {
	ref := ""
	if ack != nil {
		ref = s.makeRef()
	}

	msg, err := newPhxMessage(topic, event, payload, ref)
	if err != nil {
		return err
	}

	if ack != nil {
		s.registerPending(ref, ack)
	}

	s.closeMutex.Lock()
	if s.closed || s.state != SocketOpen {
		s.closeMutex.Unlock()
		if ack != nil {
			s.cancelPending(ref)
		}
		return fmt.Errorf("socket is %s", s.State())
	}
	s.outgoing <- msg
	s.closeMutex.Unlock()

	return nil
}

func (s *Socket) makeRef() string {
	s.refMutex.Lock()
	defer s.refMutex.Unlock()
	s.nextRef++
	return strconv.FormatUint(s.nextRef, 10)
}

func (s *Socket) registerPending(ref string, ack func(PushAck)) {
	p := &pendingPush{ack: ack}
	p.timer = time.AfterFunc(s.config.PushTimeout, func() {
		if s.takePending(ref) != nil {
			s.logger.WithFields(log.Fields{
				"ref": ref,
			}).Warn("Push timed out")
			ack(PushAck{Status: AckTimeout})
		}
	})

	s.refMutex.Lock()
	s.pending[ref] = p
	s.refMutex.Unlock()
}

// takePending removes and returns the pending push for a ref, stopping its
// timer. Returns nil if the push was already acknowledged or timed out.
func (s *Socket) takePending(ref string) *pendingPush {
	s.refMutex.Lock()
	p, ok := s.pending[ref]
	if ok {
		delete(s.pending, ref)
	}
	s.refMutex.Unlock()

	if !ok {
		return nil
	}
	p.timer.Stop()
	return p
}

func (s *Socket) cancelPending(ref string) {
	s.takePending(ref)
}

// failPending acknowledges every outstanding push with an error. Runs on
// teardown so no continuation is left waiting forever.
func (s *Socket) failPending() {
	s.refMutex.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingPush)
	s.refMutex.Unlock()

	response, _ := json.Marshal(map[string]string{"reason": "socket closed"})
	for _, p := range pending {
		p.timer.Stop()
		p.ack(PushAck{Status: AckError, Response: response})
	}
}

func (s *Socket) emitError(err error) {
	if s.config.EventHandlers.Error != nil {
		s.config.EventHandlers.Error(err)
	}
}

func (s *Socket) teardown() {
	s.closeMutex.Lock()
	if s.closed {
		s.closeMutex.Unlock()
		return
	}
	s.closed = true
	s.state = SocketClosed
	close(s.outgoing)
	close(s.heartbeatStop)
	s.closeMutex.Unlock()

	s.failPending()

	if s.config.EventHandlers.Close != nil {
		s.config.EventHandlers.Close()
	}

	s.logger.Info("Socket closed")
}

func (s *Socket) writeLoop(ws *websocket.Conn, outgoing chan phxMessage) {
	// Close the websocket connection when leaving the write loop; this
	// ensures the read loop is also terminated and the connection closed
	// cleanly
	defer ws.Close()

	for msg := range outgoing {
		s.logger.WithFields(log.Fields{
			"msg": msg.String(),
		}).Debug("Send frame")

		ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))

		// Send the frame to the server; if this fails, the websocket
		// connection will be corrupt, hence we need to close the write
		// loop and the connection immediately
		if err := ws.WriteJSON(msg); err != nil {
			s.logger.WithFields(log.Fields{
				"err": err,
			}).Warn("Sending frame failed")
			// Close the connection now, not via the deferred Close:
			// the read side may still be healthy, and only a read
			// error runs the teardown that closes this channel.
			ws.Close()
			// Keep draining until teardown closes the channel so
			// senders holding the close mutex are never blocked.
			for range outgoing {
			}
			return
		}
	}
}

func (s *Socket) readLoop(ws *websocket.Conn) {
	// Close the websocket connection when leaving the read loop
	defer ws.Close()

	for {
		msg := phxMessage{}
		err := ws.ReadJSON(&msg)

		// If this causes an error, close the connection and read loop
		// immediately
		if err != nil {
			deliberate := s.State() == SocketClosing
			if !deliberate {
				s.logger.WithFields(log.Fields{
					"reason": err,
				}).Warn("Closing socket")
				s.emitError(err)
			}
			s.teardown()
			return
		}

		s.logger.WithFields(log.Fields{
			"topic": msg.Topic,
			"event": msg.Event,
			"ref":   msg.Ref,
		}).Debug("Received frame")

		switch msg.Event {
		case phxEventReply:
			s.handleReply(msg)

		default:
			s.dispatch(msg)
		}
	}
}

func (s *Socket) handleReply(msg phxMessage) {
	p := s.takePending(msg.Ref)
	if p == nil {
		// Already timed out, or a reply we never asked for
		s.logger.WithFields(log.Fields{
			"ref": msg.Ref,
		}).Debug("Reply without pending push")
		return
	}

	reply, err := parsePhxReply(msg.Payload)
	if err != nil {
		s.logger.WithFields(log.Fields{
			"err": err,
		}).Warn("Discarding malformed reply")
		p.ack(PushAck{Status: AckError, Response: msg.Payload})
		return
	}

	status := AckError
	if reply.Status == phxReplyStatusOK {
		status = AckOK
	}
	p.ack(PushAck{Status: status, Response: reply.Response})
}

func (s *Socket) dispatch(msg phxMessage) {
	s.channelsMutex.Lock()
	ch, ok := s.channels[msg.Topic]
	s.channelsMutex.Unlock()

	if !ok {
		s.logger.WithFields(log.Fields{
			"topic": msg.Topic,
			"event": msg.Event,
		}).Debug("Frame for unknown topic")
		return
	}
	ch.dispatch(msg.Event, msg.Payload)
}

func (s *Socket) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := s.Push(phxTopicPhoenix, phxEventHeartbeat, struct{}{}, func(ack PushAck) {
				if ack.Status != AckOK {
					s.logger.WithFields(log.Fields{
						"status":   ack.Status,
						"response": string(ack.Response),
					}).Warn("Heartbeat not acknowledged")
				}
			})
			if err != nil {
				return
			}
		}
	}
}
