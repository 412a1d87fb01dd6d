package absinthews

import (
	"encoding/json"
	"fmt"
)

// Phoenix channel protocol events and topics.
const (
	phxEventJoin  = "phx_join"
	phxEventLeave = "phx_leave"
	phxEventReply = "phx_reply"
	phxEventError = "phx_error"
	phxEventClose = "phx_close"

	phxTopicPhoenix     = "phoenix"
	phxEventHeartbeat   = "heartbeat"
	phxReplyStatusOK    = "ok"
	phxReplyStatusError = "error"
)

// phxMessage is a Phoenix channel frame. Every frame carries the topic it
// belongs to, the event name, an event-specific payload and, for frames that
// expect a reply, a ref echoed back in the matching phx_reply.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

func (msg phxMessage) String() string {
	s, _ := json.Marshal(msg)
	if s != nil {
		return string(s)
	}
	return "<invalid>"
}

// phxReply is the payload of a phx_reply frame.
type phxReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

func newPhxMessage(topic, event string, payload interface{}, ref string) (phxMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return phxMessage{}, fmt.Errorf("encoding %q payload: %w", event, err)
	}
	return phxMessage{
		Topic:   topic,
		Event:   event,
		Payload: raw,
		Ref:     ref,
	}, nil
}

func parsePhxReply(payload json.RawMessage) (*phxReply, error) {
	reply := phxReply{}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, fmt.Errorf("malformed phx_reply payload: %w", err)
	}
	return &reply, nil
}
