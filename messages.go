package absinthews

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// Constants for operation message types
	gqlConnectionInit      = "connection_init"
	gqlConnectionAck       = "connection_ack"
	gqlConnectionKeepAlive = "ka"
	gqlConnectionError     = "connection_error"
	gqlConnectionTerminate = "connection_terminate"
	gqlStart               = "start"
	gqlData                = "data"
	gqlError               = "error"
	gqlComplete            = "complete"
	gqlStop                = "stop"
)

// OperationIDVariable is the reserved variable name injected into every
// subscribe push so the server can correlate the push back to the client
// operation that issued it. Caller-supplied variables must not use this name.
const OperationIDVariable = "__operationId__"

// Message validation errors.
var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingOperationID = errors.New("missing operation id")
	ErrMissingPayload     = errors.New("missing payload")
)

// StartMessagePayload defines the parameters of an operation that a client
// requests to be started.
type StartMessagePayload struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
	OperationName string                 `json:"operationName"`
}

// OperationMessage represents a GraphQL WebSocket message.
type OperationMessage struct {
	ID      string      `json:"id,omitempty"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

func (msg OperationMessage) String() string {
	s, _ := json.Marshal(msg)
	if s != nil {
		return string(s)
	}
	return "<invalid>"
}

func operationMessageForType(messageType string) OperationMessage {
	return OperationMessage{
		Type: messageType,
	}
}

// ClientMessage is the validated form of an inbound client-protocol message.
// Start is set iff Type is "start".
type ClientMessage struct {
	Type  string
	ID    string
	Start *StartMessagePayload
}

// ParseClientMessage validates a raw client-protocol message and returns it in
// tagged form. Messages with an unknown type, a missing operation id or a
// malformed payload are rejected here, before they reach the translator.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	rawPayload := json.RawMessage{}
	msg := OperationMessage{
		Payload: &rawPayload,
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	out := &ClientMessage{
		Type: msg.Type,
		ID:   msg.ID,
	}

	switch msg.Type {
	case gqlConnectionInit, gqlConnectionTerminate:
		return out, nil

	case gqlStart:
		if msg.ID == "" {
			return nil, ErrMissingOperationID
		}
		if len(rawPayload) == 0 {
			return nil, ErrMissingPayload
		}
		data := StartMessagePayload{}
		if err := json.Unmarshal(rawPayload, &data); err != nil {
			return nil, fmt.Errorf("invalid start payload: %w", err)
		}
		if data.Query == "" {
			return nil, errors.New("start payload has no query")
		}
		out.Start = &data
		return out, nil

	case gqlStop:
		if msg.ID == "" {
			return nil, ErrMissingOperationID
		}
		return out, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
}
