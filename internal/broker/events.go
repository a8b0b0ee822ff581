package broker

import (
	"encoding/json"
	"fmt"

	"github.com/MrSnakeDoc/ally-relay/internal/domain"
)

// Event names on the persistent connection.
const (
	EventAllyConnect     = "ally:connect"     // desktop -> broker
	EventWebConnect      = "web:connect"      // viewer -> broker
	EventCommandSend     = "command:send"     // viewer -> broker
	EventCommandReceive  = "command:receive"  // broker -> desktop
	EventResponseSend    = "response:send"    // desktop -> broker
	EventResponseReceive = "response:receive" // broker -> viewers
	EventAllyStatus      = "ally:status"      // either direction
	EventAllyInstances   = "ally:instances"   // broker -> joining viewer
	EventError           = "error"            // broker -> offending connection
)

// Envelope is one WebSocket text frame: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type allyConnectPayload struct {
	Token string `json:"token"`
}

type webConnectPayload struct {
	ClientID string `json:"clientId"`
}

type commandSendPayload struct {
	Token   string          `json:"token"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

type commandReceivePayload struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

type responseSendPayload struct {
	Response json.RawMessage `json:"response"`
	Type     string          `json:"type"`
}

type responseReceivePayload struct {
	Token    string          `json:"token"`
	Response json.RawMessage `json:"response"`
	Type     string          `json:"type"`
}

type statusPushPayload struct {
	Token string `json:"token"`
	domain.Patch
}

type errorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", event, err)
	}
	return frame, nil
}

func decode(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s requires a data object", domain.ErrInvalidInput, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: malformed %s payload", domain.ErrInvalidInput, env.Event)
	}
	return nil
}
