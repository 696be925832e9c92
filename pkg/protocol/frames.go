package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is bumped whenever the gateway wire format changes.
const ProtocolVersion = 1

// Frame types spoken over the gateway websocket.
const (
	FrameHello              = "hello"
	FrameSubscribe          = "subscribe"
	FrameUnsubscribe        = "unsubscribe"
	FrameEvent              = "event"
	FramePermissionResponse = "permission_response"
	FrameError              = "error"
)

// Frame is the envelope for every gateway message, both directions.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	TS      int64           `json:"ts,omitempty"`
}

// NewEventFrame wraps a bus event for delivery to a gateway client.
func NewEventFrame(topic, event string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:    FrameEvent,
		Topic:   topic,
		Event:   event,
		Payload: raw,
		TS:      time.Now().UnixMilli(),
	}, nil
}

// Actions a user can take on a permission request.
const (
	ActionAllowOnce   = "allow_once"
	ActionAllowAlways = "allow_always"
	ActionDeny        = "deny"
)

// PermissionResponse is the payload of a permission_response frame.
type PermissionResponse struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Action    string `json:"action"` // allow_once, allow_always or deny
}
