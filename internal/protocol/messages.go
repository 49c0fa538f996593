// Package protocol defines the live-push wire protocol between the alert
// server and its subscribers. Both sides import this package.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of server message on the WebSocket wire.
type MessageType string

const (
	MsgAlert     MessageType = "alert"
	MsgHeartbeat MessageType = "heartbeat"
	MsgError     MessageType = "error"
)

// Error codes carried in ErrorData.Code.
const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeBadRequest   = "bad_request"
)

// Alert kinds carried in AlertData.Kind.
const (
	AlertKindBroadcast    = "broadcast"
	AlertKindNotification = "notification"
)

// AuthMessage is the first frame a subscriber sends after connecting.
type AuthMessage struct {
	AuthToken string  `json:"auth_token"`
	Threshold float64 `json:"threshold"`
}

// ServerMessage wraps every server → subscriber frame.
type ServerMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// HeartbeatData is the payload of a heartbeat ping.
type HeartbeatData struct {
	Ping bool `json:"ping"`
}

// Pong is the subscriber's answer to a heartbeat.
type Pong struct {
	Pong bool `json:"pong"`
}

// ErrorData is the payload of an error message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Prediction is the wire form of a flare prediction.
type Prediction struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	FlareProbability float64   `json:"flare_probability"`
	Severity         string    `json:"severity"`
	Confidence       float64   `json:"confidence"`
	KpIndex          *float64  `json:"kp_index,omitempty"`
	SolarWindSpeed   *float64  `json:"solar_wind_speed,omitempty"`
}

// AlertData is the payload of an alert message.
type AlertData struct {
	Kind           string     `json:"kind"`
	NotificationID string     `json:"notification_id,omitempty"`
	ConfigID       string     `json:"config_id,omitempty"`
	ConfigName     string     `json:"config_name,omitempty"`
	Prediction     Prediction `json:"prediction"`
}

// NewMessage encodes data into a timestamped server message.
func NewMessage(msgType MessageType, data any, now time.Time) (ServerMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("encode %s data: %w", msgType, err)
	}
	return ServerMessage{Type: msgType, Data: raw, Timestamp: now.UTC()}, nil
}

// Heartbeat returns the heartbeat ping message.
func Heartbeat(now time.Time) ServerMessage {
	return ServerMessage{Type: MsgHeartbeat, Data: json.RawMessage(`{"ping":true}`), Timestamp: now.UTC()}
}

// Decode unmarshals the message data into v.
func (m ServerMessage) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

// IsPong reports whether a raw subscriber frame is a heartbeat answer.
func IsPong(raw []byte) bool {
	var p Pong
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.Pong
}
