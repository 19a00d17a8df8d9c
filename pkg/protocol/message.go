// Package protocol defines the JSON envelopes exchanged on the call and
// monitor WebSocket channels. Audio travels as binary WAV frames and is
// not wrapped.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → server
	TypeEndCall MessageType = "end_call" // Hang up and close the channel
	TypeChat    MessageType = "chat"     // Typed caller message

	// Server → client
	TypeNotice    MessageType = "transcript_notice" // Caller not understood
	TypeText      MessageType = "text"              // Reply fragment
	TypeDone      MessageType = "done"              // Reply complete
	TypeError     MessageType = "error"             // Failure, channel closes after
	TypeCallEnded MessageType = "call_ended"        // Call closed

	// Monitor feed
	TypeCallStarted MessageType = "call_started"
	TypeTurn        MessageType = "turn"

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// =============================================================================
// Client → Server Message Types
// =============================================================================

// ChatData carries a typed caller message.
type ChatData struct {
	Text string `json:"text"`
}

// =============================================================================
// Server → Client Message Types
// =============================================================================

// NoticeData asks the caller to repeat themselves.
type NoticeData struct {
	Text   string `json:"text"`
	Reason string `json:"reason"` // "no_speech", "transcription_failed"
}

// TextData is one fragment of the agent's reply.
type TextData struct {
	Text string `json:"text"`
}

// DoneData closes a reply.
type DoneData struct {
	Reply         string `json:"reply"`
	ShouldEndCall bool   `json:"should_end_call"`
}

// ErrorData describes a failure.
type ErrorData struct {
	Error string `json:"error"`
}

// CallData identifies a call.
type CallData struct {
	CallID       string `json:"call_id"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	CustomerName string `json:"customer_name,omitempty"`
}

// TurnData is a turn appended to a call's history.
type TurnData struct {
	CallID  string `json:"call_id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Stage   string `json:"stage,omitempty"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
