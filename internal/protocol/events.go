// Package protocol defines the named events exchanged with the chat gateway
// and their JSON payloads. Every frame is an envelope carrying the event name
// and its payload:
//
//	{"event": "join_chat", "data": "c1"}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bloodbridge/chat-client/internal/chat"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> gateway events.
const (
	EventJoinChat  = "join_chat"
	EventLeaveChat = "leave_chat"
	EventTyping    = "typing"
)

// Gateway -> client events.
const (
	EventNewMessage = "new_message"
	EventUserTyping = "user_typing"
)

// ErrMalformed is wrapped by every decode error caused by a payload that is
// syntactically valid JSON but misses required fields.
var ErrMalformed = errors.New("protocol: malformed payload")

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame of every event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses a raw frame and checks that it names an event.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	return env, nil
}

// Encode builds the frame for event with the given payload. A nil payload
// produces an envelope without data.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", event, err)
		}
		env.Data = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// TypingMsg is the payload of the outbound typing event.
type TypingMsg struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// UserTypingMsg is the payload of the inbound user_typing event.
type UserTypingMsg struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	ChatID   string `json:"chatId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// DecodeNewMessage decodes a new_message payload. The message must carry an
// id, a chat id and a sender id.
func DecodeNewMessage(data []byte) (chat.Message, error) {
	var m chat.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return chat.Message{}, fmt.Errorf("protocol: failed to decode %q payload: %w", EventNewMessage, err)
	}
	switch {
	case m.ID == "":
		return chat.Message{}, fmt.Errorf("%w: %s without id", ErrMalformed, EventNewMessage)
	case m.ChatID == "":
		return chat.Message{}, fmt.Errorf("%w: %s without chat id", ErrMalformed, EventNewMessage)
	case m.Sender.ID == "":
		return chat.Message{}, fmt.Errorf("%w: %s without sender", ErrMalformed, EventNewMessage)
	}
	m.Provisional = false
	return m, nil
}

// DecodeUserTyping decodes a user_typing payload. userId and isTyping are
// required. chatId is optional; gateways that scope typing events to the
// joined room omit it.
func DecodeUserTyping(data []byte) (UserTypingMsg, error) {
	var raw struct {
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
		ChatID   string `json:"chatId"`
		IsTyping *bool  `json:"isTyping"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return UserTypingMsg{}, fmt.Errorf("protocol: failed to decode %q payload: %w", EventUserTyping, err)
	}
	if raw.UserID == "" {
		return UserTypingMsg{}, fmt.Errorf("%w: %s without userId", ErrMalformed, EventUserTyping)
	}
	if raw.IsTyping == nil {
		return UserTypingMsg{}, fmt.Errorf("%w: %s without isTyping", ErrMalformed, EventUserTyping)
	}
	return UserTypingMsg{
		UserID:   raw.UserID,
		UserName: raw.UserName,
		ChatID:   raw.ChatID,
		IsTyping: *raw.IsTyping,
	}, nil
}
