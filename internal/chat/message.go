// Package chat provides the message model, wire envelopes, and the
// router that fans messages out to live connections.
package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind distinguishes user chat content from synthetic join/leave notices.
type Kind string

// Message kinds carried on the wire.
const (
	KindChat  Kind = "CHAT"
	KindJoin  Kind = "JOIN"
	KindLeave Kind = "LEAVE"
)

// SystemSender is the sender stamped on synthetic join/leave notices.
const SystemSender = "System"

// Message is a single chat history item. Timestamps are stamped by the
// server and serialise as ISO-8601; a client-supplied timestamp is never
// trusted. Messages are immutable after creation.
type Message struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Type      Kind      `json:"type"`
}

// NewChat creates a CHAT message stamped with the given server time.
func NewChat(sender, content string, now time.Time) Message {
	return Message{Sender: sender, Content: content, Timestamp: now, Type: KindChat}
}

// NewJoin creates the synthetic notice announcing a user coming online.
func NewJoin(username string, now time.Time) Message {
	return Message{
		Sender:    SystemSender,
		Content:   fmt.Sprintf("%s joined the chat", username),
		Timestamp: now,
		Type:      KindJoin,
	}
}

// NewLeave creates the synthetic notice announcing a user going offline.
func NewLeave(username string, now time.Time) Message {
	return Message{
		Sender:    SystemSender,
		Content:   fmt.Sprintf("%s left the chat", username),
		Timestamp: now,
		Type:      KindLeave,
	}
}

// Event names for the server frame envelope.
const (
	EventMessage  = "message"
	EventPresence = "presence"
	EventHistory  = "history"
	EventError    = "error"
)

// ServerFrame is the envelope for everything the server pushes to a
// connection. Exactly one payload field is set, selected by Event.
type ServerFrame struct {
	Event    string    `json:"event"`
	Message  *Message  `json:"message,omitempty"`
	Users    []string  `json:"users,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// EncodeMessageFrame marshals a message push frame.
func EncodeMessageFrame(msg Message) ([]byte, error) {
	return json.Marshal(ServerFrame{Event: EventMessage, Message: &msg})
}

// EncodePresenceFrame marshals an online-usernames snapshot frame. An
// empty snapshot serialises as [], never null.
func EncodePresenceFrame(users []string) ([]byte, error) {
	if users == nil {
		users = []string{}
	}
	return json.Marshal(struct {
		Event string   `json:"event"`
		Users []string `json:"users"`
	}{Event: EventPresence, Users: users})
}

// EncodeHistoryFrame marshals a history replay frame. An empty history
// serialises as [], never null.
func EncodeHistoryFrame(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(struct {
		Event    string    `json:"event"`
		Messages []Message `json:"messages"`
	}{Event: EventHistory, Messages: msgs})
}

// EncodeErrorFrame marshals a terminal error frame.
func EncodeErrorFrame(reason string) ([]byte, error) {
	return json.Marshal(ServerFrame{Event: EventError, Error: reason})
}
