package bus

import (
	"time"
)

// InboundMessage represents a message received from a chat channel.
// Content may be empty when the platform delivered a non-text payload;
// FromBot marks messages authored by the assistant itself so that they
// are never fed back into a run.
type InboundMessage struct {
	Channel   string                 `json:"channel"`
	SenderID  string                 `json:"sender_id"`
	ChatID    string                 `json:"chat_id"`
	MessageID string                 `json:"message_id"`
	Content   string                 `json:"content"`
	FromBot   bool                   `json:"from_bot"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// SessionKey returns a unique key identifying the conversation this
// message belongs to.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// HandlerError is a per-event handler failure surfaced on the bus error
// channel instead of aborting the owning session.
type HandlerError struct {
	Event InboundMessage
	Err   error
}

func (e HandlerError) Error() string {
	return e.Err.Error()
}

func (e HandlerError) Unwrap() error {
	return e.Err
}
