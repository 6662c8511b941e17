package transport

import (
	"context"
	"strings"
	"time"

	"github.com/threadrelay/threadrelay/pkg/bus"
)

// IndicatorState is the progress state shown alongside a reply in flight.
type IndicatorState string

const (
	StateThinking IndicatorState = "thinking"
	StateDone     IndicatorState = "done"
	StateError    IndicatorState = "error"
)

// MessageRef identifies an outbound message for later edits.
type MessageRef struct {
	ChatID string
	ID     string
}

// Transport is a chat platform connection. Send returns a reference usable
// with Edit so that a streamed reply can be written into a single message
// incrementally. Release frees per-conversation resources when a session is
// disposed; Disconnect tears down the platform connection itself.
type Transport interface {
	Name() string
	Start() error
	Send(ctx context.Context, chatID, text string, fromBot bool) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, text string) error
	Indicate(ctx context.Context, ref MessageRef, state IndicatorState) error
	Release(ctx context.Context, chatID string) error
	Disconnect() error
}

// BaseTransport provides common functionality for transports.
type BaseTransport struct {
	Bus       *bus.MessageBus
	AllowFrom []string
}

// IsAllowed checks if a sender is allowed to use this bot.
func (t *BaseTransport) IsAllowed(senderID string) bool {
	if len(t.AllowFrom) == 0 {
		return true
	}

	for _, allowed := range t.AllowFrom {
		if allowed == senderID {
			return true
		}
		// Handle composite IDs like "id|username"
		if strings.Contains(senderID, "|") {
			for _, part := range strings.Split(senderID, "|") {
				if part == allowed {
					return true
				}
			}
		}
	}
	return false
}

// HandleMessage publishes an incoming platform message onto the bus.
func (t *BaseTransport) HandleMessage(
	transportName string,
	senderID string,
	chatID string,
	messageID string,
	content string,
	fromBot bool,
	metadata map[string]interface{},
) {
	if !t.IsAllowed(senderID) {
		return
	}

	t.Bus.Publish(bus.InboundMessage{
		Channel:   transportName,
		SenderID:  senderID,
		ChatID:    chatID,
		MessageID: messageID,
		Content:   content,
		FromBot:   fromBot,
		Timestamp: time.Now(),
		Metadata:  metadata,
	})
}
