package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadrelay/threadrelay/pkg/bus"
)

func TestIsAllowedEmptyListAllowsEveryone(t *testing.T) {
	base := &BaseTransport{}
	assert.True(t, base.IsAllowed("anyone"))
}

func TestIsAllowedExactMatch(t *testing.T) {
	base := &BaseTransport{AllowFrom: []string{"42", "alice"}}

	assert.True(t, base.IsAllowed("42"))
	assert.True(t, base.IsAllowed("alice"))
	assert.False(t, base.IsAllowed("bob"))
}

func TestIsAllowedCompositeID(t *testing.T) {
	base := &BaseTransport{AllowFrom: []string{"alice"}}

	// Telegram senders arrive as "numericId|username".
	assert.True(t, base.IsAllowed("42|alice"))
	assert.False(t, base.IsAllowed("42|bob"))
}

func TestHandleMessagePublishes(t *testing.T) {
	messageBus := bus.NewMessageBus()
	var got []bus.InboundMessage
	messageBus.SetFallback(func(m bus.InboundMessage) { got = append(got, m) })

	base := &BaseTransport{Bus: messageBus}
	base.HandleMessage("telegram", "42", "chat1", "m1", "hello", false, map[string]interface{}{"lang": "en"})

	require.Len(t, got, 1)
	msg := got[0]
	assert.Equal(t, "telegram", msg.Channel)
	assert.Equal(t, "42", msg.SenderID)
	assert.Equal(t, "chat1", msg.ChatID)
	assert.Equal(t, "m1", msg.MessageID)
	assert.Equal(t, "hello", msg.Content)
	assert.False(t, msg.FromBot)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, "en", msg.Metadata["lang"])
}

func TestHandleMessageDropsDisallowedSender(t *testing.T) {
	messageBus := bus.NewMessageBus()
	var calls int
	messageBus.SetFallback(func(m bus.InboundMessage) { calls++ })

	base := &BaseTransport{Bus: messageBus, AllowFrom: []string{"alice"}}
	base.HandleMessage("telegram", "mallory", "chat1", "m1", "hi", false, nil)

	assert.Zero(t, calls)
}
