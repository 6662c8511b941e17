package transport

import (
	"context"
	"fmt"
	"log"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/threadrelay/threadrelay/pkg/bus"
	"github.com/threadrelay/threadrelay/pkg/config"
)

// placeholderGlyph stands in for the empty placeholder message; Telegram
// rejects messages with no text.
const placeholderGlyph = "…"

const errorNote = "⚠️ Something went wrong while generating this reply."

// TelegramTransport implements the Telegram transport.
type TelegramTransport struct {
	BaseTransport
	Config  *config.TelegramConfig
	bot     *tgbotapi.BotAPI
	running bool
}

// NewTelegramTransport creates a new TelegramTransport.
func NewTelegramTransport(cfg *config.TelegramConfig, messageBus *bus.MessageBus) *TelegramTransport {
	return &TelegramTransport{
		BaseTransport: BaseTransport{
			Bus:       messageBus,
			AllowFrom: cfg.AllowFrom,
		},
		Config: cfg,
	}
}

func (t *TelegramTransport) Name() string {
	return "telegram"
}

func (t *TelegramTransport) Start() error {
	if !t.Config.Enabled || t.Config.Token == "" {
		return nil
	}

	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.Config.Token)
	if err != nil {
		return fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Printf("Telegram bot authorized on account %s", t.bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.bot.GetUpdatesChan(u)
	t.running = true

	go func() {
		for update := range updates {
			if !t.running {
				break
			}
			if update.Message == nil {
				continue
			}

			t.handleUpdate(update)
		}
	}()

	return nil
}

func (t *TelegramTransport) Disconnect() error {
	t.running = false
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	return nil
}

func (t *TelegramTransport) Send(ctx context.Context, chatID, text string, fromBot bool) (MessageRef, error) {
	if t.bot == nil {
		return MessageRef{}, fmt.Errorf("telegram bot not initialized")
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return MessageRef{}, fmt.Errorf("invalid chat ID: %s", chatID)
	}

	if text == "" {
		text = placeholderGlyph
	}

	sent, err := t.bot.Send(tgbotapi.NewMessage(id, text))
	if err != nil {
		return MessageRef{}, err
	}

	return MessageRef{ChatID: chatID, ID: strconv.Itoa(sent.MessageID)}, nil
}

func (t *TelegramTransport) Edit(ctx context.Context, ref MessageRef, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	if text == "" {
		return nil
	}

	chatID, err := strconv.ParseInt(ref.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %s", ref.ChatID)
	}
	messageID, err := strconv.Atoi(ref.ID)
	if err != nil {
		return fmt.Errorf("invalid message ID: %s", ref.ID)
	}

	_, err = t.bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	return err
}

func (t *TelegramTransport) Indicate(ctx context.Context, ref MessageRef, state IndicatorState) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	switch state {
	case StateThinking:
		chatID, err := strconv.ParseInt(ref.ChatID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat ID: %s", ref.ChatID)
		}
		_, err = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
		return err
	case StateError:
		// Telegram has no error action; surface the failure in the message
		// itself so the placeholder does not sit empty forever.
		return t.Edit(ctx, ref, errorNote)
	default:
		return nil
	}
}

func (t *TelegramTransport) Release(ctx context.Context, chatID string) error {
	return nil
}

func (t *TelegramTransport) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.UserName != "" {
		senderID = fmt.Sprintf("%s|%s", senderID, msg.From.UserName)
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	content := msg.Text

	if msg.Caption != "" {
		content = msg.Caption
	}

	// Handle /start
	if msg.IsCommand() && msg.Command() == "start" {
		reply := tgbotapi.NewMessage(msg.Chat.ID, "👋 Hi! I'm threadrelay.\n\nSend me a message and I'll respond!")
		t.bot.Send(reply)
		return
	}

	metadata := map[string]interface{}{
		"username":   msg.From.UserName,
		"first_name": msg.From.FirstName,
	}

	// Non-text payloads (photos, voice, stickers) arrive with empty content;
	// the session filters those out downstream.
	t.HandleMessage(t.Name(), senderID, chatID, strconv.Itoa(msg.MessageID), content, msg.From.IsBot, metadata)
}
