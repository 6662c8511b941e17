package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkdispatcher "github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/threadrelay/threadrelay/pkg/bus"
	"github.com/threadrelay/threadrelay/pkg/config"
)

const feishuElementID = "markdown_1"

// FeishuTransport implements the Feishu transport. Streamed replies use
// cardkit cards in streaming mode: the card sent by Send is the placeholder
// and Edit rewrites its markdown element with a sequenced update.
type FeishuTransport struct {
	BaseTransport
	Config   *config.FeishuConfig
	client   *lark.Client
	wsClient *larkws.Client

	seqMu     sync.Mutex
	sequences map[string]int
}

// NewFeishuTransport creates a new FeishuTransport.
func NewFeishuTransport(cfg *config.FeishuConfig, messageBus *bus.MessageBus) *FeishuTransport {
	return &FeishuTransport{
		BaseTransport: BaseTransport{
			Bus:       messageBus,
			AllowFrom: cfg.AllowFrom,
		},
		Config:    cfg,
		sequences: make(map[string]int),
	}
}

func (t *FeishuTransport) Name() string {
	return "feishu"
}

func (t *FeishuTransport) Start() error {
	if !t.Config.Enabled || t.Config.AppID == "" || t.Config.AppSecret == "" {
		return nil
	}

	// API Client (for sending messages)
	t.client = lark.NewClient(t.Config.AppID, t.Config.AppSecret)

	// WebSocket Client (for receiving messages)
	handler := larkdispatcher.NewEventDispatcher(t.Config.VerificationToken, t.Config.EncryptKey).
		OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
			content := *event.Event.Message.Content

			var textContent string
			var msgContent struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(content), &msgContent); err == nil && msgContent.Text != "" {
				textContent = msgContent.Text
			}
			// Non-text payloads publish with empty content; the session
			// filters those out downstream.

			chatID := *event.Event.Message.ChatId
			senderID := *event.Event.Sender.SenderId.OpenId
			messageID := *event.Event.Message.MessageId
			fromBot := event.Event.Sender.SenderType != nil && *event.Event.Sender.SenderType == "app"

			t.HandleMessage(t.Name(), senderID, chatID, messageID, textContent, fromBot, nil)
			return nil
		})

	t.wsClient = larkws.NewClient(
		t.Config.AppID,
		t.Config.AppSecret,
		larkws.WithEventHandler(handler),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	)

	go func() {
		log.Println("Starting Feishu WebSocket client...")
		if err := t.wsClient.Start(context.Background()); err != nil {
			log.Printf("Feishu WebSocket error: %v", err)
		}
	}()

	log.Println("Feishu bot started")
	return nil
}

func (t *FeishuTransport) Disconnect() error {
	// The websocket client stops with the process; the SDK exposes no
	// standalone close.
	return nil
}

func (t *FeishuTransport) Release(ctx context.Context, chatID string) error {
	return nil
}

func (t *FeishuTransport) receiveIDType(chatID string) string {
	if len(chatID) > 3 && chatID[:3] == "oc_" {
		return larkim.ReceiveIdTypeChatId
	}
	return larkim.ReceiveIdTypeOpenId
}

func (t *FeishuTransport) Send(ctx context.Context, chatID, text string, fromBot bool) (MessageRef, error) {
	if t.client == nil {
		return MessageRef{}, fmt.Errorf("feishu client not initialized")
	}

	if text == "" {
		return t.sendStreamingCard(ctx, chatID)
	}

	cardContent := map[string]interface{}{
		"config": map[string]interface{}{
			"wide_screen_mode": true,
		},
		"elements": []interface{}{
			map[string]interface{}{
				"tag": "div",
				"text": map[string]interface{}{
					"tag":     "lark_md",
					"content": text,
				},
			},
		},
	}
	contentJSON, _ := json.Marshal(cardContent)

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(t.receiveIDType(chatID)).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(larkim.MsgTypeInteractive).
			Content(string(contentJSON)).
			Build()).
		Build()

	resp, err := t.client.Im.Message.Create(ctx, req)
	if err != nil {
		return MessageRef{}, err
	}
	if !resp.Success() {
		return MessageRef{}, fmt.Errorf("feishu error: %d %s", resp.Code, resp.Msg)
	}

	msgID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		msgID = *resp.Data.MessageId
	}
	return MessageRef{ChatID: chatID, ID: msgID}, nil
}

// sendStreamingCard creates a cardkit card entity in streaming mode and
// sends it into the chat. The returned ref carries the card id; edits go
// through the cardkit element-content endpoint.
func (t *FeishuTransport) sendStreamingCard(ctx context.Context, chatID string) (MessageRef, error) {
	cardData := map[string]interface{}{
		"schema": "2.0",
		"config": map[string]interface{}{
			"streaming_mode": true,
			"update_multi":   true,
			"summary": map[string]interface{}{
				"content": "[Generating...]",
			},
			"streaming_config": map[string]interface{}{
				"print_strategy": "fast",
			},
		},
		"body": map[string]interface{}{
			"elements": []interface{}{
				map[string]interface{}{
					"tag":        "markdown",
					"element_id": feishuElementID,
					"content":    placeholderGlyph,
				},
			},
		},
	}
	cardDataBytes, _ := json.Marshal(cardData)

	createReq := &larkcore.ApiReq{
		HttpMethod: "POST",
		ApiPath:    "https://open.feishu.cn/open-apis/cardkit/v1/cards",
		Body: map[string]interface{}{
			"type": "card_json",
			"data": string(cardDataBytes),
		},
		SupportedAccessTokenTypes: []larkcore.AccessTokenType{larkcore.AccessTokenTypeTenant},
	}

	resp, err := t.client.Do(ctx, createReq)
	if err != nil {
		return MessageRef{}, fmt.Errorf("failed to create card entity: %w", err)
	}

	var createCardResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			CardID string `json:"card_id"`
		} `json:"data"`
	}
	if resp.RawBody == nil {
		return MessageRef{}, fmt.Errorf("create card response body is empty")
	}
	if err := json.Unmarshal(resp.RawBody, &createCardResp); err != nil {
		return MessageRef{}, fmt.Errorf("failed to parse create card response: %w", err)
	}
	if createCardResp.Code != 0 {
		return MessageRef{}, fmt.Errorf("create card failed: %d %s", createCardResp.Code, createCardResp.Msg)
	}
	cardID := createCardResp.Data.CardID

	msgContent := map[string]interface{}{
		"type": "card",
		"data": map[string]interface{}{
			"card_id": cardID,
		},
	}
	msgContentBytes, _ := json.Marshal(msgContent)

	msgReq := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(t.receiveIDType(chatID)).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(larkim.MsgTypeInteractive).
			Content(string(msgContentBytes)).
			Build()).
		Build()

	msgResp, err := t.client.Im.Message.Create(ctx, msgReq)
	if err != nil {
		return MessageRef{}, fmt.Errorf("failed to send message: %w", err)
	}
	if !msgResp.Success() {
		return MessageRef{}, fmt.Errorf("feishu send message failed: %d %s", msgResp.Code, msgResp.Msg)
	}

	t.seqMu.Lock()
	t.sequences[cardID] = 1
	t.seqMu.Unlock()

	return MessageRef{ChatID: chatID, ID: cardID}, nil
}

func (t *FeishuTransport) nextSequence(cardID string) int {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	seq := t.sequences[cardID]
	if seq == 0 {
		seq = 1
	}
	t.sequences[cardID] = seq + 1
	return seq
}

func (t *FeishuTransport) Edit(ctx context.Context, ref MessageRef, text string) error {
	if t.client == nil {
		return fmt.Errorf("feishu client not initialized")
	}

	updateReq := &larkcore.ApiReq{
		HttpMethod: "PUT",
		ApiPath:    fmt.Sprintf("https://open.feishu.cn/open-apis/cardkit/v1/cards/%s/elements/%s/content", ref.ID, feishuElementID),
		Body: map[string]interface{}{
			"content":  text,
			"sequence": t.nextSequence(ref.ID),
		},
		SupportedAccessTokenTypes: []larkcore.AccessTokenType{larkcore.AccessTokenTypeTenant},
	}

	resp, err := t.client.Do(ctx, updateReq)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("feishu card update failed with status %d", resp.StatusCode)
	}
	return nil
}

func (t *FeishuTransport) Indicate(ctx context.Context, ref MessageRef, state IndicatorState) error {
	switch state {
	case StateError:
		if err := t.Edit(ctx, ref, errorNote); err != nil {
			return err
		}
		return t.closeStreaming(ctx, ref.ID)
	case StateDone:
		return t.closeStreaming(ctx, ref.ID)
	default:
		// The streaming card already animates while content arrives.
		return nil
	}
}

func (t *FeishuTransport) closeStreaming(ctx context.Context, cardID string) error {
	closeReq := &larkcore.ApiReq{
		HttpMethod: "PATCH",
		ApiPath:    fmt.Sprintf("https://open.feishu.cn/open-apis/cardkit/v1/cards/%s/settings", cardID),
		Body: map[string]interface{}{
			"config": map[string]interface{}{
				"streaming_mode": false,
			},
		},
		SupportedAccessTokenTypes: []larkcore.AccessTokenType{larkcore.AccessTokenTypeTenant},
	}
	_, err := t.client.Do(ctx, closeReq)

	t.seqMu.Lock()
	delete(t.sequences, cardID)
	t.seqMu.Unlock()

	return err
}
