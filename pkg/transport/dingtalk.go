package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	dingtalkim "github.com/alibabacloud-go/dingtalk/im_1_0"
	dingtalkoauth2 "github.com/alibabacloud-go/dingtalk/oauth2_1_0"
	dingtalkrobot "github.com/alibabacloud-go/dingtalk/robot_1_0"
	util "github.com/alibabacloud-go/tea-utils/v2/service"
	"github.com/alibabacloud-go/tea/tea"
	"github.com/google/uuid"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/logger"

	"github.com/threadrelay/threadrelay/pkg/bus"
	"github.com/threadrelay/threadrelay/pkg/config"
)

// DingTalkTransport implements the DingTalk transport. Streamed replies use
// interactive cards: the card created by Send is the placeholder and Edit
// rewrites its content, so a configured card TemplateID is required.
type DingTalkTransport struct {
	BaseTransport
	Config       *config.DingTalkConfig
	streamClient *client.StreamClient
	robotClient  *dingtalkrobot.Client
	imClient     *dingtalkim.Client
	oauthClient  *dingtalkoauth2.Client

	tokenMu       sync.RWMutex
	accessToken   string
	tokenExpireAt time.Time
}

func NewDingTalkTransport(cfg *config.DingTalkConfig, messageBus *bus.MessageBus) *DingTalkTransport {
	return &DingTalkTransport{
		BaseTransport: BaseTransport{
			Bus:       messageBus,
			AllowFrom: cfg.AllowFrom,
		},
		Config: cfg,
	}
}

func (t *DingTalkTransport) Name() string {
	return "dingtalk"
}

func (t *DingTalkTransport) Start() error {
	if !t.Config.Enabled || t.Config.ClientID == "" || t.Config.AppSecret == "" {
		return nil
	}

	apiConfig := &openapi.Config{
		Protocol: tea.String("https"),
		RegionId: tea.String("central"),
	}

	robotClient, err := dingtalkrobot.NewClient(apiConfig)
	if err != nil {
		return fmt.Errorf("failed to init dingtalk robot client: %v", err)
	}
	t.robotClient = robotClient

	imClient, err := dingtalkim.NewClient(apiConfig)
	if err != nil {
		return fmt.Errorf("failed to init dingtalk im client: %v", err)
	}
	t.imClient = imClient

	oauthClient, err := dingtalkoauth2.NewClient(apiConfig)
	if err != nil {
		return fmt.Errorf("failed to init dingtalk oauth client: %v", err)
	}
	t.oauthClient = oauthClient

	logger.SetLogger(logger.NewStdTestLogger())
	t.streamClient = client.NewStreamClient(client.WithAppCredential(client.NewAppCredentialConfig(t.Config.ClientID, t.Config.AppSecret)))
	t.streamClient.RegisterChatBotCallbackRouter(t.onChatReceive)

	go func() {
		log.Println("Starting DingTalk Stream Client...")
		// Start is blocking, so run in goroutine
		if err := t.streamClient.Start(context.Background()); err != nil {
			log.Printf("DingTalk Stream Client error: %v", err)
		}
	}()

	log.Println("DingTalk bot started")
	return nil
}

func (t *DingTalkTransport) Disconnect() error {
	if t.streamClient != nil {
		t.streamClient.Close()
	}
	return nil
}

func (t *DingTalkTransport) Release(ctx context.Context, chatID string) error {
	return nil
}

func (t *DingTalkTransport) getAccessToken() (string, error) {
	t.tokenMu.RLock()
	if t.accessToken != "" && time.Now().Before(t.tokenExpireAt) {
		defer t.tokenMu.RUnlock()
		return t.accessToken, nil
	}
	t.tokenMu.RUnlock()

	t.tokenMu.Lock()
	defer t.tokenMu.Unlock()

	// Double check
	if t.accessToken != "" && time.Now().Before(t.tokenExpireAt) {
		return t.accessToken, nil
	}

	req := &dingtalkoauth2.GetAccessTokenRequest{
		AppKey:    tea.String(t.Config.ClientID),
		AppSecret: tea.String(t.Config.AppSecret),
	}
	resp, err := t.oauthClient.GetAccessToken(req)
	if err != nil {
		return "", err
	}

	if resp.Body == nil || resp.Body.AccessToken == nil {
		return "", fmt.Errorf("failed to get access token, response body is empty")
	}

	t.accessToken = *resp.Body.AccessToken
	// ExpireIn is seconds. Buffer it by 60s
	expireIn := *resp.Body.ExpireIn
	t.tokenExpireAt = time.Now().Add(time.Duration(expireIn-60) * time.Second)

	return t.accessToken, nil
}

func (t *DingTalkTransport) onChatReceive(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	content := strings.TrimSpace(data.Text.Content)

	senderStaffId := data.SenderStaffId
	if senderStaffId == "" {
		senderStaffId = data.SenderId
	}

	if senderStaffId == "" {
		log.Printf("[DingTalk] Message missing senderStaffId/senderId")
		return nil, nil
	}

	// conversationType: "1" for single chat, "2" for group chat
	targetId := senderStaffId
	if data.ConversationType == "2" && data.ConversationId != "" {
		targetId = data.ConversationId
	}

	t.HandleMessage(t.Name(), senderStaffId, targetId, data.MsgId, content, false, map[string]interface{}{
		"sender_name": data.SenderNick,
	})

	return nil, nil
}

func (t *DingTalkTransport) Send(ctx context.Context, chatID, text string, fromBot bool) (MessageRef, error) {
	token, err := t.getAccessToken()
	if err != nil {
		return MessageRef{}, fmt.Errorf("failed to get access token: %v", err)
	}

	isGroup := strings.HasPrefix(chatID, "cid")

	// Empty text means a placeholder that will be edited as the reply
	// streams in; that needs an interactive card.
	if text == "" {
		if t.Config.TemplateID == "" {
			return MessageRef{}, fmt.Errorf("dingtalk streaming requires templateId to be configured")
		}
		outTrackId := uuid.New().String()
		if err := t.createInteractiveCard(token, outTrackId, chatID, isGroup, placeholderGlyph); err != nil {
			return MessageRef{}, fmt.Errorf("failed to create interactive card: %v", err)
		}
		return MessageRef{ChatID: chatID, ID: outTrackId}, nil
	}

	// Plain one-shot text message.
	if isGroup {
		if err := t.sendGroup(token, chatID, text); err != nil {
			return MessageRef{}, fmt.Errorf("failed to send dingtalk group message: %v", err)
		}
	} else {
		if err := t.sendOTO(token, chatID, text); err != nil {
			return MessageRef{}, fmt.Errorf("failed to send dingtalk message (OTO): %v", err)
		}
	}
	return MessageRef{ChatID: chatID, ID: uuid.New().String()}, nil
}

func (t *DingTalkTransport) Edit(ctx context.Context, ref MessageRef, text string) error {
	token, err := t.getAccessToken()
	if err != nil {
		return fmt.Errorf("failed to get access token: %v", err)
	}
	return t.updateInteractiveCard(token, ref.ID, text)
}

func (t *DingTalkTransport) Indicate(ctx context.Context, ref MessageRef, state IndicatorState) error {
	switch state {
	case StateError:
		return t.Edit(ctx, ref, errorNote)
	default:
		// The placeholder card already reads as "in progress".
		return nil
	}
}

type dingTalkSampleTextParam struct {
	Content string `json:"content"`
}

func (t *DingTalkTransport) createInteractiveCard(token, outTrackId, targetId string, isGroup bool, content string) error {
	headers := &dingtalkim.SendInteractiveCardHeaders{
		XAcsDingtalkAccessToken: tea.String(token),
	}

	req := &dingtalkim.SendInteractiveCardRequest{
		OutTrackId:     tea.String(outTrackId),
		CardTemplateId: tea.String(t.Config.TemplateID),
		CardData: &dingtalkim.SendInteractiveCardRequestCardData{
			CardParamMap: map[string]*string{
				"content":  tea.String(content),
				"text":     tea.String(content),
				"markdown": tea.String(content),
			},
		},
		RobotCode: tea.String(t.Config.RobotCode),
	}

	if isGroup {
		req.ConversationType = tea.Int32(1)
		req.OpenConversationId = tea.String(targetId)
	} else {
		req.ConversationType = tea.Int32(0)
		req.ReceiverUserIdList = []*string{tea.String(targetId)}
	}

	_, err := t.imClient.SendInteractiveCardWithOptions(req, headers, &util.RuntimeOptions{})
	return err
}

func (t *DingTalkTransport) updateInteractiveCard(token, outTrackId, content string) error {
	headers := &dingtalkim.UpdateInteractiveCardHeaders{
		XAcsDingtalkAccessToken: tea.String(token),
	}

	req := &dingtalkim.UpdateInteractiveCardRequest{
		OutTrackId: tea.String(outTrackId),
		CardData: &dingtalkim.UpdateInteractiveCardRequestCardData{
			CardParamMap: map[string]*string{
				"content": tea.String(content),
			},
		},
		CardOptions: &dingtalkim.UpdateInteractiveCardRequestCardOptions{
			UpdateCardDataByKey: tea.Bool(false),
		},
	}

	_, err := t.imClient.UpdateInteractiveCardWithOptions(req, headers, &util.RuntimeOptions{})
	return err
}

func (t *DingTalkTransport) sendOTO(token, userID, content string) error {
	headers := &dingtalkrobot.BatchSendOTOHeaders{
		XAcsDingtalkAccessToken: tea.String(token),
	}

	param := dingTalkSampleTextParam{Content: content}
	msgParamBytes, _ := json.Marshal(param)

	req := &dingtalkrobot.BatchSendOTORequest{
		RobotCode: tea.String(t.Config.RobotCode),
		UserIds:   []*string{tea.String(userID)},
		MsgKey:    tea.String("sampleText"),
		MsgParam:  tea.String(string(msgParamBytes)),
	}

	_, err := t.robotClient.BatchSendOTOWithOptions(req, headers, &util.RuntimeOptions{})
	return err
}

func (t *DingTalkTransport) sendGroup(token, conversationID, content string) error {
	headers := &dingtalkrobot.OrgGroupSendHeaders{
		XAcsDingtalkAccessToken: tea.String(token),
	}

	param := dingTalkSampleTextParam{Content: content}
	msgParamBytes, _ := json.Marshal(param)

	req := &dingtalkrobot.OrgGroupSendRequest{
		RobotCode:          tea.String(t.Config.RobotCode),
		OpenConversationId: tea.String(conversationID),
		MsgKey:             tea.String("sampleText"),
		MsgParam:           tea.String(string(msgParamBytes)),
	}

	_, err := t.robotClient.OrgGroupSendWithOptions(req, headers, &util.RuntimeOptions{})
	return err
}
