package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

type ChatConfig struct {
	BotToken string
	BaseURL  string // defaults to https://api.telegram.org
	Timeout  time.Duration
}

// ChatSender posts messages through a Telegram-compatible bot API. The
// recipient is the chat id.
type ChatSender struct {
	client  *http.Client
	baseURL string
	token   string
	logger  *zap.Logger
}

type chatSendRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type chatSendResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func NewChatSender(cfg ChatConfig, logger *zap.Logger) *ChatSender {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &ChatSender{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   cfg.BotToken,
		logger:  logger,
	}
}

func (s *ChatSender) Channel() string { return db.ChannelChat }

func (s *ChatSender) Send(ctx context.Context, notif *db.Notification) Result {
	if notif.Recipient == "" {
		return Failed("chat", ErrorCodeInvalidRecipient, "chat id is empty")
	}

	body, err := json.Marshal(chatSendRequest{
		ChatID:                notif.Recipient,
		Text:                  notif.Message,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return Failed("chat", ErrorCodeInvalidPayload, fmt.Sprintf("encode chat message: %v", err))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Failed("chat", ErrorCodeProvider, fmt.Sprintf("failed to create chat request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// the token is part of the URL; keep it out of the stored error
		return Failed("chat", ErrorCodeProvider, strings.ReplaceAll(err.Error(), s.token, "***"))
	}
	defer resp.Body.Close()

	var out chatSendResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return Failed("chat", ErrorCodeHTTPStatus, fmt.Sprintf("chat api returned status %d", resp.StatusCode))
	}
	if !out.OK {
		return Failed("chat", ErrorCodeProvider, fmt.Sprintf("chat api error %d: %s", out.ErrorCode, out.Description))
	}

	messageID := strconv.FormatInt(out.Result.MessageID, 10)
	s.logger.Debug("chat message sent",
		zap.String("notification_id", notif.ID.String()),
		zap.String("message_id", messageID),
	)

	return Sent("chat", messageID)
}
