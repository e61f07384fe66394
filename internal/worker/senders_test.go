package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"github.com/mrz1836/postmark"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	heraldsns "github.com/lalithlochan/herald/internal/sns"
)

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-msg-1")}, nil
}

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-msg-1")}, nil
}

type fakePostmark struct {
	email postmark.Email
	resp  postmark.EmailResponse
	err   error
}

func (f *fakePostmark) SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error) {
	f.email = email
	return f.resp, f.err
}

type fakePushPublisher struct {
	target string
	msg    heraldsns.PushMessage
	err    error
}

func (f *fakePushPublisher) Publish(ctx context.Context, targetARN string, msg heraldsns.PushMessage) (string, error) {
	f.target = targetARN
	f.msg = msg
	if f.err != nil {
		return "", f.err
	}
	return "push-msg-1", nil
}

func emailNotification() *db.Notification {
	subject := "BTCUSDT BUY signal"
	html := "<p>Entry 64000</p>"
	return &db.Notification{
		ID:          uuid.New(),
		Channel:     db.ChannelEmail,
		Recipient:   "trader@example.com",
		Subject:     &subject,
		Message:     "Entry 64000",
		MessageHTML: &html,
	}
}

func TestSESSender_Send(t *testing.T) {
	api := &fakeSES{}
	sender := &SESSender{client: api, from: "alerts@herald.dev", logger: zap.NewNop()}

	res := sender.Send(context.Background(), emailNotification())
	if !res.Success || res.MessageID != "ses-msg-1" || res.Provider != "ses" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := api.input.Destination.ToAddresses[0]; got != "trader@example.com" {
		t.Errorf("to = %s", got)
	}
	if api.input.Message.Body.Html == nil {
		t.Error("html body should be set")
	}
	if aws.ToString(api.input.Message.Subject.Data) != "BTCUSDT BUY signal" {
		t.Errorf("subject = %s", aws.ToString(api.input.Message.Subject.Data))
	}
}

func TestSESSender_Failures(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(n *db.Notification)
		apiErr   error
		wantCode string
	}{
		{"empty recipient", func(n *db.Notification) { n.Recipient = "" }, nil, ErrorCodeInvalidRecipient},
		{"no body", func(n *db.Notification) { n.Message = ""; n.MessageHTML = nil }, nil, ErrorCodeInvalidPayload},
		{"provider error", func(n *db.Notification) {}, errors.New("throttled"), ErrorCodeProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &SESSender{client: &fakeSES{err: tt.apiErr}, logger: zap.NewNop()}
			n := emailNotification()
			tt.mutate(n)

			res := sender.Send(context.Background(), n)
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.ErrorCode != tt.wantCode {
				t.Errorf("error code = %s, want %s", res.ErrorCode, tt.wantCode)
			}
		})
	}
}

func TestNewPostmarkSender_InvalidConfig(t *testing.T) {
	_, err := NewPostmarkSender(PostmarkConfig{ServerToken: "server"}, zap.NewNop())
	if !errors.Is(err, ErrInvalidPostmarkConfig) {
		t.Fatalf("expected ErrInvalidPostmarkConfig, got %v", err)
	}
	if !strings.Contains(err.Error(), "account token") || !strings.Contains(err.Error(), "from email") {
		t.Errorf("error should list every missing field: %v", err)
	}
}

func TestPostmarkSender_Send(t *testing.T) {
	api := &fakePostmark{resp: postmark.EmailResponse{MessageID: "pm-1"}}
	sender := &PostmarkSender{client: api, from: "alerts@herald.dev", logger: zap.NewNop()}

	res := sender.Send(context.Background(), emailNotification())
	if !res.Success || res.MessageID != "pm-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if api.email.HTMLBody != "<p>Entry 64000</p>" || api.email.TextBody != "Entry 64000" {
		t.Errorf("bodies not forwarded: %+v", api.email)
	}

	api.resp = postmark.EmailResponse{ErrorCode: 300, Message: "Invalid email request"}
	res = sender.Send(context.Background(), emailNotification())
	if res.Success || res.ErrorCode != ErrorCodeProvider {
		t.Fatalf("expected provider failure, got %+v", res)
	}
}

func TestSNSSender_Send(t *testing.T) {
	api := &fakeSNS{}
	sender := &SNSSender{client: api, senderID: "HERALD", logger: zap.NewNop()}

	n := makeTestNotification(db.ChannelSMS)
	n.Recipient = "+14155550123"

	res := sender.Send(context.Background(), n)
	if !res.Success || res.MessageID != "sns-msg-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if aws.ToString(api.input.PhoneNumber) != "+14155550123" {
		t.Errorf("phone = %s", aws.ToString(api.input.PhoneNumber))
	}
	if _, ok := api.input.MessageAttributes["AWS.SNS.SMS.SenderID"]; !ok {
		t.Error("sender id attribute missing")
	}
}

func TestSNSSender_InvalidPhone(t *testing.T) {
	sender := &SNSSender{client: &fakeSNS{}, logger: zap.NewNop()}

	n := makeTestNotification(db.ChannelSMS)
	n.Recipient = "4155550123"

	res := sender.Send(context.Background(), n)
	if res.Success || res.ErrorCode != ErrorCodeInvalidRecipient {
		t.Fatalf("expected invalid recipient, got %+v", res)
	}
}

func TestPushSender_Send(t *testing.T) {
	pub := &fakePushPublisher{}
	sender := &PushSender{publisher: pub, logger: zap.NewNop()}

	alertID := uuid.New()
	n := makeTestNotification(db.ChannelPush)
	n.Recipient = "arn:aws:sns:us-east-1:1:endpoint/GCM/herald/abc"
	n.AlertID = &alertID

	res := sender.Send(context.Background(), n)
	if !res.Success || res.MessageID != "push-msg-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if pub.msg.Data["alert_id"] != alertID.String() {
		t.Errorf("alert id not forwarded: %v", pub.msg.Data)
	}

	pub.err = heraldsns.ErrInvalidTarget
	res = sender.Send(context.Background(), n)
	if res.ErrorCode != ErrorCodeInvalidRecipient {
		t.Errorf("error code = %s", res.ErrorCode)
	}
}

func TestChatSender_Send(t *testing.T) {
	var got chatSendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottest-token/sendMessage" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true,"result":{"message_id":4711}}`))
	}))
	defer server.Close()

	sender := NewChatSender(ChatConfig{BotToken: "test-token", BaseURL: server.URL}, zap.NewNop())
	n := makeTestNotification(db.ChannelChat)
	n.Recipient = "-100200300"

	res := sender.Send(context.Background(), n)
	if !res.Success || res.MessageID != "4711" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got.ChatID != "-100200300" || got.Text != n.Message {
		t.Errorf("request = %+v", got)
	}
}

func TestChatSender_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"ok":false,"error_code":403,"description":"bot was blocked by the user"}`))
	}))
	defer server.Close()

	sender := NewChatSender(ChatConfig{BotToken: "t", BaseURL: server.URL}, zap.NewNop())
	res := sender.Send(context.Background(), makeTestNotification(db.ChannelChat))
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "blocked") {
		t.Errorf("error = %s", res.Error)
	}
}

func TestWebhookSenderHTTPCall(t *testing.T) {
	var body []byte
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		header = r.Header.Get("X-Herald-Notification-ID")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{Timeout: 5 * time.Second})

	n := makeTestNotification(db.ChannelWebhook)
	n.Recipient = server.URL
	n.Message = `{"symbol":"BTCUSDT","direction":"buy"}`

	res := sender.Send(context.Background(), n)
	if !res.Success {
		t.Fatalf("Send() failed: %+v", res)
	}
	if string(body) != n.Message {
		t.Errorf("JSON message should be sent verbatim, got %s", body)
	}
	if header != n.ID.String() {
		t.Errorf("notification id header = %q", header)
	}
}

func TestWebhookSenderWrapsPlainText(t *testing.T) {
	var env webhookEnvelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&env)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{})
	n := makeTestNotification(db.ChannelWebhook)
	n.Recipient = server.URL

	res := sender.Send(context.Background(), n)
	if !res.Success {
		t.Fatalf("Send() failed: %+v", res)
	}
	if env.Message != n.Message || env.NotificationID != n.ID.String() {
		t.Errorf("envelope = %+v", env)
	}
}

func TestWebhookSenderHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{Timeout: 5 * time.Second})
	n := makeTestNotification(db.ChannelWebhook)
	n.Recipient = server.URL

	res := sender.Send(context.Background(), n)
	if res.Success {
		t.Fatal("Send() should have failed for 500 status")
	}
	if res.ErrorCode != ErrorCodeHTTPStatus {
		t.Errorf("error code = %s", res.ErrorCode)
	}
}

func TestWebhookSenderInvalidURL(t *testing.T) {
	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{})

	for _, recipient := range []string{"", "ftp://example.com", "not a url", "https://"} {
		n := makeTestNotification(db.ChannelWebhook)
		n.Recipient = recipient
		if res := sender.Send(context.Background(), n); res.ErrorCode != ErrorCodeInvalidRecipient {
			t.Errorf("recipient %q: error code = %s", recipient, res.ErrorCode)
		}
	}
}
