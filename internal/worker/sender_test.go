package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

func TestSandboxSender_Succeeds(t *testing.T) {
	sender := NewSandboxSender(db.ChannelSMS, zap.NewNop())

	res := sender.Send(context.Background(), makeTestNotification(db.ChannelSMS))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.HasPrefix(res.MessageID, "sandbox-") {
		t.Errorf("message id %q should have sandbox- prefix", res.MessageID)
	}
	if sender.Channel() != db.ChannelSMS {
		t.Errorf("channel = %s", sender.Channel())
	}
}

func TestUnconfiguredSender_Fails(t *testing.T) {
	sender := NewUnconfiguredSender(db.ChannelChat)

	res := sender.Send(context.Background(), makeTestNotification(db.ChannelChat))
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorCode != ErrorCodeNotConfigured {
		t.Errorf("error code = %s", res.ErrorCode)
	}
	if res.Error == "" {
		t.Error("error message should be set")
	}
}

func TestRegistry(t *testing.T) {
	logger := zap.NewNop()
	registry := NewRegistry(
		NewSandboxSender(db.ChannelEmail, logger),
		NewUnconfiguredSender(db.ChannelSMS),
	)

	tests := []struct {
		channel string
		want    bool
	}{
		{db.ChannelEmail, true},
		{db.ChannelSMS, true},
		{db.ChannelWebhook, false},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			if _, ok := registry.Lookup(tt.channel); ok != tt.want {
				t.Errorf("Lookup(%s) = %v, want %v", tt.channel, ok, tt.want)
			}
		})
	}

	// later registrations replace earlier ones
	registry.Register(NewSandboxSender(db.ChannelSMS, logger))
	a, _ := registry.Lookup(db.ChannelSMS)
	if _, ok := a.(*SandboxSender); !ok {
		t.Errorf("expected sandbox sender for sms, got %T", a)
	}

	got := registry.Channels()
	if len(got) != 2 || got[0] != db.ChannelEmail || got[1] != db.ChannelSMS {
		t.Errorf("Channels() = %v", got)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     string
	}{
		{0, "1m0s"},
		{1, "2m0s"},
		{2, "4m0s"},
		{3, "8m0s"},
		{-1, "1m0s"},
	}

	for _, tt := range tests {
		if got := Backoff(tt.attempts).String(); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}

	if Backoff(100) != Backoff(16) {
		t.Error("backoff should be capped")
	}
}

func makeTestNotification(channel string) *db.Notification {
	return &db.Notification{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Channel:   channel,
		Recipient: "recipient",
		Message:   "ETHUSDT sell @ 3100",
	}
}
