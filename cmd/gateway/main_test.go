package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/render"
)

func TestHealthHandler_MemoryStore(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(nil, nil)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var checks map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&checks))
	assert.Equal(t, "memory", checks["database"])
	assert.Equal(t, "disabled", checks["redis"])
}

func TestHealthHandler_RedisDownIsNotFatal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), zap.NewNop())

	rec := httptest.NewRecorder()
	healthHandler(nil, client)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var checks map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&checks))
	assert.Equal(t, "ok", checks["redis"])

	mr.Close()

	rec = httptest.NewRecorder()
	healthHandler(nil, client)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&checks))
	assert.NotEqual(t, "ok", checks["redis"])
}

func TestBuildRegistry_Sandbox(t *testing.T) {
	cfg := &config.Config{
		EmailProvider:      "ses",
		SandboxMode:        true,
		BreakerMaxFailures: 2,
	}

	registry, breakers := buildRegistry(context.Background(), cfg, render.DefaultCatalog(), zap.NewNop())

	assert.ElementsMatch(t, db.Channels, registry.Channels())

	// Only the webhook has a real provider without credentials.
	stats := breakers.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "webhook", stats[0].Name)

	email, ok := registry.Lookup(db.ChannelEmail)
	require.True(t, ok)
	res := email.Send(context.Background(), &db.Notification{
		Channel:   db.ChannelEmail,
		Recipient: "trader@example.com",
		Message:   "BUY BTCUSDT",
	})
	assert.True(t, res.Success)
	assert.Contains(t, res.MessageID, "sandbox-")
}

func TestBuildRegistry_Unconfigured(t *testing.T) {
	cfg := &config.Config{EmailProvider: "ses"}

	registry, _ := buildRegistry(context.Background(), cfg, render.DefaultCatalog(), zap.NewNop())

	sms, ok := registry.Lookup(db.ChannelSMS)
	require.True(t, ok)
	res := sms.Send(context.Background(), &db.Notification{
		Channel:   db.ChannelSMS,
		Recipient: "+15550100",
		Message:   "SELL ETHUSDT",
	})
	assert.False(t, res.Success)
	assert.Equal(t, "not_configured", res.ErrorCode)
}

func TestSignalDedup(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want bool
	}{
		{"off by default", config.Config{}, false},
		{"explicit", config.Config{DedupSignals: true}, true},
		{"listener running", config.Config{SignalQueueURL: "https://sqs.local/signals"}, true},
		{"listener disabled", config.Config{SignalQueueURL: "https://sqs.local/signals", SignalListenerOff: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, signalDedup(&tt.cfg))
		})
	}
}
