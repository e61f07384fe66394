package render

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/worker"
)

func TestCatalog_Render(t *testing.T) {
	c := DefaultCatalog()

	out, err := c.Render("signal_alert", map[string]string{
		"direction": "SELL",
		"symbol":    "ETHUSDT",
		"price":     "3100",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Subject)
	assert.Equal(t, "SELL ETHUSDT @ 3100", *out.Subject)
	assert.Equal(t, "SELL signal on ETHUSDT at 3100.", *out.Text)
	assert.Contains(t, *out.HTML, "<strong>SELL ETHUSDT</strong>")
}

func TestCatalog_Errors(t *testing.T) {
	c := DefaultCatalog()

	_, err := c.Render("nope", nil)
	require.ErrorIs(t, err, ErrUnknownTemplate)

	_, err = c.Render("signal_alert", map[string]string{"symbol": "BTC"})
	require.Error(t, err, "missing variables must fail")

	require.Error(t, c.Register("broken", Source{Text: "{{.x"}))
	assert.False(t, c.Has("broken"))
}

func TestCatalog_HTMLEscapesVariables(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register("note", Source{HTML: "<p>{{.note}}</p>", Text: "{{.note}}"}))

	out, err := c.Render("note", map[string]string{"note": "<b>hi</b>"})
	require.NoError(t, err)
	assert.Equal(t, "<p>&lt;b&gt;hi&lt;/b&gt;</p>", *out.HTML)
	assert.Equal(t, "<b>hi</b>", *out.Text)
	assert.Nil(t, out.Subject)
	assert.Equal(t, []string{"note"}, c.IDs())
}

type captureAdapter struct {
	channel string
	got     *db.Notification
}

func (c *captureAdapter) Channel() string { return c.channel }

func (c *captureAdapter) Send(ctx context.Context, n *db.Notification) worker.Result {
	c.got = n
	return worker.Sent("capture", "id-1")
}

func templated(channel, id string, vars map[string]string) *db.Notification {
	return &db.Notification{
		ID:                uuid.New(),
		Channel:           channel,
		Recipient:         "r",
		Message:           "fallback",
		TemplateID:        &id,
		TemplateVariables: vars,
	}
}

func TestTemplatingAdapter_RendersCopy(t *testing.T) {
	inner := &captureAdapter{channel: db.ChannelEmail}
	a := NewTemplatingAdapter(inner, DefaultCatalog(), zap.NewNop())

	n := templated(db.ChannelEmail, "stop_loss_hit", map[string]string{"symbol": "SOL", "price": "140"})
	res := a.Send(context.Background(), n)

	require.True(t, res.Success)
	require.NotNil(t, inner.got)
	assert.Equal(t, "SOL stop loss triggered at 140.", inner.got.Message)
	assert.Equal(t, "SOL stopped out at 140", *inner.got.Subject)
	require.NotNil(t, inner.got.MessageHTML)
	assert.Equal(t, "fallback", n.Message, "original row untouched")
	assert.Nil(t, n.Subject)
	assert.Equal(t, db.ChannelEmail, a.Channel())
}

func TestTemplatingAdapter_HTMLOnlyForEmail(t *testing.T) {
	inner := &captureAdapter{channel: db.ChannelChat}
	a := NewTemplatingAdapter(inner, DefaultCatalog(), zap.NewNop())

	a.Send(context.Background(), templated(db.ChannelChat, "price_target_hit", map[string]string{"symbol": "BTC", "target": "70000"}))
	assert.Equal(t, "BTC hit your target of 70000.", inner.got.Message)
	assert.Nil(t, inner.got.MessageHTML)
}

func TestTemplatingAdapter_PassThroughAndFailure(t *testing.T) {
	inner := &captureAdapter{channel: db.ChannelSMS}
	a := NewTemplatingAdapter(inner, DefaultCatalog(), zap.NewNop())

	plain := &db.Notification{ID: uuid.New(), Channel: db.ChannelSMS, Message: "raw"}
	require.True(t, a.Send(context.Background(), plain).Success)
	assert.Same(t, plain, inner.got)

	inner.got = nil
	res := a.Send(context.Background(), templated(db.ChannelSMS, "missing", nil))
	assert.False(t, res.Success)
	assert.Equal(t, worker.ErrorCodeRender, res.ErrorCode)
	assert.Nil(t, inner.got, "inner adapter not called on render failure")
}
