package worker

import (
	"context"

	"github.com/lalithlochan/herald/internal/db"
)

// Error codes carried on failed Results and copied into the delivery log.
const (
	ErrorCodeNotConfigured    = "not_configured"
	ErrorCodeNoAdapter        = "no_adapter"
	ErrorCodePanic            = "panic"
	ErrorCodeCircuitOpen      = "circuit_open"
	ErrorCodeInvalidRecipient = "invalid_recipient"
	ErrorCodeInvalidPayload   = "invalid_payload"
	ErrorCodeProvider         = "provider_error"
	ErrorCodeHTTPStatus       = "http_status"
	ErrorCodeRender           = "render_error"
)

// Result is the outcome of one adapter call. Adapters report failures here
// instead of returning an error so every attempt resolves to something the
// dispatcher can record.
type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// Sent builds a successful Result.
func Sent(provider, messageID string) Result {
	return Result{Success: true, Provider: provider, MessageID: messageID}
}

// Failed builds a failed Result.
func Failed(provider, code, msg string) Result {
	return Result{Provider: provider, ErrorCode: code, Error: msg}
}

// Adapter delivers a notification over one channel.
type Adapter interface {
	Channel() string
	Send(ctx context.Context, notif *db.Notification) Result
}
