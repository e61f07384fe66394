package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/sqs"
	"github.com/lalithlochan/herald/internal/worker"
)

// Store is the part of the notification store the API needs.
type Store interface {
	Enqueue(ctx context.Context, notif *db.Notification) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListRecent(ctx context.Context, limit int) ([]*db.Notification, error)
	ListLogs(ctx context.Context, notificationID uuid.UUID) ([]*db.DeliveryLog, error)
	Retry(ctx context.Context, id uuid.UUID, extraAttempts int) (*db.Notification, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context, recentFailures int) (*db.Stats, error)
}

type SignalExpander interface {
	QueueSignalNotification(ctx context.Context, alertID, userID uuid.UUID) ([]uuid.UUID, error)
}

type SignalPublisher interface {
	Publish(ctx context.Context, msg sqs.SignalMessage) (string, error)
}

type CycleRunner interface {
	RunOnce(ctx context.Context) (worker.CycleResult, error)
}

type BreakerReporter interface {
	Stats() []circuitbreaker.Stats
	Reset(name string) bool
}

type TemplateChecker interface {
	Has(id string) bool
}

// NotificationRequest is the body of POST /v1/notifications.
type NotificationRequest struct {
	UserID            string            `json:"user_id"`
	AlertID           string            `json:"alert_id,omitempty"`
	Channel           string            `json:"channel"`
	Recipient         string            `json:"recipient"`
	Subject           *string           `json:"subject,omitempty"`
	Message           string            `json:"message"`
	MessageHTML       *string           `json:"message_html,omitempty"`
	TemplateID        *string           `json:"template_id,omitempty"`
	TemplateVariables map[string]string `json:"template_variables,omitempty"`
	Priority          int               `json:"priority,omitempty"`
	MaxRetries        int               `json:"max_retries,omitempty"`
	ScheduledFor      *time.Time        `json:"scheduled_for,omitempty"`
}

type NotificationResponse struct {
	ID string `json:"id"`
}

type SignalRequest struct {
	AlertID string `json:"alert_id"`
	UserID  string `json:"user_id"`
}

type RetryRequest struct {
	ExtraAttempts int `json:"extra_attempts"`
}

// ErrorResponse is an application/problem+json body.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const (
	defaultListLimit     = 50
	maxListLimit         = 500
	defaultRecentFailure = 10
	maxPriority          = 10
	maxRetriesCap        = 20
)

type Handler struct {
	logger      *zap.Logger
	store       Store
	idempotency *redis.IdempotencyService // nil without Redis
	expander    SignalExpander
	publisher   SignalPublisher // nil: signals are expanded in the request
	dispatcher  CycleRunner
	breakers    BreakerReporter
	templates   TemplateChecker
}

func NewHandler(logger *zap.Logger, store Store) *Handler {
	return &Handler{logger: logger, store: store}
}

func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

func (h *Handler) WithExpander(e SignalExpander) *Handler {
	h.expander = e
	return h
}

func (h *Handler) WithPublisher(p SignalPublisher) *Handler {
	h.publisher = p
	return h
}

func (h *Handler) WithDispatcher(d CycleRunner) *Handler {
	h.dispatcher = d
	return h
}

func (h *Handler) WithBreakers(b BreakerReporter) *Handler {
	h.breakers = b
	return h
}

func (h *Handler) WithTemplates(t TemplateChecker) *Handler {
	h.templates = t
	return h
}

// Routes mounts the /v1 endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/notifications", h.CreateNotification)
	r.Get("/notifications", h.ListNotifications)
	r.Get("/notifications/{id}", h.GetNotification)
	r.Get("/notifications/{id}/logs", h.ListDeliveryLogs)
	r.Post("/notifications/{id}/retry", h.RetryNotification)
	r.Post("/notifications/{id}/cancel", h.CancelNotification)
	r.Post("/notifications/{id}/delivered", h.MarkDelivered)

	r.Post("/signals", h.QueueSignal)
	r.Get("/stats", h.Stats)

	r.Post("/dispatch", h.Dispatch)
	r.Get("/breakers", h.Breakers)
	r.Post("/breakers/{name}/reset", h.ResetBreaker)
}

// CreateNotification handles POST /v1/notifications. An Idempotency-Key
// header replays the first response for the same caller.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	notif, detail := h.validate(&req)
	if notif == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", detail)
		return
	}

	caller := callerID(r)
	key := r.Header.Get("Idempotency-Key")
	useIdempotency := key != "" && h.idempotency != nil

	if useIdempotency {
		cached, err := h.idempotency.CheckOrReserve(ctx, caller, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.String("idempotency_key", key),
				zap.Error(err),
			)
			useIdempotency = false
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, NotificationResponse{ID: cached.NotificationID})
			return
		}
	}

	id, err := h.store.Enqueue(ctx, notif)
	if err != nil {
		h.logger.Error("enqueue failed",
			zap.String("channel", notif.Channel),
			zap.Error(err),
		)
		if useIdempotency {
			_ = h.idempotency.Release(ctx, caller, key)
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue notification", "")
		return
	}
	metrics.RecordNotificationEnqueued("api", notif.Channel)

	if useIdempotency {
		result := &redis.IdempotencyResult{NotificationID: id.String(), StatusCode: http.StatusCreated}
		if err := h.idempotency.Store(ctx, caller, key, result, redis.IdempotencyTTLExact); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.String("idempotency_key", key),
				zap.Error(err),
			)
		}
	}

	h.logger.Info("notification enqueued",
		zap.String("notification_id", id.String()),
		zap.String("channel", notif.Channel),
		zap.Int("priority", notif.Priority),
	)

	h.writeJSON(w, http.StatusCreated, NotificationResponse{ID: id.String()})
}

// validate returns the notification to enqueue, or nil and the reason.
func (h *Handler) validate(req *NotificationRequest) (*db.Notification, string) {
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return nil, "user_id must be a valid UUID"
	}
	if !db.ValidChannel(req.Channel) {
		return nil, "channel must be one of: " + strings.Join(db.Channels, ", ")
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, "recipient is required"
	}
	hasTemplate := req.TemplateID != nil && *req.TemplateID != ""
	if req.Message == "" && !hasTemplate {
		return nil, "message or template_id is required"
	}
	if hasTemplate && h.templates != nil && !h.templates.Has(*req.TemplateID) {
		return nil, "unknown template_id " + strconv.Quote(*req.TemplateID)
	}
	if req.Priority < 0 || req.Priority > maxPriority {
		return nil, "priority must be between 1 and 10"
	}
	if req.MaxRetries < 0 || req.MaxRetries > maxRetriesCap {
		return nil, "max_retries must be between 1 and 20"
	}

	notif := &db.Notification{
		UserID:            userID,
		Channel:           req.Channel,
		Recipient:         req.Recipient,
		Subject:           req.Subject,
		Message:           req.Message,
		MessageHTML:       req.MessageHTML,
		TemplateID:        req.TemplateID,
		TemplateVariables: req.TemplateVariables,
		Priority:          req.Priority,
		MaxRetries:        req.MaxRetries,
	}
	if req.AlertID != "" {
		alertID, err := uuid.Parse(req.AlertID)
		if err != nil {
			return nil, "alert_id must be a valid UUID"
		}
		notif.AlertID = &alertID
	}
	if req.ScheduledFor != nil {
		notif.ScheduledFor = req.ScheduledFor.UTC()
	}
	return notif, ""
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	notif, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get notification", id)
		return
	}
	h.writeJSON(w, http.StatusOK, notif)
}

// ListNotifications handles GET /v1/notifications?limit=50
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit, maxListLimit)

	notifications, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  notifications,
		"limit": limit,
		"count": len(notifications),
	})
}

// ListDeliveryLogs handles GET /v1/notifications/{id}/logs
func (h *Handler) ListDeliveryLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if _, err := h.store.Get(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "get notification", id)
		return
	}

	logs, err := h.store.ListLogs(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "list delivery logs", id)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  logs,
		"count": len(logs),
	})
}

// RetryNotification handles POST /v1/notifications/{id}/retry. The body is
// optional; extra_attempts defaults to 1.
func (h *Handler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var req RetryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}
	if req.ExtraAttempts < 0 || req.ExtraAttempts > maxRetriesCap {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid extra_attempts", "extra_attempts must be between 0 and 20")
		return
	}

	notif, err := h.store.Retry(r.Context(), id, req.ExtraAttempts)
	if err != nil {
		h.writeStoreError(w, err, "retry notification", id)
		return
	}

	h.logger.Info("notification retried by operator",
		zap.String("notification_id", id.String()),
		zap.Int("max_retries", notif.MaxRetries),
	)
	h.writeJSON(w, http.StatusOK, notif)
}

// CancelNotification handles POST /v1/notifications/{id}/cancel
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel notification", db.StatusCancelled, h.store.Cancel)
}

// MarkDelivered handles POST /v1/notifications/{id}/delivered, the provider
// delivery confirmation.
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "mark delivered", db.StatusDelivered, h.store.MarkDelivered)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op, status string, fn func(context.Context, uuid.UUID) error) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := fn(r.Context(), id); err != nil {
		h.writeStoreError(w, err, op, id)
		return
	}

	h.logger.Info("notification status changed",
		zap.String("notification_id", id.String()),
		zap.String("status", status),
	)
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": status,
	})
}

// QueueSignal handles POST /v1/signals. With a publisher the signal goes to
// SQS and the response is 202; otherwise it is expanded inline.
func (h *Handler) QueueSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	alertID, err := uuid.Parse(req.AlertID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert_id", "alert_id must be a valid UUID")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	if h.publisher != nil {
		msgID, err := h.publisher.Publish(r.Context(), sqs.SignalMessage{AlertID: alertID, UserID: userID})
		if err != nil {
			h.logger.Error("signal publish failed", zap.String("alert_id", alertID.String()), zap.Error(err))
			h.writeError(w, http.StatusBadGateway, "publish_error", "Failed to publish signal", "")
			return
		}
		h.writeJSON(w, http.StatusAccepted, map[string]string{"message_id": msgID})
		return
	}

	if h.expander == nil {
		h.writeError(w, http.StatusNotImplemented, "not_configured", "Signal intake is not configured", "")
		return
	}

	ids, err := h.expander.QueueSignalNotification(r.Context(), alertID, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Signal not found", "")
			return
		}
		h.logger.Error("signal expansion failed",
			zap.String("alert_id", alertID.String()),
			zap.Int("enqueued", len(ids)),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to queue signal notifications", "")
		return
	}

	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"notification_ids": out,
		"count":            len(out),
	})
}

// Stats handles GET /v1/stats?failures=10
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "failures", defaultRecentFailure, maxListLimit)

	stats, err := h.store.Stats(r.Context(), n)
	if err != nil {
		h.logger.Error("failed to load stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load stats", "")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// Dispatch handles POST /v1/dispatch: run one cycle now.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		h.writeError(w, http.StatusNotImplemented, "not_configured", "Dispatcher is not running in this process", "")
		return
	}

	result, err := h.dispatcher.RunOnce(r.Context())
	if errors.Is(err, worker.ErrCycleInProgress) {
		h.writeError(w, http.StatusConflict, "cycle_in_progress", "A dispatch cycle is already running", "")
		return
	}
	if err != nil {
		h.logger.Error("manual dispatch failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Dispatch cycle failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Breakers handles GET /v1/breakers
func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	stats := []circuitbreaker.Stats{}
	if h.breakers != nil {
		stats = h.breakers.Stats()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

// ResetBreaker handles POST /v1/breakers/{name}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.breakers == nil || !h.breakers.Reset(name) {
		h.writeError(w, http.StatusNotFound, "not_found", "Circuit breaker not found", "")
		return
	}

	h.logger.Info("circuit breaker reset by operator", zap.String("provider", name))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeStoreError maps store sentinels onto HTTP statuses.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error, op string, id uuid.UUID) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, db.ErrInvalidTransition), errors.Is(err, db.ErrNotClaimable):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Notification is not in a state that allows this", err.Error())
	default:
		h.logger.Error(op+" failed", zap.String("notification_id", id.String()), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to "+op, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func queryInt(r *http.Request, name string, def, maxVal int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return min(v, maxVal)
}

// callerID scopes idempotency keys. Unidentified callers share one scope.
func callerID(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	return "anonymous"
}
