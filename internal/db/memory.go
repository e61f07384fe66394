package db

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps the queue in process memory. It implements the same
// operations as Repository and is used for tests and local runs without
// Postgres. Values are copied on the way in and out.
type MemoryRepository struct {
	mu       sync.RWMutex
	items    map[uuid.UUID]*memoryItem
	logs     []*DeliveryLog
	signals  map[uuid.UUID]*Signal
	settings map[uuid.UUID]*UserSettings
	seq      uint64
	now      func() time.Time
}

type memoryItem struct {
	notif *Notification
	seq   uint64
}

// NewMemoryRepository creates an empty store. A nil clock uses the wall clock.
func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryRepository{
		items:    make(map[uuid.UUID]*memoryItem),
		signals:  make(map[uuid.UUID]*Signal),
		settings: make(map[uuid.UUID]*UserSettings),
		now:      now,
	}
}

func (m *MemoryRepository) Enqueue(ctx context.Context, notif *Notification) (uuid.UUID, error) {
	if notif == nil {
		return uuid.Nil, errors.New("notification cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	applyDefaults(notif, m.now())
	if _, exists := m.items[notif.ID]; exists {
		return uuid.Nil, errors.New("notification already exists")
	}

	m.seq++
	m.items[notif.ID] = &memoryItem{notif: cloneNotification(notif), seq: m.seq}
	return notif.ID, nil
}

func (m *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNotification(item.notif), nil
}

// SelectDue uses the same predicate and ordering as the SQL query, with
// insertion order breaking ties on identical created_at values.
func (m *MemoryRepository) SelectDue(ctx context.Context, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	due := make([]*memoryItem, 0)
	for _, item := range m.items {
		n := item.notif
		if n.Status != StatusPending || n.ScheduledFor.After(now) {
			continue
		}
		if n.NextRetryAt != nil && n.NextRetryAt.After(now) {
			continue
		}
		due = append(due, item)
	}

	sortQueue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Notification, 0, len(due))
	for _, item := range due {
		out = append(out, cloneNotification(item.notif))
	}
	return out, nil
}

func (m *MemoryRepository) MarkProcessing(ctx context.Context, id uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	n := item.notif
	if n.Status != StatusPending || n.CurrentAttempts >= n.MaxRetries {
		return nil, ErrNotClaimable
	}

	now := m.now()
	n.Status = StatusProcessing
	n.CurrentAttempts++
	n.LastAttemptAt = &now
	n.NextRetryAt = nil
	n.UpdatedAt = now
	return cloneNotification(n), nil
}

func (m *MemoryRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	return m.update(id, StatusProcessing, func(n *Notification, now time.Time) {
		n.Status = StatusSent
		n.SentAt = &now
		n.LastError = nil
		n.ProviderMessageID = nil
		if providerMessageID != "" {
			n.ProviderMessageID = &providerMessageID
		}
	})
}

func (m *MemoryRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt *time.Time) error {
	return m.update(id, StatusProcessing, func(n *Notification, _ time.Time) {
		n.Status = StatusFailed
		n.NextRetryAt = nil
		if nextRetryAt != nil {
			at := *nextRetryAt
			n.Status = StatusPending
			n.NextRetryAt = &at
		}
		n.LastError = &errMsg
	})
}

func (m *MemoryRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return m.update(id, StatusSent, func(n *Notification, now time.Time) {
		n.Status = StatusDelivered
		n.DeliveredAt = &now
	})
}

func (m *MemoryRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	return m.update(id, StatusPending, func(n *Notification, _ time.Time) {
		n.Status = StatusCancelled
		n.NextRetryAt = nil
	})
}

func (m *MemoryRepository) Retry(ctx context.Context, id uuid.UUID, extraAttempts int) (*Notification, error) {
	if extraAttempts <= 0 {
		extraAttempts = 1
	}

	var out *Notification
	err := m.update(id, StatusFailed, func(n *Notification, _ time.Time) {
		n.Status = StatusPending
		n.NextRetryAt = nil
		n.LastError = nil
		n.MaxRetries = max(n.MaxRetries, n.CurrentAttempts+extraAttempts)
		out = cloneNotification(n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MemoryRepository) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	reclaimed := 0
	for _, item := range m.items {
		n := item.notif
		if n.Status != StatusProcessing || n.LastAttemptAt == nil || !n.LastAttemptAt.Before(cutoff) {
			continue
		}
		msg := leaseExpiredMessage
		code := ErrorCodeLeaseExpired
		n.LastError = &msg
		n.UpdatedAt = now
		m.logs = append(m.logs, &DeliveryLog{
			ID:             uuid.New(),
			NotificationID: n.ID,
			Channel:        n.Channel,
			Recipient:      n.Recipient,
			Attempt:        n.CurrentAttempts,
			Status:         LogStatusFailed,
			Provider:       reclaimProvider,
			ErrorCode:      &code,
			ErrorMessage:   cloneString(&msg),
			AttemptedAt:    *n.LastAttemptAt,
			CreatedAt:      now,
		})
		if n.CurrentAttempts >= n.MaxRetries {
			n.Status = StatusFailed
			n.NextRetryAt = nil
		} else {
			at := now
			n.Status = StatusPending
			n.NextRetryAt = &at
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (m *MemoryRepository) AppendLog(ctx context.Context, entry *DeliveryLog) error {
	if entry == nil {
		return errors.New("delivery log entry cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = m.now()

	logCopy := *entry
	logCopy.ProviderMessageID = cloneString(entry.ProviderMessageID)
	logCopy.ErrorCode = cloneString(entry.ErrorCode)
	logCopy.ErrorMessage = cloneString(entry.ErrorMessage)
	m.logs = append(m.logs, &logCopy)
	return nil
}

func (m *MemoryRepository) ListLogs(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*DeliveryLog{}
	for _, l := range m.logs {
		if l.NotificationID != notificationID {
			continue
		}
		logCopy := *l
		logCopy.ProviderMessageID = cloneString(l.ProviderMessageID)
		logCopy.ErrorCode = cloneString(l.ErrorCode)
		logCopy.ErrorMessage = cloneString(l.ErrorMessage)
		out = append(out, &logCopy)
	}
	return out, nil
}

func (m *MemoryRepository) ListRecent(ctx context.Context, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sortedBy(func(a, b *memoryItem) bool {
		if !a.notif.CreatedAt.Equal(b.notif.CreatedAt) {
			return a.notif.CreatedAt.After(b.notif.CreatedAt)
		}
		return a.seq > b.seq
	}, nil)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryRepository) Stats(ctx context.Context, recentFailures int) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type bucket struct{ status, channel string }
	buckets := make(map[bucket]int64)
	for _, item := range m.items {
		buckets[bucket{item.notif.Status, item.notif.Channel}]++
	}

	counts := make([]StatusCount, 0, len(buckets))
	for b, c := range buckets {
		counts = append(counts, StatusCount{Status: b.status, Channel: b.channel, Count: c})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Status != counts[j].Status {
			return counts[i].Status < counts[j].Status
		}
		return counts[i].Channel < counts[j].Channel
	})

	failures := m.sortedBy(func(a, b *memoryItem) bool {
		if !a.notif.UpdatedAt.Equal(b.notif.UpdatedAt) {
			return a.notif.UpdatedAt.After(b.notif.UpdatedAt)
		}
		return a.seq > b.seq
	}, func(n *Notification) bool { return n.Status == StatusFailed })
	if len(failures) > recentFailures {
		failures = failures[:max(recentFailures, 0)]
	}

	return newStats(counts, failures), nil
}

// PutSignal stores a signal for GetSignal.
func (m *MemoryRepository) PutSignal(s *Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sCopy := *s
	m.signals[s.ID] = &sCopy
}

// PutUserSettings stores preferences for GetUserSettings.
func (m *MemoryRepository) PutUserSettings(u *UserSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uCopy := *u
	m.settings[u.UserID] = &uCopy
}

func (m *MemoryRepository) GetSignal(ctx context.Context, id uuid.UUID) (*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	sCopy := *s
	return &sCopy, nil
}

func (m *MemoryRepository) GetUserSettings(ctx context.Context, userID uuid.UUID) (*UserSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.settings[userID]
	if !ok {
		return &UserSettings{UserID: userID}, nil
	}
	uCopy := *u
	return &uCopy, nil
}

// update applies fn when the row is in the expected status.
func (m *MemoryRepository) update(id uuid.UUID, from string, fn func(n *Notification, now time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if item.notif.Status != from {
		return ErrInvalidTransition
	}

	now := m.now()
	fn(item.notif, now)
	item.notif.UpdatedAt = now
	return nil
}

func (m *MemoryRepository) sortedBy(less func(a, b *memoryItem) bool, keep func(*Notification) bool) []*Notification {
	items := make([]*memoryItem, 0, len(m.items))
	for _, item := range m.items {
		if keep == nil || keep(item.notif) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })

	out := make([]*Notification, 0, len(items))
	for _, item := range items {
		out = append(out, cloneNotification(item.notif))
	}
	return out
}

// sortQueue orders by priority DESC, created_at ASC.
func sortQueue(items []*memoryItem) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.notif.Priority != b.notif.Priority {
			return a.notif.Priority > b.notif.Priority
		}
		if !a.notif.CreatedAt.Equal(b.notif.CreatedAt) {
			return a.notif.CreatedAt.Before(b.notif.CreatedAt)
		}
		return a.seq < b.seq
	})
}

func cloneNotification(n *Notification) *Notification {
	c := *n
	c.AlertID = cloneUUID(n.AlertID)
	c.Subject = cloneString(n.Subject)
	c.MessageHTML = cloneString(n.MessageHTML)
	c.TemplateID = cloneString(n.TemplateID)
	c.LastAttemptAt = cloneTime(n.LastAttemptAt)
	c.NextRetryAt = cloneTime(n.NextRetryAt)
	c.SentAt = cloneTime(n.SentAt)
	c.DeliveredAt = cloneTime(n.DeliveredAt)
	c.LastError = cloneString(n.LastError)
	c.ProviderMessageID = cloneString(n.ProviderMessageID)
	if n.TemplateVariables != nil {
		c.TemplateVariables = make(map[string]string, len(n.TemplateVariables))
		for k, v := range n.TemplateVariables {
			c.TemplateVariables[k] = v
		}
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUID(u *uuid.UUID) *uuid.UUID {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}
