package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/worker"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = clock.Now
	return cb, clock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("test"))
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: time.Second})
	trip(cb, 3)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb, clock := newTestBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 30 * time.Second})
	trip(cb, 2)

	clock.Advance(29 * time.Second)
	if cb.Allow() {
		t.Fatal("should still reject before the recovery timeout")
	}

	clock.Advance(time.Second)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_ProbeOutcome(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		want    State
	}{
		{"success closes", true, StateClosed},
		{"failure reopens", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: time.Second})
			trip(cb, 2)
			clock.Advance(time.Second)
			cb.Allow()
			if tt.success {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.GetState() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", MaxFailures: 3})
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_ReleaseReturnsProbeSlot(t *testing.T) {
	cb, clock := newTestBreaker(Config{Name: "test", MaxFailures: 1, RecoveryTimeout: time.Second})
	trip(cb, 1)
	clock.Advance(time.Second)

	if !cb.Allow() {
		t.Fatal("probe should be allowed")
	}
	cb.Release()
	if !cb.Allow() {
		t.Fatal("released slot should allow another probe")
	}
}

func TestCircuitBreaker_ResetAndStats(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "stats-test", MaxFailures: 2, RecoveryTimeout: time.Minute})
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	cb.Allow()

	stats := cb.Stats()
	if stats.Name != "stats-test" || stats.State != "open" {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.TotalRequests != 4 || stats.TotalSuccesses != 1 || stats.TotalFailures != 2 || stats.TotalRejected != 1 {
		t.Fatalf("unexpected counters %+v", stats)
	}
	if stats.LastFailure == "" {
		t.Fatal("last failure should be set")
	}

	cb.Reset()
	if cb.GetState() != StateClosed || !cb.Allow() {
		t.Fatal("should be closed and allow after reset")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

func TestGroup_Stats(t *testing.T) {
	g := NewGroup()
	g.Add(New(DefaultConfig("sns"), zap.NewNop()))
	g.Add(New(DefaultConfig("chat"), zap.NewNop()))

	stats := g.Stats()
	if len(stats) != 2 || stats[0].Name != "chat" || stats[1].Name != "sns" {
		t.Fatalf("unexpected group stats %+v", stats)
	}
	if _, ok := g.Get("sns"); !ok {
		t.Fatal("sns breaker should be registered")
	}
	if _, ok := g.Get("ses"); ok {
		t.Fatal("ses breaker should not exist")
	}
}

func TestGroup_Reset(t *testing.T) {
	g := NewGroup()
	cb := New(Config{Name: "postmark", MaxFailures: 1}, zap.NewNop())
	g.Add(cb)

	cb.RecordFailure()
	if !g.Reset("postmark") {
		t.Fatal("expected reset of a registered breaker")
	}
	if cb.GetState() != StateClosed {
		t.Errorf("expected closed, got %s", cb.GetState())
	}
	if g.Reset("ses") {
		t.Error("reset of an unknown breaker should report false")
	}
}

// --- ProtectedAdapter ---

type mockAdapter struct {
	result worker.Result
	calls  int
	panics bool
}

func (m *mockAdapter) Channel() string { return db.ChannelEmail }

func (m *mockAdapter) Send(ctx context.Context, notif *db.Notification) worker.Result {
	m.calls++
	if m.panics {
		panic("provider SDK blew up")
	}
	return m.result
}

func testNotif() *db.Notification {
	return &db.Notification{ID: uuid.New(), Channel: db.ChannelEmail}
}

func TestProtectedAdapter_PassesThrough(t *testing.T) {
	mock := &mockAdapter{result: worker.Sent("ses", "m-1")}
	cb, _ := newTestBreaker(Config{Name: "ses", MaxFailures: 5})
	pa := NewProtectedAdapter(mock, cb, zap.NewNop())

	res := pa.Send(context.Background(), testNotif())
	if !res.Success || res.MessageID != "m-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if pa.Channel() != db.ChannelEmail {
		t.Fatalf("channel = %s", pa.Channel())
	}
	if cb.Stats().TotalSuccesses != 1 {
		t.Fatal("expected 1 success")
	}
}

func TestProtectedAdapter_FailFastWhenOpen(t *testing.T) {
	mock := &mockAdapter{result: worker.Failed("ses", worker.ErrorCodeProvider, "down")}
	cb, _ := newTestBreaker(Config{Name: "ses", MaxFailures: 2, RecoveryTimeout: time.Minute})
	pa := NewProtectedAdapter(mock, cb, zap.NewNop())

	pa.Send(context.Background(), testNotif())
	pa.Send(context.Background(), testNotif())
	mock.calls = 0

	res := pa.Send(context.Background(), testNotif())
	if res.Success || res.ErrorCode != worker.ErrorCodeCircuitOpen {
		t.Fatalf("expected circuit_open failure, got %+v", res)
	}
	if mock.calls != 0 {
		t.Fatalf("adapter called %d times when circuit open", mock.calls)
	}
}

func TestProtectedAdapter_CallerErrorsDoNotTrip(t *testing.T) {
	mock := &mockAdapter{result: worker.Failed("ses", worker.ErrorCodeInvalidRecipient, "empty")}
	cb, _ := newTestBreaker(Config{Name: "ses", MaxFailures: 2})
	pa := NewProtectedAdapter(mock, cb, zap.NewNop())

	for i := 0; i < 5; i++ {
		pa.Send(context.Background(), testNotif())
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("invalid recipients should not open the breaker, got %s", cb.GetState())
	}
}

func TestProtectedAdapter_FullLifecycle(t *testing.T) {
	mock := &mockAdapter{result: worker.Sent("ses", "ok")}
	cb, clock := newTestBreaker(Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: 30 * time.Second})
	pa := NewProtectedAdapter(mock, cb, zap.NewNop())
	n := testNotif()

	if res := pa.Send(context.Background(), n); !res.Success {
		t.Fatalf("phase1: %+v", res)
	}

	mock.result = worker.Failed("ses", worker.ErrorCodeProvider, "SES down")
	for i := 0; i < 3; i++ {
		pa.Send(context.Background(), n)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("phase2: expected open, got %s", cb.GetState())
	}

	mock.calls = 0
	if res := pa.Send(context.Background(), n); res.ErrorCode != worker.ErrorCodeCircuitOpen {
		t.Fatalf("phase3: %+v", res)
	}
	if mock.calls != 0 {
		t.Fatal("phase3: adapter should not be called")
	}

	clock.Advance(30 * time.Second)
	mock.result = worker.Sent("ses", "ok")
	if res := pa.Send(context.Background(), n); !res.Success {
		t.Fatalf("phase4: %+v", res)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("phase4: expected closed, got %s", cb.GetState())
	}
}

func TestProtectedAdapter_PanicWhileHalfOpenReopens(t *testing.T) {
	mock := &mockAdapter{result: worker.Failed("ses", worker.ErrorCodeProvider, "SES down")}
	cb, clock := newTestBreaker(Config{Name: "ses", MaxFailures: 2, RecoveryTimeout: 30 * time.Second})
	pa := NewProtectedAdapter(mock, cb, zap.NewNop())
	n := testNotif()

	pa.Send(context.Background(), n)
	pa.Send(context.Background(), n)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	clock.Advance(30 * time.Second)
	mock.panics = true
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected the panic to reach the caller")
			}
		}()
		pa.Send(context.Background(), n)
	}()
	if cb.GetState() != StateOpen {
		t.Fatalf("half-open panic should reopen the breaker, got %s", cb.GetState())
	}

	mock.panics = false
	mock.result = worker.Sent("ses", "ok")
	clock.Advance(30 * time.Second)
	if res := pa.Send(context.Background(), n); !res.Success {
		t.Fatalf("provider recovered, expected success, got %+v", res)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
}

func TestProtectedAdapter_DispatcherRecoversPanicWithoutWedging(t *testing.T) {
	mock := &mockAdapter{panics: true}
	cb, clock := newTestBreaker(Config{Name: "ses", MaxFailures: 1, RecoveryTimeout: 30 * time.Second})
	registry := worker.NewRegistry(NewProtectedAdapter(mock, cb, zap.NewNop()))
	store := db.NewMemoryRepository(nil)
	dispatcher := worker.NewDispatcher(store, registry, worker.Config{}, zap.NewNop())
	ctx := context.Background()

	enqueue := func() uuid.UUID {
		id, err := store.Enqueue(ctx, &db.Notification{
			UserID:    uuid.New(),
			Channel:   db.ChannelEmail,
			Recipient: "trader@example.com",
			Message:   "BUY BTCUSDT @ 65000",
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		return id
	}

	trip(cb, 1)
	clock.Advance(30 * time.Second)

	first := enqueue()
	if _, err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	logs, err := store.ListLogs(ctx, first)
	if err != nil || len(logs) != 1 || logs[0].ErrorCode == nil || *logs[0].ErrorCode != worker.ErrorCodePanic {
		t.Fatalf("expected one panic log entry, got %+v (err %v)", logs, err)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("panic while half-open should reopen the breaker, got %s", cb.GetState())
	}

	mock.panics = false
	mock.result = worker.Sent("ses", "ok")
	clock.Advance(30 * time.Second)

	second := enqueue()
	if _, err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	n, err := store.Get(ctx, second)
	if err != nil || n.Status != db.StatusSent {
		t.Fatalf("expected sent after recovery, got %+v (err %v)", n, err)
	}
}
