package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "caller-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateInFlight(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "caller-1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "caller-1", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReserveStoreCheck(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	reserved, err := svc.Reserve(ctx, "caller-1", "key-1")
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}

	if err := svc.Store(ctx, "caller-1", "key-1", &IdempotencyResult{
		NotificationID: "n-789",
		StatusCode:     201,
	}, IdempotencyTTLExact); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "caller-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.NotificationID != "n-789" || cached.StatusCode != 201 {
		t.Fatalf("unexpected cached result %+v", cached)
	}
	if cached.CreatedAt == 0 {
		t.Error("created_at should be stamped")
	}
}

func TestIdempotencyService_StoredResultExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if err := svc.Store(ctx, "caller-1", "key-1", &IdempotencyResult{NotificationID: "n-1"}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	mr.FastForward(IdempotencyTTL + time.Second)

	result, err := svc.Check(ctx, "caller-1", "key-1")
	if err != nil || result != nil {
		t.Fatalf("expected expired key, got %+v, %v", result, err)
	}
}

func TestIdempotencyService_CallerIsolation(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "caller-A", "same-key"); err != nil {
		t.Fatalf("caller A failed: %v", err)
	}
	result, err := svc.CheckOrReserve(ctx, "caller-B", "same-key")
	if err != nil || result != nil {
		t.Fatalf("caller B should get a fresh reservation: %+v, %v", result, err)
	}
}

func TestIdempotencyService_Release(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "caller-1", "key-1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Release(ctx, "caller-1", "key-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CheckOrReserve(ctx, "caller-1", "key-1"); err != nil {
		t.Fatalf("released key should be reservable again: %v", err)
	}
}

func TestIdempotencyService_CorruptPayload(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	mr.Set("idempotency:caller-1:key-1", "{not json")
	if _, err := svc.Check(context.Background(), "caller-1", "key-1"); err == nil {
		t.Fatal("expected decode error")
	}
}
