package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestIdempotency(t *testing.T) (*IdempotencyService, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}
	svc := NewIdempotencyService(client, zap.NewNop())

	return svc, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotency_CheckMissingKey(t *testing.T) {
	svc, cleanup := setupTestIdempotency(t)
	defer cleanup()

	result, err := svc.Check(context.Background(), "company-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatal("expected nil result for missing key")
	}
}

func TestIdempotency_StoreThenCheck(t *testing.T) {
	svc, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()
	stored := &IdempotencyResult{DispatchID: "abc-123", StatusCode: 202}

	if err := svc.Store(ctx, "company-1", "key-1", stored, time.Hour); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.Check(ctx, "company-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if result.DispatchID != "abc-123" || result.StatusCode != 202 {
		t.Errorf("unexpected cached result: %+v", result)
	}
	if result.CreatedAt == 0 {
		t.Error("expected created_at to be stamped")
	}
}

func TestIdempotency_ReserveBlocksConcurrentRequest(t *testing.T) {
	svc, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()

	reserved, err := svc.Reserve(ctx, "company-1", "key-1")
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if !reserved {
		t.Fatal("first reserve should succeed")
	}

	reserved, err = svc.Reserve(ctx, "company-1", "key-1")
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if reserved {
		t.Fatal("second reserve should fail")
	}

	// While the reservation is in flight, Check reports a duplicate.
	_, err = svc.Check(ctx, "company-1", "key-1")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestIdempotency_CheckOrReserve(t *testing.T) {
	svc, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()

	// Fresh key: reserved, no cached result.
	result, err := svc.CheckOrReserve(ctx, "company-1", "key-1")
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if result != nil {
		t.Fatal("fresh key should have no cached result")
	}

	// Same key again before Store: duplicate.
	_, err = svc.CheckOrReserve(ctx, "company-1", "key-1")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}

	// After the enqueue completes, the cached outcome is replayed.
	if err := svc.Store(ctx, "company-1", "key-1", &IdempotencyResult{DispatchID: "d-1", StatusCode: 202}, time.Hour); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	result, err = svc.CheckOrReserve(ctx, "company-1", "key-1")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if result == nil || result.DispatchID != "d-1" {
		t.Fatalf("expected replayed result, got %+v", result)
	}
}

func TestIdempotency_KeysAreCompanyScoped(t *testing.T) {
	svc, cleanup := setupTestIdempotency(t)
	defer cleanup()

	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "company-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// The same key under another company is independent.
	result, err := svc.CheckOrReserve(ctx, "company-2", "key-1")
	if err != nil {
		t.Fatalf("other company should not collide: %v", err)
	}
	if result != nil {
		t.Fatal("other company should have no cached result")
	}
}
