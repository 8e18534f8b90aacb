package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"A2A-Advisory/internal/capability"
	xerrors "A2A-Advisory/internal/errors"
)

func newPending(token string, expiresAt int64) *Confirmation {
	order := capability.Order{Symbol: "AAPL", Action: capability.ActionBuy, Quantity: 100}
	return &Confirmation{
		Token:         token,
		CorrelationID: "corr-1",
		Order:         order,
		Fingerprint:   OrderFingerprint(order),
		Status:        StatusAwaitingApproval,
		CreatedAt:     expiresAt - 300,
		ExpiresAt:     expiresAt,
	}
}

func TestMemoryStorePutAndGet(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })

	pending := newPending("cfm-1", now.Add(5*time.Minute).Unix())
	if err := store.Put(ctx, pending); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "cfm-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusAwaitingApproval {
		t.Fatalf("unexpected status %q", got.Status)
	}
	if got.Fingerprint != pending.Fingerprint {
		t.Fatal("fingerprint mismatch")
	}

	// 返回的是副本，调用方修改不应影响存储。
	got.Status = StatusRejected
	again, err := store.Get(ctx, "cfm-1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Status != StatusAwaitingApproval {
		t.Fatal("store entry mutated through returned copy")
	}
}

func TestMemoryStorePutDuplicateToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pending := newPending("cfm-dup", time.Now().Add(time.Minute).Unix())
	if err := store.Put(ctx, pending); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, pending); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemoryStoreTransitionCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Put(ctx, newPending("cfm-2", time.Now().Add(time.Minute).Unix())); err != nil {
		t.Fatalf("put: %v", err)
	}

	first, err := store.Transition(ctx, "cfm-2", StatusAwaitingApproval, StatusExecuting)
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if first.Status != StatusExecuting {
		t.Fatalf("unexpected status %q", first.Status)
	}

	// 第二次同样的 CAS 必须失败，并返回当前状态。
	observed, err := store.Transition(ctx, "cfm-2", StatusAwaitingApproval, StatusExecuting)
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected stale transition, got %v", err)
	}
	if observed == nil || observed.Status != StatusExecuting {
		t.Fatalf("expected observed executing state, got %+v", observed)
	}
}

func TestMemoryStoreCompleteRetainsOutcome(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })

	if err := store.Put(ctx, newPending("cfm-3", now.Add(time.Minute).Unix())); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Transition(ctx, "cfm-3", StatusAwaitingApproval, StatusExecuting); err != nil {
		t.Fatalf("transition: %v", err)
	}

	outcome := json.RawMessage(`{"status":"filled","confirmationId":"ex-1"}`)
	final, err := store.Complete(ctx, "cfm-3", StatusExecuted, outcome, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if final.Status != StatusExecuted {
		t.Fatalf("unexpected status %q", final.Status)
	}

	// 即使超过 TTL，已执行的结果仍可读取，支撑幂等回放。
	now = now.Add(time.Hour)
	got, err := store.Get(ctx, "cfm-3")
	if err != nil {
		t.Fatalf("get executed: %v", err)
	}
	if string(got.Outcome) != string(outcome) {
		t.Fatalf("unexpected outcome %s", got.Outcome)
	}
}

func TestMemoryStoreCompleteRequiresExecuting(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Put(ctx, newPending("cfm-4", time.Now().Add(time.Minute).Unix())); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Complete(ctx, "cfm-4", StatusExecuted, nil, ""); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected stale transition, got %v", err)
	}
	if _, err := store.Complete(ctx, "cfm-4", StatusRejected, nil, ""); xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected validation failure for non-execution terminal, got %v", err)
	}
}

func TestMemoryStoreLazyExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })

	if err := store.Put(ctx, newPending("cfm-5", now.Add(time.Minute).Unix())); err != nil {
		t.Fatalf("put: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "cfm-5"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired token, got %v", err)
	}
	if _, err := store.Transition(ctx, "cfm-5", StatusAwaitingApproval, StatusExecuting); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired token on transition, got %v", err)
	}
}

func TestMemoryStoreUnknownToken(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewTokenEmbedsCorrelation(t *testing.T) {
	token := NewToken("corr-9")
	if token == NewToken("corr-9") {
		t.Fatal("tokens must be unique")
	}
	if len(token) == 0 {
		t.Fatal("empty token")
	}
}

func TestOrderFingerprintStable(t *testing.T) {
	a := capability.Order{Symbol: "AAPL", Action: capability.ActionBuy, Quantity: 100}
	b := a
	if OrderFingerprint(a) != OrderFingerprint(b) {
		t.Fatal("identical orders must share a fingerprint")
	}
	b.Quantity = 101
	if OrderFingerprint(a) == OrderFingerprint(b) {
		t.Fatal("different orders must not collide")
	}
}
