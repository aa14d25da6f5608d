package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/virta/pkg/api"
)

func TestInMemoryStore_LeaseAcquireRenewRelease(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	acq, err := store.TryAcquireLease(ctx, "run-1", "worker-1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease: %v", err)
	}
	if !acq {
		t.Fatalf("expected acquired")
	}

	// Re-entrant for the same holder.
	again, err := store.TryAcquireLease(ctx, "run-1", "worker-1", 50*time.Millisecond)
	if err != nil || !again {
		t.Fatalf("expected re-acquire by same holder: acq=%v err=%v", again, err)
	}

	acq2, err := store.TryAcquireLease(ctx, "run-1", "worker-2", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease worker-2: %v", err)
	}
	if acq2 {
		t.Fatalf("expected not acquired while lease active")
	}

	if err := store.RenewLease(ctx, "run-1", "worker-1", 50*time.Millisecond); err != nil {
		t.Fatalf("RenewLease worker-1: %v", err)
	}

	if err := store.RenewLease(ctx, "run-1", "worker-2", 50*time.Millisecond); !errors.Is(err, api.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for worker-2, got %v", err)
	}

	holder, _, held, err := store.LeaseHolder(ctx, "run-1")
	if err != nil {
		t.Fatalf("LeaseHolder: %v", err)
	}
	if !held || holder != "worker-1" {
		t.Fatalf("expected holder worker-1, got held=%v holder=%q", held, holder)
	}

	if err := store.ReleaseLease(ctx, "run-1", "worker-1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}

	acq3, err := store.TryAcquireLease(ctx, "run-1", "worker-2", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease worker-2 after release: %v", err)
	}
	if !acq3 {
		t.Fatalf("expected worker-2 to acquire after release")
	}
}

func TestInMemoryStore_LeaseExpires(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	acq, err := store.TryAcquireLease(ctx, "run-1", "worker-1", 20*time.Millisecond)
	if err != nil || !acq {
		t.Fatalf("TryAcquireLease worker-1: acq=%v err=%v", acq, err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, _, held, _ := store.LeaseHolder(ctx, "run-1"); held {
		t.Fatalf("expected expired lease to be reported free")
	}

	acq2, err := store.TryAcquireLease(ctx, "run-1", "worker-2", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease worker-2: %v", err)
	}
	if !acq2 {
		t.Fatalf("expected worker-2 to acquire after expiry")
	}

	// The original holder's renew must fail once the lease moved on.
	if err := store.RenewLease(ctx, "run-1", "worker-1", 20*time.Millisecond); !errors.Is(err, api.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for worker-1, got %v", err)
	}
}

func TestInMemoryStore_ReleaseByNonHolderIsNoop(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if acq, err := store.TryAcquireLease(ctx, "run-1", "worker-1", time.Second); err != nil || !acq {
		t.Fatalf("TryAcquireLease: acq=%v err=%v", acq, err)
	}

	if err := store.ReleaseLease(ctx, "run-1", "worker-2"); err != nil {
		t.Fatalf("ReleaseLease by non-holder: %v", err)
	}

	holder, _, held, err := store.LeaseHolder(ctx, "run-1")
	if err != nil {
		t.Fatalf("LeaseHolder: %v", err)
	}
	if !held || holder != "worker-1" {
		t.Fatalf("expected worker-1 to still hold the lease, got held=%v holder=%q", held, holder)
	}
}
