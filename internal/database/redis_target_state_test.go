package database

import (
	"context"
	"testing"
)

// All tests run the repository in memory-only mode; the Redis paths degrade
// to the same cache when the server is unreachable.

func TestTargetSnapshotMemoryFallback(t *testing.T) {
	repo := NewRedisTargetStateRepository(nil)
	ctx := context.Background()

	snap := &TargetSnapshot{
		TargetID:       "t1",
		Symbol:         "NEWUSDT",
		Status:         TargetStatusExecuting,
		CurrentRetries: 1,
		LastError:      "connection reset",
	}
	if err := repo.SaveTargetSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetTargetSnapshot(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Symbol != "NEWUSDT" || got.CurrentRetries != 1 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if got.SavedAt.IsZero() {
		t.Fatal("save must stamp the snapshot")
	}

	if err := repo.DeleteTargetSnapshot(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	got, err = repo.GetTargetSnapshot(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("snapshot should be gone, got %+v", got)
	}
}

func TestSaveNilSnapshotRejected(t *testing.T) {
	repo := NewRedisTargetStateRepository(nil)
	if err := repo.SaveTargetSnapshot(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil snapshot")
	}
}

func TestHaltFlagMemoryFallback(t *testing.T) {
	repo := NewRedisTargetStateRepository(nil)
	ctx := context.Background()

	if halted, _ := repo.IsHalted(ctx); halted {
		t.Fatal("fresh repository must not report halted")
	}

	if err := repo.SetHalted(ctx, true, "risk emergency"); err != nil {
		t.Fatal(err)
	}
	halted, reason := repo.IsHalted(ctx)
	if !halted || reason != "risk emergency" {
		t.Fatalf("expected halt with reason, got halted=%v reason=%q", halted, reason)
	}

	if err := repo.SetHalted(ctx, false, "recovered"); err != nil {
		t.Fatal(err)
	}
	if halted, _ := repo.IsHalted(ctx); halted {
		t.Fatal("halt should be cleared")
	}
}
