package memory

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"dammdash/internal/cpamm"
	"dammdash/internal/domain"
	"dammdash/internal/storage"
)

func entry(activation uint64) domain.PoolEntry {
	return domain.PoolEntry{
		Address: solana.NewWallet().PublicKey(),
		Pool:    &cpamm.Pool{ActivationPoint: activation},
	}
}

func TestPoolStore_PutMovesBetweenPartitions(t *testing.T) {
	store := NewPoolStore()
	e := entry(1)

	if err := store.Put(domain.PartitionMain, e); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(domain.PartitionNonMain, e); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if store.Len(domain.PartitionMain) != 0 {
		t.Errorf("main partition should be empty, got %d", store.Len(domain.PartitionMain))
	}
	if store.Len(domain.PartitionNonMain) != 1 {
		t.Errorf("non-main partition should hold the pool, got %d", store.Len(domain.PartitionNonMain))
	}

	_, part, err := store.Get(e.Address)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if part != domain.PartitionNonMain {
		t.Errorf("partition: got %s, want NON_MAIN", part)
	}
}

func TestPoolStore_PutReplacesInPlace(t *testing.T) {
	store := NewPoolStore()
	a, b := entry(1), entry(2)
	_ = store.Put(domain.PartitionMain, a)
	_ = store.Put(domain.PartitionMain, b)

	updated := domain.PoolEntry{Address: a.Address, Pool: &cpamm.Pool{ActivationPoint: 99}}
	_ = store.Put(domain.PartitionMain, updated)

	snap := store.Snapshot(domain.PartitionMain)
	if len(snap) != 2 {
		t.Fatalf("expected 2 pools, got %d", len(snap))
	}
	if snap[0].Address != a.Address || snap[0].Pool.ActivationPoint != 99 {
		t.Error("update should keep insertion position and replace the pool")
	}
}

func TestPoolStore_Delete(t *testing.T) {
	store := NewPoolStore()
	e := entry(1)
	_ = store.Put(domain.PartitionMain, e)

	store.Delete(e.Address)

	if _, _, err := store.Get(e.Address); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPoolStore_Trim(t *testing.T) {
	store := NewPoolStore()
	for _, act := range []uint64{5, 1, 4, 2, 3} {
		_ = store.Put(domain.PartitionNonMain, entry(act))
	}

	newestFirst := func(a, b domain.PoolEntry) bool {
		return a.Pool.ActivationPoint > b.Pool.ActivationPoint
	}
	store.Trim(domain.PartitionNonMain, 3, newestFirst)

	snap := store.Snapshot(domain.PartitionNonMain)
	if len(snap) != 3 {
		t.Fatalf("expected 3 pools, got %d", len(snap))
	}
	for i, want := range []uint64{5, 4, 3} {
		if snap[i].Pool.ActivationPoint != want {
			t.Errorf("snap[%d]: got %d, want %d", i, snap[i].Pool.ActivationPoint, want)
		}
	}
}

func TestPoolStore_SnapshotIsCopy(t *testing.T) {
	store := NewPoolStore()
	_ = store.Put(domain.PartitionMain, entry(1))

	snap := store.Snapshot(domain.PartitionMain)
	snap[0] = entry(7)

	if store.Snapshot(domain.PartitionMain)[0].Pool.ActivationPoint != 1 {
		t.Error("Snapshot should return a copy")
	}
}

func TestPoolStore_Reset(t *testing.T) {
	store := NewPoolStore()
	_ = store.Put(domain.PartitionMain, entry(1))

	shared := entry(2)
	store.Reset([]domain.PoolEntry{shared}, []domain.PoolEntry{shared, entry(3)})

	if store.Len(domain.PartitionMain) != 1 || store.Len(domain.PartitionNonMain) != 1 {
		t.Errorf("unexpected sizes main=%d nonMain=%d",
			store.Len(domain.PartitionMain), store.Len(domain.PartitionNonMain))
	}
}

func TestPoolStore_InvalidInput(t *testing.T) {
	store := NewPoolStore()

	if err := store.Put(domain.PartitionMain, domain.PoolEntry{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for nil pool, got %v", err)
	}
	if err := store.Put("OTHER", entry(1)); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for unknown partition, got %v", err)
	}
}
