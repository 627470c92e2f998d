package memory

import (
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"dammdash/internal/domain"
	"dammdash/internal/storage"
)

// partition is an insertion-ordered address-keyed set of pools.
type partition struct {
	order []solana.PublicKey
	pools map[solana.PublicKey]domain.PoolEntry
}

func newPartition() *partition {
	return &partition{pools: make(map[solana.PublicKey]domain.PoolEntry)}
}

func (p *partition) put(e domain.PoolEntry) {
	if _, ok := p.pools[e.Address]; !ok {
		p.order = append(p.order, e.Address)
	}
	p.pools[e.Address] = e
}

func (p *partition) remove(addr solana.PublicKey) bool {
	if _, ok := p.pools[addr]; !ok {
		return false
	}
	delete(p.pools, addr)
	for i, a := range p.order {
		if a == addr {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

func (p *partition) snapshot() []domain.PoolEntry {
	out := make([]domain.PoolEntry, 0, len(p.order))
	for _, a := range p.order {
		out = append(out, p.pools[a])
	}
	return out
}

// PoolStore is an in-memory implementation of storage.PoolStore.
type PoolStore struct {
	mu         sync.RWMutex
	partitions map[domain.Partition]*partition
}

// NewPoolStore creates a new in-memory pool store.
func NewPoolStore() *PoolStore {
	return &PoolStore{
		partitions: map[domain.Partition]*partition{
			domain.PartitionMain:    newPartition(),
			domain.PartitionNonMain: newPartition(),
		},
	}
}

// Put stores the pool in partition, moving it out of the other one if needed.
func (s *PoolStore) Put(part domain.Partition, entry domain.PoolEntry) error {
	if entry.Pool == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.partitions[part]
	if !ok {
		return storage.ErrInvalidInput
	}
	for name, p := range s.partitions {
		if name != part {
			p.remove(entry.Address)
		}
	}
	target.put(entry)
	return nil
}

// Get retrieves a pool and its partition. Returns ErrNotFound if not exists.
func (s *PoolStore) Get(address solana.PublicKey) (domain.PoolEntry, domain.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, p := range s.partitions {
		if e, ok := p.pools[address]; ok {
			return e, name, nil
		}
	}
	return domain.PoolEntry{}, "", storage.ErrNotFound
}

// Delete removes a pool from whichever partition holds it.
func (s *PoolStore) Delete(address solana.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.partitions {
		p.remove(address)
	}
}

// Snapshot returns a copy of the pools in partition in insertion order.
func (s *PoolStore) Snapshot(part domain.Partition) []domain.PoolEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partitions[part]
	if !ok {
		return nil
	}
	return p.snapshot()
}

// Len returns the number of pools in partition.
func (s *PoolStore) Len(part domain.Partition) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.partitions[part]; ok {
		return len(p.pools)
	}
	return 0
}

// Trim keeps the first limit pools of partition as ordered by less.
// The surviving pools keep that order.
func (s *PoolStore) Trim(part domain.Partition, limit int, less func(a, b domain.PoolEntry) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[part]
	if !ok {
		return
	}
	entries := p.snapshot()
	if less != nil {
		sort.SliceStable(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
	}
	if limit >= 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	next := newPartition()
	for _, e := range entries {
		next.put(e)
	}
	s.partitions[part] = next
}

// Reset replaces the contents of both partitions.
func (s *PoolStore) Reset(main, nonMain []domain.PoolEntry) {
	m, n := newPartition(), newPartition()
	for _, e := range main {
		m.put(e)
	}
	for _, e := range nonMain {
		if _, dup := m.pools[e.Address]; !dup {
			n.put(e)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions[domain.PartitionMain] = m
	s.partitions[domain.PartitionNonMain] = n
}

var _ storage.PoolStore = (*PoolStore)(nil)
