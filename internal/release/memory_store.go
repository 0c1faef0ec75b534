package release

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/voucherescrow/internal/chain"
)

// MemoryStore is an in-memory attempt journal for development mode and tests.
type MemoryStore struct {
	attempts map[uint64]*Attempt
	mu       sync.RWMutex
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[uint64]*Attempt),
		now:      time.Now,
	}
}

func (m *MemoryStore) Record(_ context.Context, a *Attempt) error {
	if err := validateAttempt(a); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	now := m.now()
	if prev, ok := m.attempts[a.ListingID]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	m.attempts[a.ListingID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, listingID uint64) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.attempts[listingID]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Attempt
	for _, a := range m.attempts {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if !f.After.Follows(a.UpdatedAt, a.ListingID) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ListingID < result[j].ListingID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit := f.limit(); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) MarkPending(_ context.Context, listingID uint64, action chain.Action, source Source) (bool, error) {
	if listingID == 0 {
		return false, ErrInvalidAttempt
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	prev, ok := m.attempts[listingID]
	if !ok {
		m.attempts[listingID] = &Attempt{
			ListingID: listingID,
			Action:    action,
			Status:    StatusPending,
			Source:    source,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return true, nil
	}
	if prev.Status == StatusInFlight || prev.Status == StatusSucceeded || prev.Terminal || prev.AwaitingReview(action) {
		return false, nil
	}
	prev.Action = action
	prev.Status = StatusPending
	prev.Source = source
	prev.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) Compact(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, a := range m.attempts {
		if a.Terminal && a.UpdatedAt.Before(before) {
			delete(m.attempts, id)
			n++
		}
	}
	return n, nil
}
