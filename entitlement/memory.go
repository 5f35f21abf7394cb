package entitlement

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the ledger in process memory. It does not survive restarts and is
// meant for tests and local runs.
type MemoryStore struct {
	mu   sync.Mutex
	data map[Key]Entitlement
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Key]Entitlement)}
}

func (s *MemoryStore) Get(_ context.Context, subjectID int64, resourceID string) (*Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[Key{SubjectID: subjectID, ResourceID: resourceID}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) Put(_ context.Context, e Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[e.Key()] = e
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, subjectID int64, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, Key{SubjectID: subjectID, ResourceID: resourceID})
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) iter.Seq2[Entitlement, error] {
	return ScanExpired(ctx, now, s.List)
}

func (s *MemoryStore) List(_ context.Context) ([]Entitlement, error) {
	s.mu.Lock()
	out := make([]Entitlement, 0, len(s.data))
	for _, e := range s.data {
		out = append(out, e)
	}
	s.mu.Unlock()
	SortEntitlements(out)
	return out, nil
}

// SortEntitlements orders by subject, then resource.
func SortEntitlements(list []Entitlement) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].SubjectID != list[j].SubjectID {
			return list[i].SubjectID < list[j].SubjectID
		}
		return list[i].ResourceID < list[j].ResourceID
	})
}
