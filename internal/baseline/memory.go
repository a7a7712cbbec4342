package baseline

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Baselines keep insertion order, which
// is the catalog order seen by the resolver.
type MemoryStore struct {
	mu          sync.RWMutex
	baselines   []*ReferenceBaseline
	byID        map[string]*ReferenceBaseline
	hosts       map[string]*Host
	assignments map[string]map[Layer]string
}

// NewMemoryStore creates a new MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*ReferenceBaseline),
		hosts:       make(map[string]*Host),
		assignments: make(map[string]map[Layer]string),
	}
}

// PutBaseline adds b, or replaces the baseline with the same natural key
// or ID in place. A baseline replacing another by natural key takes over
// its ID.
func (s *MemoryStore) PutBaseline(ctx context.Context, b *ReferenceBaseline) error {
	if err := b.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.baselines {
		sameKey := existing.Key() == b.Key()
		if !sameKey && (b.ID == "" || existing.ID != b.ID) {
			continue
		}
		if sameKey {
			b.ID = existing.ID
		}
		delete(s.byID, existing.ID)
		s.baselines[i] = b
		s.byID[b.ID] = b
		return nil
	}

	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	s.baselines = append(s.baselines, b)
	s.byID[b.ID] = b
	return nil
}

func (s *MemoryStore) FindCandidates(ctx context.Context, query CandidateQuery) ([]*ReferenceBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ReferenceBaseline
	for _, b := range s.baselines {
		if query.Matches(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindByNamePrefix(ctx context.Context, layer Layer, prefix string) ([]*ReferenceBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ReferenceBaseline
	for _, b := range s.baselines {
		if b.Layer == layer && strings.HasPrefix(b.Name, prefix) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetAssignedBaseline(ctx context.Context, hostID string, layer Layer) (*ReferenceBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.assignments[hostID][layer]
	if !ok {
		return nil, ErrBaselineNotFound
	}
	b, ok := s.byID[id]
	if !ok {
		return nil, ErrBaselineNotFound
	}
	return b, nil
}

func (s *MemoryStore) SetAssignedBaseline(ctx context.Context, hostID string, layer Layer, b *ReferenceBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b == nil {
		delete(s.assignments[hostID], layer)
		return nil
	}
	if _, ok := s.byID[b.ID]; !ok {
		return ErrBaselineNotFound
	}
	if s.assignments[hostID] == nil {
		s.assignments[hostID] = make(map[Layer]string)
	}
	s.assignments[hostID][layer] = b.ID
	return nil
}

func (s *MemoryStore) GetHost(ctx context.Context, hostID string) (*Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.hosts[hostID]
	if !ok {
		return nil, ErrHostNotFound
	}
	return h, nil
}

func (s *MemoryStore) SaveHost(ctx context.Context, host *Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[host.ID] = host
	return nil
}

// ListHosts returns every registered host ID.
func (s *MemoryStore) ListHosts(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.hosts))
	for id := range s.hosts {
		ids = append(ids, id)
	}
	return ids, nil
}
