package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// MemoryPolicyStore is a process-local PolicyStore for single-node deployments and tests
type MemoryPolicyStore struct {
	mu          sync.Mutex
	state       models.PolicyState
	transitions []models.PolicyTransition
}

// NewMemoryPolicyStore creates a store holding initial
func NewMemoryPolicyStore(initial models.PolicyState) *MemoryPolicyStore {
	return &MemoryPolicyStore{state: initial}
}

func (s *MemoryPolicyStore) Get(_ context.Context) (*models.PolicyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state
	return &state, nil
}

func (s *MemoryPolicyStore) CompareAndSwap(_ context.Context, expectedVersion int64, next *models.PolicyState, transition *models.PolicyTransition) (*models.PolicyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Version != expectedVersion {
		return nil, models.ErrConcurrencyConflict
	}

	s.state = *next
	s.state.Version = expectedVersion + 1
	if transition != nil {
		transition.Version = s.state.Version
		s.transitions = append(s.transitions, *transition)
	}

	state := s.state
	return &state, nil
}

func (s *MemoryPolicyStore) ListTransitions(_ context.Context, from, to time.Time, limit int) ([]*models.PolicyTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.PolicyTransition, 0)
	for i := range s.transitions {
		t := s.transitions[i]
		if !t.OccurredAt.Before(from) && t.OccurredAt.Before(to) {
			out = append(out, &t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
