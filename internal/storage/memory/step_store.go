package memory

import (
	"context"
	"sort"
	"sync"

	"market-relayer/internal/domain"
	"market-relayer/internal/storage"
)

type stepKey struct {
	pipelineID string
	seq        int
}

// StepStore is an in-memory implementation of storage.StepStore.
type StepStore struct {
	mu   sync.RWMutex
	data map[stepKey]*domain.PipelineStep
}

// NewStepStore creates a new in-memory step store.
func NewStepStore() *StepStore {
	return &StepStore{
		data: make(map[stepKey]*domain.PipelineStep),
	}
}

// InsertBulk appends steps atomically. Fails entire batch on any duplicate.
func (s *StepStore) InsertBulk(_ context.Context, steps []*domain.PipelineStep) error {
	if len(steps) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[stepKey]bool, len(steps))
	for _, st := range steps {
		if st == nil || st.PipelineID == "" {
			return storage.ErrInvalidInput
		}
		key := stepKey{st.PipelineID, st.Seq}
		if _, exists := s.data[key]; exists || seen[key] {
			return storage.ErrDuplicateKey
		}
		seen[key] = true
	}

	for _, st := range steps {
		c := st.Clone()
		s.data[stepKey{st.PipelineID, st.Seq}] = &c
	}
	return nil
}

// GetByPipeline retrieves all steps of a pipeline, ordered by seq ASC.
func (s *StepStore) GetByPipeline(_ context.Context, pipelineID string) ([]*domain.PipelineStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PipelineStep
	for key, st := range s.data {
		if key.pipelineID == pipelineID {
			c := st.Clone()
			result = append(result, &c)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

var _ storage.StepStore = (*StepStore)(nil)
