package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// InMemoryStore keeps execution snapshots in process memory. Used for tests
// and single-node deployments without an archive backend.
type InMemoryStore struct {
	mu   sync.RWMutex
	byID map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string][]byte)}
}

func (s *InMemoryStore) Load(ctx context.Context, executionID string) (*ScenarioExecution, error) {
	s.mu.RLock()
	raw, ok := s.byID[executionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var exec ScenarioExecution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

func (s *InMemoryStore) Save(ctx context.Context, exec *ScenarioExecution) error {
	if exec == nil {
		return ErrNilExecution
	}
	if err := exec.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	s.mu.Lock()
	s.byID[exec.ID] = raw
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, executionID string) error {
	s.mu.Lock()
	delete(s.byID, executionID)
	s.mu.Unlock()
	return nil
}
