package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/usegenii/strand/pkg/models"
)

// MemoryStore keeps checkpoints in process memory. Checkpoints are deep-
// cloned on both save and load so callers can never mutate stored state
// through a retained pointer.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*models.AgentCheckpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*models.AgentCheckpoint)}
}

// Save stores a deep clone of the checkpoint.
func (s *MemoryStore) Save(ctx context.Context, cp *models.AgentCheckpoint) error {
	if cp == nil || cp.Session.ID == "" {
		return fmt.Errorf("snapshot: checkpoint has no session id")
	}
	clone, err := cp.Clone()
	if err != nil {
		return fmt.Errorf("snapshot: clone checkpoint: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.Session.ID] = clone
	return nil
}

// Load returns a deep clone of the stored checkpoint, or nil if absent.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*models.AgentCheckpoint, error) {
	s.mu.RLock()
	cp, ok := s.checkpoints[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	clone, err := cp.Clone()
	if err != nil {
		return nil, fmt.Errorf("snapshot: clone checkpoint: %w", err)
	}
	return clone, nil
}

// Delete removes the checkpoint and reports whether one existed.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[sessionID]; !ok {
		return false, nil
	}
	delete(s.checkpoints, sessionID)
	return true, nil
}

// List returns stored session ids in sorted order.
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.checkpoints))
	for id := range s.checkpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Exists reports whether a checkpoint is stored for the id.
func (s *MemoryStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.checkpoints[sessionID]
	return ok, nil
}
