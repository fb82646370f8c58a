package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/usegenii/strand/pkg/models"
)

// FileStore persists one pretty-printed JSON file per session under a
// directory. Filenames are the session id sanitized to [A-Za-z0-9_-] with
// a ".json" suffix. The directory is created on first use.
type FileStore struct {
	dir string

	mkdir sync.Once
	err   error
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) ensureDir() error {
	s.mkdir.Do(func() {
		s.err = os.MkdirAll(s.dir, 0o755)
	})
	return s.err
}

// sanitizeID maps a session id to a safe filename stem: characters outside
// [A-Za-z0-9_-] become underscores.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, sanitizeID(sessionID)+".json")
}

// Save writes the checkpoint as pretty-printed UTF-8 JSON.
func (s *FileStore) Save(ctx context.Context, cp *models.AgentCheckpoint) error {
	if cp == nil || cp.Session.ID == "" {
		return fmt.Errorf("snapshot: checkpoint has no session id")
	}
	if err := s.ensureDir(); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(s.path(cp.Session.ID), data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint for the session id, or returns nil if absent.
func (s *FileStore) Load(ctx context.Context, sessionID string) (*models.AgentCheckpoint, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: read checkpoint: %w", err)
	}
	var cp models.AgentCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("snapshot: decode checkpoint %s: %w", sessionID, err)
	}
	return &cp, nil
}

// Delete removes the checkpoint file and reports whether one existed.
func (s *FileStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	err := os.Remove(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("snapshot: delete checkpoint: %w", err)
	}
	return true, nil
}

// List enumerates *.json files in the directory and strips the suffix.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: list checkpoints: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Exists reports whether a checkpoint file is present for the id.
func (s *FileStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	_, err := os.Stat(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
