// Package snapshot persists agent checkpoints keyed by session id.
package snapshot

import (
	"context"

	"github.com/usegenii/strand/pkg/models"
)

// Store persists agent checkpoints. Operations are independent per session
// id; concurrent saves for the same id are last-writer-wins.
//
// Load returns (nil, nil) when no checkpoint exists for the id: absence is
// an expected condition, not an error.
type Store interface {
	// Save persists the checkpoint under its session id, overwriting any
	// previous checkpoint for that id.
	Save(ctx context.Context, cp *models.AgentCheckpoint) error

	// Load returns the checkpoint for the session id, or nil if absent.
	Load(ctx context.Context, sessionID string) (*models.AgentCheckpoint, error)

	// Delete removes the checkpoint and reports whether one existed.
	Delete(ctx context.Context, sessionID string) (bool, error)

	// List returns the session ids with stored checkpoints.
	List(ctx context.Context) ([]string, error)

	// Exists reports whether a checkpoint is stored for the id.
	Exists(ctx context.Context, sessionID string) (bool, error)
}
