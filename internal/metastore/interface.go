// Package metastore persists per-project image metadata.
//
// Stores do no locking of their own. Callers must hold the project's lock
// (see package lock) around every Load/Save pair.
package metastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/imgsrv/internal/models"
)

// ErrCorrupt is returned when durable metadata exists but cannot be parsed
// or violates the project invariants. It is never repaired automatically.
var ErrCorrupt = errors.New("corrupt project metadata")

// Store is the durable home of ProjectState documents.
type Store interface {
	// Load returns the project's state, or an empty state if the project has
	// never been saved. The returned value is owned by the caller.
	Load(ctx context.Context, projectID string) (*models.ProjectState, error)

	// Save replaces the project's state atomically.
	Save(ctx context.Context, projectID string, state *models.ProjectState) error

	// Exists reports whether any state has been saved for the project.
	Exists(ctx context.Context, projectID string) (bool, error)

	// ListProjects returns the ids of all saved projects in sorted order.
	ListProjects(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendBbolt  = "bbolt"
	BackendSQLite = "sqlite"
)

// Open creates the store for backend rooted at dataDir.
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "", BackendJSON:
		return NewJSONStore(dataDir)
	case BackendBbolt:
		return NewBboltStore(dataDir)
	case BackendSQLite:
		return NewSQLiteStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", backend)
	}
}

// checkLoaded validates a decoded state and stamps the project id on it.
func checkLoaded(projectID string, state *models.ProjectState) error {
	if state.ProjectID != "" && state.ProjectID != projectID {
		return fmt.Errorf("project %s: record belongs to %q: %w", projectID, state.ProjectID, ErrCorrupt)
	}
	state.ProjectID = projectID
	if state.Images == nil {
		state.Images = []models.ImageRecord{}
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("project %s: %v: %w", projectID, err, ErrCorrupt)
	}
	return nil
}

// checkSaving refuses to persist a state that violates the invariants.
func checkSaving(projectID string, state *models.ProjectState) error {
	if state == nil {
		return fmt.Errorf("save %s: nil state", projectID)
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("save %s: %w", projectID, err)
	}
	return nil
}
