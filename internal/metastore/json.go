package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kilupskalvis/imgsrv/internal/models"
)

const metaFileName = "meta.json"

// JSONStore keeps one JSON document per project at
// <root>/projects/<project>/meta.json.
type JSONStore struct {
	root string
}

// NewJSONStore creates a JSON-file store under dataDir.
func NewJSONStore(dataDir string) (*JSONStore, error) {
	root := filepath.Join(dataDir, "projects")
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create projects directory: %w", err)
	}
	return &JSONStore{root: root}, nil
}

// Load reads the project's document.
func (s *JSONStore) Load(_ context.Context, projectID string) (*models.ProjectState, error) {
	data, err := os.ReadFile(s.metaPath(projectID))
	if errors.Is(err, os.ErrNotExist) {
		return models.NewProjectState(projectID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata for %s: %w", projectID, err)
	}

	state := &models.ProjectState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("project %s: parse %s: %v: %w", projectID, metaFileName, err, ErrCorrupt)
	}
	if err := checkLoaded(projectID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Save writes the document to a temp file in the same directory, syncs it
// and renames it over the previous version, so readers only ever see a
// complete document.
func (s *JSONStore) Save(_ context.Context, projectID string, state *models.ProjectState) error {
	if err := checkSaving(projectID, state); err != nil {
		return err
	}
	doc := state.Clone()
	doc.ProjectID = projectID

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", projectID, err)
	}

	dir := filepath.Join(s.root, projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create project directory: %w", err)
	}
	return writeFileAtomic(dir, metaFileName, data)
}

// Exists reports whether a document has been saved for the project.
func (s *JSONStore) Exists(_ context.Context, projectID string) (bool, error) {
	_, err := os.Stat(s.metaPath(projectID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat metadata for %s: %w", projectID, err)
	}
	return true, nil
}

// ListProjects returns the projects that have a document.
func (s *JSONStore) ListProjects(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.metaPath(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) metaPath(projectID string) string {
	return filepath.Join(s.root, projectID, metaFileName)
}

// writeFileAtomic replaces dir/name with data via temp file + rename.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", name, err)
	}

	// Persist the rename itself. Not all platforms allow syncing a directory.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
