package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/imgsrv/internal/models"
	bolt "go.etcd.io/bbolt"
)

var bucketProjects = []byte("projects")

// BboltStore keeps every project's document in a single bbolt database.
// bbolt holds an exclusive lock on the database file while open, so only one
// process can use a BboltStore at a time.
type BboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens or creates <dataDir>/meta.db.
func NewBboltStore(dataDir string) (*BboltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create meta directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, "meta.db"), 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open meta database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketProjects); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketProjects, err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db}, nil
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load reads the project's document.
func (s *BboltStore) Load(_ context.Context, projectID string) (*models.ProjectState, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProjects).Get([]byte(projectID))
		if v != nil {
			// v is only valid inside the transaction.
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read metadata for %s: %w", projectID, err)
	}
	if data == nil {
		return models.NewProjectState(projectID), nil
	}

	state := &models.ProjectState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("project %s: unmarshal: %v: %w", projectID, err, ErrCorrupt)
	}
	if err := checkLoaded(projectID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Save replaces the project's document in one update transaction.
func (s *BboltStore) Save(_ context.Context, projectID string, state *models.ProjectState) error {
	if err := checkSaving(projectID, state); err != nil {
		return err
	}
	doc := state.Clone()
	doc.ProjectID = projectID

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", projectID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketProjects).Put([]byte(projectID), data); err != nil {
			return fmt.Errorf("store metadata for %s: %w", projectID, err)
		}
		return nil
	})
}

// Exists reports whether a document has been saved for the project.
func (s *BboltStore) Exists(_ context.Context, projectID string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketProjects).Get([]byte(projectID)) != nil
		return nil
	})
	return exists, err
}

// ListProjects returns all project ids. bbolt iterates keys in byte order.
func (s *BboltStore) ListProjects(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return ids, nil
}
