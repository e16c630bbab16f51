package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilupskalvis/imgsrv/internal/models"
)

// FSStore implements BlobStore using the local filesystem.
// Renditions live at <root>/<project>/<rendition>/<image>.jpg.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed store rooted at the given directory.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Has checks whether a rendition exists.
func (s *FSStore) Has(_ context.Context, key Key) (bool, error) {
	if key.Validate() != nil {
		return false, nil
	}
	_, err := os.Stat(s.blobPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", key, err)
	}
	return true, nil
}

// Open opens a rendition for reading.
// Returns ErrBlobNotFound if the rendition does not exist.
func (s *FSStore) Open(_ context.Context, key Key) (io.ReadCloser, error) {
	if key.Validate() != nil {
		return nil, ErrBlobNotFound
	}
	f, err := os.Open(s.blobPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	return f, nil
}

// Put writes r to a temp file in the destination directory and renames it
// into place, so a reader never observes a partial rendition.
func (s *FSStore) Put(_ context.Context, key Key, r io.Reader) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	blobPath := s.blobPath(key)

	dir := filepath.Dir(blobPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write blob data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename blob: %w", err)
	}

	return nil
}

// Delete removes a rendition. A missing file is not an error.
func (s *FSStore) Delete(_ context.Context, key Key) error {
	if key.Validate() != nil {
		return nil
	}
	if err := os.Remove(s.blobPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// List returns the renditions stored for a project by walking its directory.
func (s *FSStore) List(_ context.Context, projectID string) ([]Key, error) {
	var keys []Key

	projectRoot := filepath.Join(s.root, projectID)
	err := filepath.WalkDir(projectRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		if k, ok := parseKey(filepath.ToSlash(rel)); ok && k.ProjectID == projectID {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs for %s: %w", projectID, err)
	}

	return keys, nil
}

// Projects lists the project directories under the store root.
func (s *FSStore) Projects(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && models.ValidProjectID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// blobPath returns the filesystem path for a rendition.
func (s *FSStore) blobPath(key Key) string {
	return filepath.Join(s.root, filepath.FromSlash(key.String()))
}
