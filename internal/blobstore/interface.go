// Package blobstore stores rendition bytes keyed by project, image and
// rendition name.
//
// Renditions are write-once per image id: they are created by an upload or a
// regeneration and only ever deleted afterwards, never modified in place.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/kilupskalvis/imgsrv/internal/models"
)

// ErrBlobNotFound is returned when a requested rendition does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// Key addresses one rendition file.
type Key struct {
	ProjectID string
	ImageID   string
	Rendition string
}

// String returns the key's relative object path, <project>/<rendition>/<image>.jpg.
func (k Key) String() string {
	return path.Join(k.ProjectID, k.Rendition, k.ImageID+"."+models.DefaultExt)
}

// Validate rejects keys whose parts could escape the store's namespace.
func (k Key) Validate() error {
	if !models.ValidProjectID(k.ProjectID) {
		return fmt.Errorf("invalid project id %q", k.ProjectID)
	}
	if !models.ValidImageID(k.ImageID) {
		return fmt.Errorf("invalid image id %q", k.ImageID)
	}
	if !models.ValidProjectID(k.Rendition) {
		return fmt.Errorf("invalid rendition name %q", k.Rendition)
	}
	return nil
}

// BlobStore defines the contract for rendition storage.
type BlobStore interface {
	// Put stores a rendition, replacing any previous bytes atomically.
	Put(ctx context.Context, key Key, r io.Reader) error

	// Open returns a reader for a rendition.
	// Returns ErrBlobNotFound if it does not exist.
	Open(ctx context.Context, key Key) (io.ReadCloser, error)

	// Has checks whether a rendition exists.
	Has(ctx context.Context, key Key) (bool, error)

	// Delete removes a rendition. No error if it doesn't exist.
	Delete(ctx context.Context, key Key) error

	// List returns every rendition stored for a project.
	List(ctx context.Context, projectID string) ([]Key, error)

	// Projects returns the ids of projects that have stored renditions,
	// sorted. It finds renditions whose project has no metadata yet.
	Projects(ctx context.Context) ([]string, error)
}

// parseKey is the inverse of Key.String for a path relative to the store root.
func parseKey(rel string) (Key, bool) {
	dir, file := path.Split(rel)
	projectDir, rendition := path.Split(path.Clean(dir))
	projectID := path.Clean(projectDir)
	ext := path.Ext(file)
	if ext != "."+models.DefaultExt {
		return Key{}, false
	}
	k := Key{ProjectID: projectID, Rendition: rendition, ImageID: file[:len(file)-len(ext)]}
	if k.Validate() != nil {
		return Key{}, false
	}
	return k, true
}

// Backend names accepted by Open.
const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// Open constructs the rendition store for a backend. The fs backend roots
// itself at dir; the s3 backend uses s3cfg and ignores dir.
func Open(ctx context.Context, backend, dir string, s3cfg S3Config) (BlobStore, error) {
	switch backend {
	case "", BackendFS:
		return NewFSStore(dir)
	case BackendS3:
		return NewS3Store(ctx, s3cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
