// Package core implements the image pipeline: upload, deletion, primary
// selection and reads of a project's images, plus operator maintenance.
//
// Every operation on a project runs inside that project's lock. Metadata is
// read, changed and saved within one lock section, so concurrent requests to
// the same project observe a total order and the primary invariant holds
// across processes sharing the storage tree.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kilupskalvis/imgsrv/internal/blobstore"
	"github.com/kilupskalvis/imgsrv/internal/imaging"
	"github.com/kilupskalvis/imgsrv/internal/lock"
	"github.com/kilupskalvis/imgsrv/internal/metastore"
	"github.com/kilupskalvis/imgsrv/internal/metrics"
	"github.com/kilupskalvis/imgsrv/internal/models"
)

// DefaultMaxUploadBytes bounds an upload when Options leaves it unset.
const DefaultMaxUploadBytes = 32 << 20

// Event types delivered to a Notifier.
const (
	EventUpload     = "upload"
	EventDelete     = "delete"
	EventSetPrimary = "set_primary"
)

// Event describes a committed change to a project.
type Event struct {
	Type           string
	ProjectID      string
	ImageID        string
	PrimaryImageID string
	Time           time.Time
}

// Notifier receives events after their change is durable. Notify must not
// block.
type Notifier interface {
	Notify(Event)
}

// Options configures a Service.
type Options struct {
	// Renditions is the catalogue rendered for every upload. Defaults to
	// models.DefaultRenditions(92, 85).
	Renditions []models.RenditionSpec
	// ScratchDir receives upload payloads before the lock is taken.
	ScratchDir     string
	MaxUploadBytes int64
	// MaxPixels rejects uploads whose declared width×height exceeds it.
	// Defaults to imaging.DefaultMaxPixels.
	MaxPixels int
	// Parallelism bounds how many projects maintenance walks at once.
	Parallelism int
	Notifier    Notifier
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service is the image pipeline over one storage tree.
type Service struct {
	meta  metastore.Store
	blobs blobstore.BlobStore
	locks lock.Locker

	renditions  []models.RenditionSpec
	byName      map[string]models.RenditionSpec
	scratchDir  string
	maxUpload   int64
	maxPixels   int
	parallelism int
	notifier    Notifier
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewService wires the pipeline to its stores and lock.
func NewService(meta metastore.Store, blobs blobstore.BlobStore, locks lock.Locker, opts Options) (*Service, error) {
	if meta == nil || blobs == nil || locks == nil {
		return nil, errors.New("core: metadata store, blob store and locker are required")
	}
	if opts.Renditions == nil {
		opts.Renditions = models.DefaultRenditions(92, 85)
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = imaging.DefaultMaxPixels
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	byName := make(map[string]models.RenditionSpec, len(opts.Renditions))
	for i, spec := range opts.Renditions {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate rendition %q", spec.Name)
		}
		// The canonical original must come first; derived renditions are
		// rendered from it.
		if (spec.Kind == models.KindOriginal) != (i == 0) {
			return nil, fmt.Errorf("rendition %q: the first rendition and only the first must be the original", spec.Name)
		}
		byName[spec.Name] = spec
	}
	if err := os.MkdirAll(opts.ScratchDir, 0755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	return &Service{
		meta:        meta,
		blobs:       blobs,
		locks:       locks,
		renditions:  opts.Renditions,
		byName:      byName,
		scratchDir:  opts.ScratchDir,
		maxUpload:   opts.MaxUploadBytes,
		maxPixels:   opts.MaxPixels,
		parallelism: opts.Parallelism,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
	}, nil
}

// Renditions returns the names of the catalogue in render order.
func (s *Service) Renditions() []string {
	return models.RenditionNames(s.renditions)
}

// Ping checks that the metadata store answers.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.meta.ListProjects(ctx)
	return err
}

// Projects lists every project with durable metadata.
func (s *Service) Projects(ctx context.Context) ([]string, error) {
	return s.meta.ListProjects(ctx)
}

// withLock runs fn inside the project's lock section. Once the lock is held
// fn runs to completion even if ctx is cancelled.
func (s *Service) withLock(ctx context.Context, op, projectID string, fn func(ctx context.Context) error) error {
	start := time.Now()
	h, err := s.locks.Acquire(ctx, projectID)
	s.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		if errors.Is(err, ErrBusy) {
			s.metrics.ObserveBusy(op)
			s.logger.Warn("project busy", "op", op, "project", projectID, "waited", time.Since(start))
		}
		return err
	}
	defer func() {
		if err := h.Release(); err != nil {
			s.logger.Warn("release project lock", "project", projectID, "error", err)
		}
	}()
	return fn(context.WithoutCancel(ctx))
}

// observe records an operation's outcome. Corrupt metadata is logged at
// error level because an operator has to act on it.
func (s *Service) observe(op, projectID string, err error) {
	s.metrics.ObserveOperation(op, resultLabel(err))
	if errors.Is(err, ErrCorruptMetadata) {
		s.logger.Error("corrupt project metadata", "op", op, "project", projectID, "error", err)
	}
}

func (s *Service) notify(ev Event) {
	if s.notifier == nil {
		return
	}
	ev.Time = s.now().UTC()
	s.notifier.Notify(ev)
}

func (s *Service) key(projectID, imageID, rendition string) blobstore.Key {
	return blobstore.Key{ProjectID: projectID, ImageID: imageID, Rendition: rendition}
}
