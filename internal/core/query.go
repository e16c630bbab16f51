package core

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kilupskalvis/imgsrv/internal/blobstore"
	"github.com/kilupskalvis/imgsrv/internal/models"
)

// ImageView is an image record as seen by readers.
type ImageView struct {
	models.ImageRecord
	IsPrimary bool
}

// List returns the project's images in upload order. A project that was
// never written has no images.
func (s *Service) List(ctx context.Context, projectID string) ([]ImageView, error) {
	if err := validateProject(projectID); err != nil {
		return nil, err
	}

	var views []ImageView
	err := s.withLock(ctx, "list", projectID, func(ctx context.Context) error {
		state, err := s.meta.Load(ctx, projectID)
		if err != nil {
			return fmt.Errorf("load project %s: %w", projectID, err)
		}
		views = make([]ImageView, 0, len(state.Images))
		for _, img := range state.Images {
			views = append(views, ImageView{ImageRecord: img, IsPrimary: state.IsPrimary(img.ID)})
		}
		return nil
	})
	s.observe("list", projectID, err)
	if err != nil {
		return nil, err
	}
	return views, nil
}

// Cover opens the cover rendition of the project's primary image and
// returns it with the primary's id.
func (s *Service) Cover(ctx context.Context, projectID string) (io.ReadCloser, string, error) {
	if err := validateProject(projectID); err != nil {
		return nil, "", err
	}

	var primary string
	err := s.withLock(ctx, "cover", projectID, func(ctx context.Context) error {
		state, err := s.meta.Load(ctx, projectID)
		if err != nil {
			return fmt.Errorf("load project %s: %w", projectID, err)
		}
		primary = state.Primary()
		if primary == "" {
			return fmt.Errorf("project %s has no images: %w", projectID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		s.observe("cover", projectID, err)
		return nil, "", err
	}

	rc, err := s.open(ctx, s.key(projectID, primary, models.CoverRendition))
	s.observe("cover", projectID, err)
	if err != nil {
		return nil, "", err
	}
	return rc, primary, nil
}

// Rendition opens one rendition of an image. The membership check runs
// under the lock; the bytes are read outside it, since renditions are never
// rewritten and a concurrent delete shows up as ErrNotFound.
func (s *Service) Rendition(ctx context.Context, projectID, imageID, name string) (io.ReadCloser, error) {
	if err := validateProject(projectID); err != nil {
		return nil, err
	}
	if _, ok := s.byName[name]; !ok {
		return nil, fmt.Errorf("%w: unknown rendition %q", ErrInvalidInput, name)
	}
	if !models.ValidImageID(imageID) {
		return nil, fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}

	err := s.withLock(ctx, "rendition", projectID, func(ctx context.Context) error {
		state, err := s.meta.Load(ctx, projectID)
		if err != nil {
			return fmt.Errorf("load project %s: %w", projectID, err)
		}
		if !state.Has(imageID) {
			return fmt.Errorf("image %s: %w", imageID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		s.observe("rendition", projectID, err)
		return nil, err
	}

	rc, err := s.open(ctx, s.key(projectID, imageID, name))
	s.observe("rendition", projectID, err)
	return rc, err
}

func (s *Service) open(ctx context.Context, key blobstore.Key) (io.ReadCloser, error) {
	rc, err := s.blobs.Open(ctx, key)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, fmt.Errorf("rendition %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rc, nil
}
