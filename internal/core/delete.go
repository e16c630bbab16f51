package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/imgsrv/internal/models"
)

// DeleteResult describes a deletion. NewPrimary is empty when the project
// has no images left.
type DeleteResult struct {
	ProjectID      string
	DeletedImageID string
	NewPrimary     string
}

// Delete removes an image from its project. If it was the primary, the
// earliest remaining upload becomes primary. Rendition files are removed
// after the metadata is saved; a file that is already gone is not an error.
func (s *Service) Delete(ctx context.Context, projectID, imageID string) (*DeleteResult, error) {
	res, err := s.delete(ctx, projectID, imageID)
	s.observe("delete", projectID, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("image deleted", "project", projectID, "image", imageID, "new_primary", res.NewPrimary)
	s.notify(Event{Type: EventDelete, ProjectID: projectID, ImageID: imageID, PrimaryImageID: res.NewPrimary})
	return res, nil
}

func (s *Service) delete(ctx context.Context, projectID, imageID string) (*DeleteResult, error) {
	if err := validateProject(projectID); err != nil {
		return nil, err
	}
	if !models.ValidImageID(imageID) {
		return nil, fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}

	var res *DeleteResult
	err := s.withLock(ctx, "delete", projectID, func(ctx context.Context) error {
		state, err := s.meta.Load(ctx, projectID)
		if err != nil {
			return fmt.Errorf("load project %s: %w", projectID, err)
		}

		newPrimary, err := state.RemoveImage(imageID)
		if errors.Is(err, models.ErrImageNotFound) {
			return fmt.Errorf("image %s: %w", imageID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := s.meta.Save(ctx, projectID, state); err != nil {
			return fmt.Errorf("save project %s: %w", projectID, err)
		}

		for _, spec := range s.renditions {
			key := s.key(projectID, imageID, spec.Name)
			if err := s.blobs.Delete(ctx, key); err != nil {
				s.logger.Warn("delete rendition", "key", key.String(), "error", err)
			}
		}

		res = &DeleteResult{ProjectID: projectID, DeletedImageID: imageID, NewPrimary: newPrimary}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SetPrimary makes imageID the project's primary image and returns it.
func (s *Service) SetPrimary(ctx context.Context, projectID, imageID string) (string, error) {
	err := s.setPrimary(ctx, projectID, imageID)
	s.observe("set_primary", projectID, err)
	if err != nil {
		return "", err
	}

	s.logger.Info("primary changed", "project", projectID, "image", imageID)
	s.notify(Event{Type: EventSetPrimary, ProjectID: projectID, ImageID: imageID, PrimaryImageID: imageID})
	return imageID, nil
}

func (s *Service) setPrimary(ctx context.Context, projectID, imageID string) error {
	if err := validateProject(projectID); err != nil {
		return err
	}
	if !models.ValidImageID(imageID) {
		return fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}

	return s.withLock(ctx, "set_primary", projectID, func(ctx context.Context) error {
		state, err := s.meta.Load(ctx, projectID)
		if err != nil {
			return fmt.Errorf("load project %s: %w", projectID, err)
		}
		if err := state.SetPrimary(imageID); err != nil {
			if errors.Is(err, models.ErrImageNotFound) {
				return fmt.Errorf("image %s: %w", imageID, ErrNotFound)
			}
			return err
		}
		if err := s.meta.Save(ctx, projectID, state); err != nil {
			return fmt.Errorf("save project %s: %w", projectID, err)
		}
		return nil
	})
}
