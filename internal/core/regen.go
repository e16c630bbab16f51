package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/imgsrv/internal/imaging"
	"github.com/kilupskalvis/imgsrv/internal/models"
	"golang.org/x/sync/errgroup"
)

// RegenResult contains the outcome of regenerating one project.
type RegenResult struct {
	ProjectID string
	Images    int
	Generated int
	// MissingOriginals lists images whose original rendition is gone and
	// which therefore cannot be regenerated.
	MissingOriginals []string
}

// Regenerate re-derives the project's missing renditions from each image's
// stored original. With force, every derived rendition is rewritten.
func (s *Service) Regenerate(ctx context.Context, projectID string, force bool) (*RegenResult, error) {
	if err := validateProject(projectID); err != nil {
		return nil, err
	}

	res := &RegenResult{ProjectID: projectID}
	err := s.withLock(ctx, "regenerate", projectID, func(ctx context.Context) error {
		state, err := s.meta.Load(ctx, projectID)
		if err != nil {
			return fmt.Errorf("load project %s: %w", projectID, err)
		}
		res.Images = len(state.Images)

		for _, img := range state.Images {
			n, err := s.regenerateImage(ctx, projectID, img.ID, force)
			if errors.Is(err, ErrNotFound) {
				s.logger.Warn("regenerate: original missing", "project", projectID, "image", img.ID)
				res.MissingOriginals = append(res.MissingOriginals, img.ID)
				continue
			}
			if err != nil {
				return fmt.Errorf("regenerate image %s: %w", img.ID, err)
			}
			res.Generated += n
		}
		return nil
	})
	s.observe("regenerate", projectID, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("regenerate complete",
		"project", projectID,
		"images", res.Images,
		"generated", res.Generated,
		"missing_originals", len(res.MissingOriginals),
	)
	return res, nil
}

// RegenerateAll regenerates every project.
func (s *Service) RegenerateAll(ctx context.Context, force bool) ([]*RegenResult, error) {
	return collect(ctx, s, func(ctx context.Context, projectID string) (*RegenResult, error) {
		return s.Regenerate(ctx, projectID, force)
	})
}

// regenerateImage renders the derived renditions of one image that are
// missing (or all of them with force). Returns how many were written.
func (s *Service) regenerateImage(ctx context.Context, projectID, imageID string, force bool) (int, error) {
	var todo []models.RenditionSpec
	for _, spec := range s.renditions {
		if spec.Kind == models.KindOriginal {
			continue
		}
		if !force {
			has, err := s.blobs.Has(ctx, s.key(projectID, imageID, spec.Name))
			if err != nil {
				return 0, err
			}
			if has {
				continue
			}
		}
		todo = append(todo, spec)
	}
	if len(todo) == 0 {
		return 0, nil
	}

	rc, err := s.open(ctx, s.key(projectID, imageID, s.renditions[0].Name))
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	src, _, err := imaging.Decode(rc, s.maxPixels)
	if err != nil {
		return 0, fmt.Errorf("decode original: %w", err)
	}

	written, err := s.renderAll(ctx, projectID, imageID, src, todo, nil)
	return len(written), err
}

// collect runs fn for every project with metadata.
func collect[T any](ctx context.Context, s *Service, fn func(ctx context.Context, projectID string) (T, error)) ([]T, error) {
	ids, err := s.meta.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	return collectOver(ctx, s, ids, fn)
}

// collectOver runs fn for each of ids, at most Parallelism at a time, and
// gathers the results in ids order. A failing fn cancels the rest.
func collectOver[T any](ctx context.Context, s *Service, ids []string, fn func(ctx context.Context, projectID string) (T, error)) ([]T, error) {
	results := make([]T, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, id := range ids {
		g.Go(func() error {
			r, err := fn(ctx, id)
			if err != nil {
				return fmt.Errorf("project %s: %w", id, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
