package core

import (
	"context"
	"errors"
	"fmt"
)

// CheckResult reports the health of one project.
type CheckResult struct {
	ProjectID string
	Images    int
	// MissingRenditions counts catalogue renditions absent from the blob
	// store. They can be rebuilt with Regenerate while the original exists.
	MissingRenditions int
	// Err is set when the project could not be loaded; it wraps
	// ErrCorruptMetadata for an untrusted record.
	Err error
}

// Check loads every project and counts its missing renditions. A failing
// project is reported in its result and does not stop the walk. Nothing is
// repaired.
func (s *Service) Check(ctx context.Context) ([]CheckResult, error) {
	results, err := collect(ctx, s, func(ctx context.Context, projectID string) (CheckResult, error) {
		r := CheckResult{ProjectID: projectID}
		r.Err = s.withLock(ctx, "check", projectID, func(ctx context.Context) error {
			state, err := s.meta.Load(ctx, projectID)
			if err != nil {
				return err
			}
			r.Images = len(state.Images)
			for _, img := range state.Images {
				for _, spec := range s.renditions {
					has, err := s.blobs.Has(ctx, s.key(projectID, img.ID, spec.Name))
					if err != nil {
						return fmt.Errorf("stat rendition: %w", err)
					}
					if !has {
						r.MissingRenditions++
					}
				}
			}
			return nil
		})
		if r.Err != nil {
			s.observe("check", projectID, r.Err)
		}
		// Cancellation of the walk itself still stops it.
		if errors.Is(r.Err, context.Canceled) {
			return r, r.Err
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
