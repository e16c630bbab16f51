package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// GCResult contains the outcome of a garbage collection run.
type GCResult struct {
	ProjectID      string
	BlobsScanned   int
	BlobsDeleted   int
	ReferencedImgs int
}

// GarbageCollect removes renditions not referenced by the project's
// metadata: files of uploads that failed before their metadata was saved,
// and renditions no longer in the catalogue.
func (s *Service) GarbageCollect(ctx context.Context, projectID string) (*GCResult, error) {
	if err := validateProject(projectID); err != nil {
		return nil, err
	}

	result := &GCResult{ProjectID: projectID}
	err := s.withLock(ctx, "gc", projectID, func(ctx context.Context) error {
		state, err := s.meta.Load(ctx, projectID)
		if err != nil {
			return fmt.Errorf("load project %s: %w", projectID, err)
		}
		result.ReferencedImgs = len(state.Images)

		keys, err := s.blobs.List(ctx, projectID)
		if err != nil {
			return fmt.Errorf("list renditions: %w", err)
		}
		result.BlobsScanned = len(keys)

		for _, key := range keys {
			_, known := s.byName[key.Rendition]
			if known && state.Has(key.ImageID) {
				continue
			}
			if err := s.blobs.Delete(ctx, key); err != nil {
				s.logger.Warn("gc: failed to delete rendition", "key", key.String(), "error", err)
				continue
			}
			result.BlobsDeleted++
		}
		return nil
	})
	s.observe("gc", projectID, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("gc complete",
		"project", projectID,
		"scanned", result.BlobsScanned,
		"referenced_images", result.ReferencedImgs,
		"deleted", result.BlobsDeleted,
	)
	return result, nil
}

// GarbageCollectAll collects every project known to the metadata store or
// the rendition store. The latter catches projects whose first upload failed
// before any metadata was saved.
func (s *Service) GarbageCollectAll(ctx context.Context) ([]*GCResult, error) {
	ids, err := s.meta.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	stored, err := s.blobs.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rendition projects: %w", err)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range stored {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return collectOver(ctx, s, ids, s.GarbageCollect)
}

// CleanScratch removes upload scratch files older than maxAge, left behind
// by a process that exited mid-upload. Returns how many were removed.
func (s *Service) CleanScratch(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.scratchDir)
	if err != nil {
		return 0, fmt.Errorf("read scratch directory: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "upload-") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.scratchDir, e.Name())); err != nil {
			s.logger.Warn("gc: failed to remove scratch file", "name", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
