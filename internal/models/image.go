package models

import (
	"errors"
	"fmt"
	"time"
)

// DefaultExt is the codec tag of every stored rendition.
const DefaultExt = "jpg"

// Validation errors returned by ProjectState.Validate and the state transitions.
var (
	ErrDanglingPrimary = errors.New("primary image is not a member of the project")
	ErrMissingPrimary  = errors.New("project has images but no primary image")
	ErrDuplicateImage  = errors.New("duplicate image id")
	ErrImageNotFound   = errors.New("image not found in project")
)

// ImageRecord is the durable description of one uploaded image.
type ImageRecord struct {
	ID        string    `json:"id"`
	Ext       string    `json:"ext"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectState is the per-project metadata document: the images in upload
// order and the id of the project's primary (cover) image.
type ProjectState struct {
	ProjectID      string        `json:"project_id"`
	PrimaryImageID *string       `json:"primary_image_id"`
	Images         []ImageRecord `json:"images"`
}

// NewProjectState returns the empty state a project has before its first upload.
func NewProjectState(projectID string) *ProjectState {
	return &ProjectState{
		ProjectID: projectID,
		Images:    []ImageRecord{},
	}
}

// Clone returns a deep copy of the state.
func (s *ProjectState) Clone() *ProjectState {
	c := &ProjectState{
		ProjectID: s.ProjectID,
		Images:    make([]ImageRecord, len(s.Images)),
	}
	copy(c.Images, s.Images)
	if s.PrimaryImageID != nil {
		id := *s.PrimaryImageID
		c.PrimaryImageID = &id
	}
	return c
}

// Primary returns the primary image id, or "" when the project is empty.
func (s *ProjectState) Primary() string {
	if s.PrimaryImageID == nil {
		return ""
	}
	return *s.PrimaryImageID
}

// IsPrimary reports whether id is the project's primary image.
func (s *ProjectState) IsPrimary(id string) bool {
	return s.PrimaryImageID != nil && *s.PrimaryImageID == id
}

// Find returns the record with the given id.
func (s *ProjectState) Find(id string) (ImageRecord, bool) {
	for _, img := range s.Images {
		if img.ID == id {
			return img, true
		}
	}
	return ImageRecord{}, false
}

// Has reports whether the project contains an image with the given id.
func (s *ProjectState) Has(id string) bool {
	_, ok := s.Find(id)
	return ok
}

// AddImage appends rec. The first image of an empty project becomes primary;
// otherwise the primary is left alone. Reports whether rec became primary.
func (s *ProjectState) AddImage(rec ImageRecord) (bool, error) {
	if s.Has(rec.ID) {
		return false, fmt.Errorf("add image %s: %w", rec.ID, ErrDuplicateImage)
	}
	wasEmpty := len(s.Images) == 0
	s.Images = append(s.Images, rec)
	if wasEmpty {
		id := rec.ID
		s.PrimaryImageID = &id
	}
	return wasEmpty, nil
}

// RemoveImage deletes the record with the given id. If it was the primary,
// the earliest remaining upload becomes primary, or none if the project is
// now empty. Returns the primary after removal ("" when none).
func (s *ProjectState) RemoveImage(id string) (string, error) {
	idx := -1
	for i, img := range s.Images {
		if img.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("remove image %s: %w", id, ErrImageNotFound)
	}

	s.Images = append(s.Images[:idx], s.Images[idx+1:]...)

	if s.IsPrimary(id) {
		if len(s.Images) > 0 {
			next := s.Images[0].ID
			s.PrimaryImageID = &next
		} else {
			s.PrimaryImageID = nil
		}
	}
	return s.Primary(), nil
}

// SetPrimary makes id the primary image regardless of the previous primary.
func (s *ProjectState) SetPrimary(id string) error {
	if !s.Has(id) {
		return fmt.Errorf("set primary %s: %w", id, ErrImageNotFound)
	}
	s.PrimaryImageID = &id
	return nil
}

// Validate checks the structural invariants of the state: unique ids, and a
// primary that is set exactly when there are images and names a member.
func (s *ProjectState) Validate() error {
	seen := make(map[string]struct{}, len(s.Images))
	for _, img := range s.Images {
		if img.ID == "" {
			return errors.New("image record with empty id")
		}
		if _, dup := seen[img.ID]; dup {
			return fmt.Errorf("image %s: %w", img.ID, ErrDuplicateImage)
		}
		seen[img.ID] = struct{}{}
	}

	if s.PrimaryImageID == nil {
		if len(s.Images) > 0 {
			return ErrMissingPrimary
		}
		return nil
	}
	if _, ok := seen[*s.PrimaryImageID]; !ok {
		return fmt.Errorf("primary %s: %w", *s.PrimaryImageID, ErrDanglingPrimary)
	}
	return nil
}
