package models

import "fmt"

// RenditionKind selects how a rendition is derived from the canonical original.
type RenditionKind string

const (
	// KindOriginal is the canonical re-encode of the upload at full size.
	KindOriginal RenditionKind = "original"
	// KindFitWithin scales down, preserving aspect ratio, to fit a box.
	KindFitWithin RenditionKind = "fit_within"
	// KindFixedSquare center-crops to a square and scales to an exact size.
	KindFixedSquare RenditionKind = "fixed_square"
)

// Rendition names served by the API.
const (
	RenditionOriginal = "original"
	RenditionMedium   = "medium"
	RenditionThumb    = "thumb"
	RenditionGame     = "game"
)

// CoverRendition is the rendition served as a project's thumbnail.
const CoverRendition = RenditionThumb

// RenditionSpec describes one derived rendition.
type RenditionSpec struct {
	Name    string
	Kind    RenditionKind
	Width   int
	Height  int
	Quality int
}

// DefaultRenditions returns the rendition catalogue with the given JPEG
// qualities for the original and for the derived renditions.
func DefaultRenditions(originalQuality, derivedQuality int) []RenditionSpec {
	return []RenditionSpec{
		{Name: RenditionOriginal, Kind: KindOriginal, Quality: originalQuality},
		{Name: RenditionMedium, Kind: KindFitWithin, Width: 1600, Height: 1600, Quality: derivedQuality},
		{Name: RenditionThumb, Kind: KindFitWithin, Width: 400, Height: 400, Quality: derivedQuality},
		{Name: RenditionGame, Kind: KindFixedSquare, Width: 50, Height: 50, Quality: derivedQuality},
	}
}

// Validate checks that the rendition is usable by the generator.
func (r RenditionSpec) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rendition has no name")
	}
	if r.Quality < 1 || r.Quality > 100 {
		return fmt.Errorf("rendition %s: quality %d out of range 1-100", r.Name, r.Quality)
	}
	switch r.Kind {
	case KindOriginal:
	case KindFitWithin, KindFixedSquare:
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("rendition %s: size %dx%d must be positive", r.Name, r.Width, r.Height)
		}
	default:
		return fmt.Errorf("rendition %s: unknown kind %q", r.Name, r.Kind)
	}
	return nil
}

// RenditionNames returns the names of specs in order.
func RenditionNames(specs []RenditionSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}
