package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/imgsrv/internal/lock"
	"github.com/kilupskalvis/imgsrv/internal/metastore"
	"github.com/kilupskalvis/imgsrv/internal/models"
)

// Sentinel errors returned by Service operations. Callers match them with
// errors.Is; the wrapped message carries the detail.
var (
	// ErrInvalidInput is a malformed request: bad project id, a payload that
	// is not declared as an image, or an empty payload.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTooLarge is a payload over the configured upload limit.
	ErrTooLarge = errors.New("payload too large")
	// ErrUnsupportedImage is a payload that claims to be an image but
	// cannot be decoded.
	ErrUnsupportedImage = errors.New("unsupported image")
	// ErrNotFound is an unknown image or a missing rendition.
	ErrNotFound = errors.New("not found")
	// ErrBusy is a lock timeout. Nothing was changed; the caller may retry.
	ErrBusy = lock.ErrBusy
	// ErrCorruptMetadata is a durable record that cannot be trusted. It is
	// never repaired automatically.
	ErrCorruptMetadata = metastore.ErrCorrupt
)

func validateProject(projectID string) error {
	if !models.ValidProjectID(projectID) {
		return fmt.Errorf("%w: project id %q", ErrInvalidInput, projectID)
	}
	return nil
}

// resultLabel classifies err for metrics.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrUnsupportedImage):
		return "unsupported_image"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrCorruptMetadata):
		return "corrupt_metadata"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
