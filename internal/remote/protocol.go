// Package remote defines the wire types and the HTTP client for an imgsrv server.
package remote

import "time"

// UploadResponse is returned by a successful upload.
type UploadResponse struct {
	ImageID   string            `json:"image_id"`
	ProjectID string            `json:"project_id"`
	IsPrimary bool              `json:"is_primary"`
	URLs      map[string]string `json:"urls"`
}

// ImageResponse is one entry of a project's image list, in upload order.
type ImageResponse struct {
	ImageID   string            `json:"image_id"`
	IsPrimary bool              `json:"is_primary"`
	CreatedAt time.Time         `json:"created_at"`
	URLs      map[string]string `json:"urls"`
}

// DeleteResponse is returned by a successful delete. NewPrimary is null
// when the project has no images left.
type DeleteResponse struct {
	OK             bool    `json:"ok"`
	ProjectID      string  `json:"project_id"`
	DeletedImageID string  `json:"deleted_image_id"`
	NewPrimary     *string `json:"new_primary"`
}

// PrimaryResponse is returned by a successful primary change.
type PrimaryResponse struct {
	OK             bool   `json:"ok"`
	ProjectID      string `json:"project_id"`
	PrimaryImageID string `json:"primary_image_id"`
}

// ErrorResponse is the structured error format returned by the server.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error codes used in ErrorResponse.
const (
	CodeInvalidInput     = "invalid_input"
	CodeUnsupportedImage = "unsupported_image"
	CodeTooLarge         = "too_large"
	CodeNotFound         = "not_found"
	CodeBusy             = "busy"
	CodeCorruptMetadata  = "corrupt_metadata"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal_error"
)
