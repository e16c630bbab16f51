// Package models defines the image metadata types shared by the store,
// the pipeline and the HTTP layer.
package models

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	validImageID   = regexp.MustCompile(`^[0-9a-f]{32}$`)
	validProjectID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
)

// NewImageID returns a fresh random 128-bit id as 32 lowercase hex characters.
func NewImageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidImageID reports whether id has the shape produced by NewImageID.
func ValidImageID(id string) bool {
	return validImageID.MatchString(id)
}

// ValidProjectID reports whether id is safe to use as a storage path component.
func ValidProjectID(id string) bool {
	if id == "." || id == ".." {
		return false
	}
	return validProjectID.MatchString(id)
}
