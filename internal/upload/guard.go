package upload

import (
	"errors"
	"mime"
	"strings"

	"mangoscan/pkg/domain"
)

// DefaultMaxBytes is applied when no positive limit is configured.
const DefaultMaxBytes int64 = 10 * 1024 * 1024

const imageTypePrefix = "image/"

var (
	// ErrMissingFile indicates no file part (or an empty one) was supplied.
	ErrMissingFile = errors.New("image file is required")
	// ErrUnsupportedMediaType indicates the declared content type is not image/*.
	ErrUnsupportedMediaType = errors.New("only image files are allowed")
	// ErrPayloadTooLarge indicates the file exceeds the configured limit.
	ErrPayloadTooLarge = errors.New("image file too large")
)

// Validate gates an upload before any network or storage work.
// Checks run presence, then content type, then size; the first failure wins.
// The payload is returned unchanged.
func Validate(img *domain.UploadedImage, maxBytes int64) (domain.UploadedImage, error) {
	if img == nil || len(img.Data) == 0 {
		return domain.UploadedImage{}, ErrMissingFile
	}
	if !IsImageType(img.ContentType) {
		return domain.UploadedImage{}, ErrUnsupportedMediaType
	}
	if img.Size() > NormalizeMaxBytes(maxBytes) {
		return domain.UploadedImage{}, ErrPayloadTooLarge
	}
	return *img, nil
}

// IsImageType reports whether a declared content type belongs to the image/ family.
func IsImageType(contentType string) bool {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return false
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	return strings.HasPrefix(strings.ToLower(contentType), imageTypePrefix)
}

// NormalizeMaxBytes falls back to DefaultMaxBytes for non-positive limits.
func NormalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return DefaultMaxBytes
	}
	return value
}
