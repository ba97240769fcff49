package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"mangoscan/pkg/domain"
)

// newRecord builds the record to persist for one classification. Ids are
// UUIDv7, so they sort in creation order like the timestamps.
func newRecord(ownerID, filename string, result domain.ClassificationResult, createdAt time.Time) (domain.AnalysisRecord, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.AnalysisRecord{}, fmt.Errorf("%w: owner id required", ErrPersistence)
	}
	modelVersion := strings.TrimSpace(result.ModelVersion)
	if modelVersion == "" {
		modelVersion = domain.DefaultModelVersion
	}
	id, err := uuid.NewV7()
	if err != nil {
		return domain.AnalysisRecord{}, wrapPersistence("generate id", err)
	}
	return domain.AnalysisRecord{
		ID:                id.String(),
		UserID:            ownerID,
		Filename:          cleanFilename(filename),
		Diagnosis:         result.Diagnosis,
		Confidence:        result.Confidence,
		RecommendedAction: result.RecommendedAction,
		ModelVersion:      modelVersion,
		Practices:         append([]string(nil), result.Practices...),
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}, nil
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	return name
}

func wrapPersistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
