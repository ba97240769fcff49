package domain

import "time"

// DefaultModelVersion is recorded when the classifier does not report one.
const DefaultModelVersion = "demo-v1"

// Identity is the authenticated caller resolved from a verified bearer token.
type Identity struct {
	Subject   string
	TokenID   string
	ExpiresAt time.Time
}

// UploadedImage is an inbound file part. It only lives for one request.
type UploadedImage struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Size returns the payload length in bytes.
func (u UploadedImage) Size() int64 {
	return int64(len(u.Data))
}

// ClassificationResult is what the classifier service returned for one image.
type ClassificationResult struct {
	Diagnosis         string   `json:"diagnosis"`
	Confidence        float64  `json:"confidence"`
	RecommendedAction string   `json:"recommendedAction"`
	ModelVersion      string   `json:"modelVersion"`
	Practices         []string `json:"practices,omitempty"`
}

// AnalysisRecord is a persisted classification owned by exactly one user.
type AnalysisRecord struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	Filename          string    `json:"filename"`
	Diagnosis         string    `json:"diagnosis"`
	Confidence        float64   `json:"confidence"`
	RecommendedAction string    `json:"recommendedAction"`
	ModelVersion      string    `json:"modelVersion"`
	Practices         []string  `json:"practices,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// AnalysisSummary is the response for a successful submission.
type AnalysisSummary struct {
	ID                string    `json:"id"`
	Diagnosis         string    `json:"diagnosis"`
	Confidence        float64   `json:"confidence"`
	RecommendedAction string    `json:"recommendedAction"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Summary projects the record onto the submission response.
func (a AnalysisRecord) Summary() AnalysisSummary {
	return AnalysisSummary{
		ID:                a.ID,
		Diagnosis:         a.Diagnosis,
		Confidence:        a.Confidence,
		RecommendedAction: a.RecommendedAction,
		CreatedAt:         a.CreatedAt,
	}
}
