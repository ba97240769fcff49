package store

import (
	"time"

	"gorm.io/datatypes"
	"mangoscan/pkg/domain"
)

// AnalysisModel is the GORM row for one analysis record.
type AnalysisModel struct {
	ID                string                      `gorm:"primaryKey"`
	UserID            string                      `gorm:"not null;index:idx_analyses_owner_created,priority:1"`
	Filename          string                      `gorm:"not null"`
	Diagnosis         string                      `gorm:"not null"`
	Confidence        float64                     `gorm:"not null"`
	RecommendedAction string                      `gorm:"type:text;not null"`
	ModelVersion      string                      `gorm:"not null;default:'demo-v1'"`
	Practices         datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	CreatedAt         time.Time                   `gorm:"not null;index:idx_analyses_owner_created,priority:2,sort:desc"`
	UpdatedAt         time.Time                   `gorm:"not null"`
}

// TableName pins the table name independent of GORM pluralisation.
func (AnalysisModel) TableName() string {
	return "analyses"
}

func analysisToModel(a domain.AnalysisRecord) AnalysisModel {
	return AnalysisModel{
		ID:                a.ID,
		UserID:            a.UserID,
		Filename:          a.Filename,
		Diagnosis:         a.Diagnosis,
		Confidence:        a.Confidence,
		RecommendedAction: a.RecommendedAction,
		ModelVersion:      a.ModelVersion,
		Practices:         datatypes.JSONSlice[string](a.Practices),
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func analysisFromModel(m AnalysisModel) domain.AnalysisRecord {
	var practices []string
	if len(m.Practices) > 0 {
		practices = append(practices, m.Practices...)
	}
	return domain.AnalysisRecord{
		ID:                m.ID,
		UserID:            m.UserID,
		Filename:          m.Filename,
		Diagnosis:         m.Diagnosis,
		Confidence:        m.Confidence,
		RecommendedAction: m.RecommendedAction,
		ModelVersion:      m.ModelVersion,
		Practices:         practices,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}
}
