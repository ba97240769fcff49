package store

import (
	"context"
	"errors"
	"time"

	"mangoscan/pkg/domain"
)

// ErrPersistence wraps every storage-layer failure surfaced by an AnalysisStore.
var ErrPersistence = errors.New("persistence failure")

// AnalysisStore persists analysis records. Every read is scoped to one owner.
type AnalysisStore interface {
	// InsertAnalysis assigns id and creation time, stores the record atomically and returns it.
	InsertAnalysis(ctx context.Context, ownerID, filename string, result domain.ClassificationResult) (domain.AnalysisRecord, error)
	// ListAnalysesByOwner returns the owner's records, newest first. Never nil on success.
	ListAnalysesByOwner(ctx context.Context, ownerID string) ([]domain.AnalysisRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// TokenRevoker tracks revoked token ids until they expire.
type TokenRevoker interface {
	Revoke(tokenID string, ttl time.Duration) error
	IsRevoked(tokenID string) (bool, error)
}

var (
	_ AnalysisStore = (*MemoryStore)(nil)
	_ AnalysisStore = (*GormStore)(nil)
	_ AnalysisStore = (*MongoStore)(nil)
	_ TokenRevoker  = (*MemoryTokenRevoker)(nil)
	_ TokenRevoker  = (*RedisTokenRevoker)(nil)
)
