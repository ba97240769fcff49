package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"mangoscan/pkg/domain"
)

const migrateLockID int64 = 51736021

// GormStoreOptions tunes the connection pool.
type GormStoreOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithPool overrides connection pool sizing.
func WithPool(maxOpen, maxIdle int, lifetime time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.MaxOpenConns = maxOpen
		opts.MaxIdleConns = maxIdle
		opts.ConnMaxLifetime = lifetime
	}
}

// GormStore implements AnalysisStore using GORM + Postgres.
type GormStore struct {
	db    *gorm.DB
	clock *monotonicClock
}

// NewGormStore opens the DB, verifies it is reachable and runs auto-migrations.
func NewGormStore(ctx context.Context, dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := withMigrationLock(ctx, db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&AnalysisModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &GormStore{db: db, clock: newMonotonicClock(time.Microsecond)}, nil
}

func withMigrationLock(ctx context.Context, db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db.WithContext(ctx))
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// InsertAnalysis stores a new record for ownerID in a single INSERT.
func (s *GormStore) InsertAnalysis(ctx context.Context, ownerID, filename string, result domain.ClassificationResult) (domain.AnalysisRecord, error) {
	rec, err := newRecord(ownerID, filename, result, s.clock.Next())
	if err != nil {
		return domain.AnalysisRecord{}, err
	}
	model := analysisToModel(rec)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.AnalysisRecord{}, wrapPersistence("insert analysis", err)
	}
	return analysisFromModel(model), nil
}

// ListAnalysesByOwner returns ownerID's records ordered by created_at descending.
func (s *GormStore) ListAnalysesByOwner(ctx context.Context, ownerID string) ([]domain.AnalysisRecord, error) {
	var models []AnalysisModel
	if err := ownerAnalysesQuery(s.db.WithContext(ctx), ownerID).Find(&models).Error; err != nil {
		return nil, wrapPersistence("list analyses", err)
	}
	res := make([]domain.AnalysisRecord, 0, len(models))
	for _, m := range models {
		res = append(res, analysisFromModel(m))
	}
	return res, nil
}

// ownerAnalysesQuery scopes db to ownerID's rows, newest first with id as tie-break.
func ownerAnalysesQuery(db *gorm.DB, ownerID string) *gorm.DB {
	return db.Model(&AnalysisModel{}).
		Where("user_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC")
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapPersistence("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapPersistence("ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
