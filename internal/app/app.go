package app

import (
	"context"
	"errors"

	"mangoscan/internal/upload"
	"mangoscan/pkg/domain"
	"mangoscan/pkg/store"
)

// IdentityVerifier turns a bearer credential into an identity.
type IdentityVerifier interface {
	VerifyIdentity(token string) (domain.Identity, error)
}

// Classifier obtains a diagnosis for an image.
type Classifier interface {
	Classify(ctx context.Context, img domain.UploadedImage) (domain.ClassificationResult, error)
}

// Config holds the collaborators of the submission pipeline.
type Config struct {
	Verifier       IdentityVerifier
	Classifier     Classifier
	Store          store.AnalysisStore
	MaxUploadBytes int64
}

// App runs authenticated submissions and history listings.
type App struct {
	verifier   IdentityVerifier
	classifier Classifier
	store      store.AnalysisStore
	maxBytes   int64
}

// New constructs the application. All collaborators are required.
func New(cfg Config) (*App, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, errors.New("identity verifier required")
	case cfg.Classifier == nil:
		return nil, errors.New("classifier required")
	case cfg.Store == nil:
		return nil, errors.New("analysis store required")
	}
	return &App{
		verifier:   cfg.Verifier,
		classifier: cfg.Classifier,
		store:      cfg.Store,
		maxBytes:   upload.NormalizeMaxBytes(cfg.MaxUploadBytes),
	}, nil
}

// MaxUploadBytes reports the effective upload limit.
func (a *App) MaxUploadBytes() int64 { return a.maxBytes }

// Authenticate verifies token without touching any other collaborator.
func (a *App) Authenticate(token string) (domain.Identity, error) {
	identity, err := a.verifier.VerifyIdentity(token)
	if err != nil {
		return domain.Identity{}, stageError(StageAuthenticate, KindAuth, err)
	}
	return identity, nil
}

// Submit authenticates, validates, classifies and persists one image.
// It stops at the first failing stage; nothing is stored unless
// classification succeeded.
func (a *App) Submit(ctx context.Context, token string, img *domain.UploadedImage) (domain.AnalysisRecord, error) {
	identity, err := a.Authenticate(token)
	if err != nil {
		return domain.AnalysisRecord{}, err
	}
	return a.SubmitAs(ctx, identity, img)
}

// SubmitAs runs the pipeline after authentication for an already verified identity.
func (a *App) SubmitAs(ctx context.Context, identity domain.Identity, img *domain.UploadedImage) (domain.AnalysisRecord, error) {
	valid, err := upload.Validate(img, a.maxBytes)
	if err != nil {
		return domain.AnalysisRecord{}, stageError(StageValidate, KindValidation, err)
	}
	result, err := a.classifier.Classify(ctx, valid)
	if err != nil {
		return domain.AnalysisRecord{}, stageError(StageClassify, KindUpstream, err)
	}
	record, err := a.store.InsertAnalysis(ctx, identity.Subject, valid.Filename, result)
	if err != nil {
		return domain.AnalysisRecord{}, stageError(StagePersist, KindPersistence, err)
	}
	return record, nil
}

// List returns the caller's analyses, newest first.
func (a *App) List(ctx context.Context, token string) ([]domain.AnalysisRecord, error) {
	identity, err := a.Authenticate(token)
	if err != nil {
		return nil, err
	}
	return a.ListFor(ctx, identity)
}

// ListFor returns the analyses owned by an already verified identity.
func (a *App) ListFor(ctx context.Context, identity domain.Identity) ([]domain.AnalysisRecord, error) {
	records, err := a.store.ListAnalysesByOwner(ctx, identity.Subject)
	if err != nil {
		return nil, stageError(StagePersist, KindPersistence, err)
	}
	return records, nil
}

// Ready checks the storage backend.
func (a *App) Ready(ctx context.Context) error {
	return a.store.Ping(ctx)
}
