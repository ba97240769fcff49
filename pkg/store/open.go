package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Open picks a backend from the connection string scheme and connects to it.
// The backend is pinged before returning so startup fails fast when unreachable.
func Open(ctx context.Context, databaseURL string) (AnalysisStore, error) {
	backend, err := backendFor(databaseURL)
	if err != nil {
		return nil, err
	}
	switch backend {
	case backendMongo:
		return NewMongoStore(ctx, databaseURL)
	case backendMemory:
		return NewMemoryStore(), nil
	default:
		return NewGormStore(ctx, databaseURL)
	}
}

type backendKind int

const (
	backendPostgres backendKind = iota
	backendMongo
	backendMemory
)

func backendFor(databaseURL string) (backendKind, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return 0, errors.New("database URL required")
	}
	if !strings.Contains(databaseURL, "://") {
		// key=value libpq DSN
		return backendPostgres, nil
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return 0, fmt.Errorf("parse database URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mongodb", "mongodb+srv":
		return backendMongo, nil
	case "postgres", "postgresql":
		return backendPostgres, nil
	case "memory":
		return backendMemory, nil
	default:
		return 0, fmt.Errorf("unsupported database URL scheme %q", u.Scheme)
	}
}
