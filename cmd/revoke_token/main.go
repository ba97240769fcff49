package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"mangoscan/pkg/store"
)

const redisTimeout = 5 * time.Second

func main() {
	if err := run(context.Background(), os.Args[1:], os.Getenv, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) error {
	fs := flag.NewFlagSet("revoke_token", flag.ContinueOnError)
	var (
		redisAddr = fs.String("redis-addr", getenv("REDIS_ADDR"), "redis address (defaults to REDIS_ADDR)")
		tokenID   = fs.String("jti", "", "token id to revoke")
		token     = fs.String("token", "", "access token to revoke; jti and remaining lifetime are read from it")
		ttl       = fs.Duration("ttl", 24*time.Hour, "how long the revocation is kept when -jti is used")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	id, lifetime, err := revocationTarget(*tokenID, *token, *ttl, time.Now())
	if err != nil {
		return err
	}
	revoker, err := store.NewRedisTokenRevoker(*redisAddr, getenv("REDIS_PASSWORD"))
	if err != nil {
		return err
	}
	defer revoker.Close()

	pingCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := revoker.Ping(pingCtx); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	if err := revoker.Revoke(id, lifetime); err != nil {
		return fmt.Errorf("revoke %s: %w", id, err)
	}
	fmt.Fprintf(stdout, "revoked %s for %s\n", id, lifetime.Round(time.Second))
	return nil
}

// revocationTarget resolves the token id and how long to keep it revoked.
// The token is not verified; only its jti and exp are read.
func revocationTarget(tokenID, token string, ttl time.Duration, now time.Time) (string, time.Duration, error) {
	tokenID = strings.TrimSpace(tokenID)
	token = strings.TrimSpace(token)
	switch {
	case tokenID != "" && token != "":
		return "", 0, errors.New("use either -jti or -token")
	case tokenID != "":
		if ttl <= 0 {
			return "", 0, errors.New("-ttl must be positive")
		}
		return tokenID, ttl, nil
	case token == "":
		return "", 0, errors.New("-jti or -token is required")
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", 0, fmt.Errorf("parse token: %w", err)
	}
	if claims.ID == "" {
		return "", 0, errors.New("token has no jti claim")
	}
	if claims.ExpiresAt == nil {
		return "", 0, errors.New("token has no exp claim")
	}
	remaining := claims.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return "", 0, errors.New("token already expired")
	}
	return claims.ID, remaining, nil
}
