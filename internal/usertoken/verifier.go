package usertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"mangoscan/pkg/domain"
)

var (
	// ErrMissingCredential is returned when no bearer token was presented.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential covers bad signatures, malformed tokens and unusable claims.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrExpiredCredential is returned when the exp claim is in the past.
	ErrExpiredCredential = errors.New("credential expired")
	// ErrRevokedCredential is returned when the token id is on the revocation list.
	ErrRevokedCredential = errors.New("credential revoked")
)

// RevocationChecker reports whether a token id has been revoked.
type RevocationChecker interface {
	IsRevoked(tokenID string) (bool, error)
}

// Config configures user access-token verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	// Leeway is the clock skew tolerated on exp/iat; zero or negative means none.
	Leeway  time.Duration
	Revoker RevocationChecker
	// Now overrides the clock used for exp/iat checks.
	Now func() time.Time
}

// Verifier validates HS256 user access tokens signed with a shared secret.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	revoker  RevocationChecker
	now      func() time.Time
}

// claims accepts both the registered subject and the identity provider's userId claim.
type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId,omitempty"`
}

// NewVerifier creates a token verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("token verifier requires secret")
	}
	// Expired tokens are rejected outright unless a positive leeway is configured.
	leeway := cfg.Leeway
	if leeway < 0 {
		leeway = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   leeway,
		revoker:  cfg.Revoker,
		now:      now,
	}, nil
}

// VerifyIdentity validates the token and returns the caller identity.
// It never returns a partially populated identity alongside an error.
func (v *Verifier) VerifyIdentity(token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, ErrMissingCredential
	}
	c := claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, fmt.Errorf("%w: %v", ErrExpiredCredential, err)
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return domain.Identity{}, ErrInvalidCredential
	}

	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		subject = strings.TrimSpace(c.UserID)
	}
	if subject == "" {
		return domain.Identity{}, fmt.Errorf("%w: token subject missing", ErrInvalidCredential)
	}
	if v.revoker != nil && c.ID != "" {
		revoked, err := v.revoker.IsRevoked(c.ID)
		if err != nil {
			// fail closed
			return domain.Identity{}, fmt.Errorf("%w: check revocation: %v", ErrInvalidCredential, err)
		}
		if revoked {
			return domain.Identity{}, ErrRevokedCredential
		}
	}

	identity := domain.Identity{
		Subject: subject,
		TokenID: c.ID,
	}
	if c.ExpiresAt != nil {
		identity.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return identity, nil
}
