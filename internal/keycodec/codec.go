// Package keycodec generates and parses client API key tokens. Two
// strategies are supported: opaque random tokens, which carry no claims
// and rely entirely on the key store, and signed tokens, whose expiry and
// signature can be verified locally. Revocation always requires a store
// lookup regardless of strategy, since a stateless token cannot represent it.
package keycodec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lynxa/internal/config"
)

var (
	// ErrMalformedToken indicates the token string does not match the
	// expected shape for the configured strategy.
	ErrMalformedToken = errors.New("malformed token")
	// ErrSignatureInvalid indicates a signed token failed its HMAC check.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrTokenExpired indicates a signed token's embedded expiry has passed.
	ErrTokenExpired = errors.New("token expired")
)

// Claims are the fields a token can carry. The opaque strategy returns
// zero-valued claims; callers resolve owner and expiry from the store.
type Claims struct {
	Owner     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec mints and verifies key tokens.
type Codec interface {
	// Issue creates a new token for the owner with the configured lifetime.
	Issue(owner string) (token string, expiresAt time.Time, err error)
	// Parse checks a presented token's shape (and, for signed tokens, its
	// signature and expiry) and returns any embedded claims.
	Parse(token string) (*Claims, error)
}

// New builds the codec selected by the auth configuration.
func New(cfg config.AuthConfig) (Codec, error) {
	ttl := time.Duration(cfg.KeyTTLDays) * 24 * time.Hour
	switch strings.ToLower(cfg.Strategy) {
	case "opaque":
		return NewOpaqueCodec(ttl), nil
	case "signed":
		if cfg.SigningSecret == "" {
			return nil, fmt.Errorf("signed codec requires a signing secret")
		}
		return NewSignedCodec([]byte(cfg.SigningSecret), ttl), nil
	default:
		return nil, fmt.Errorf("unsupported auth strategy: %s", cfg.Strategy)
	}
}
