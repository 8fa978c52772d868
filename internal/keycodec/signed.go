package keycodec

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignedCodec issues compact HS256-signed tokens carrying the owner,
// issue time and expiry. Signature and expiry are verifiable without a
// store round-trip.
type SignedCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedCodec creates a SignedCodec with the given HMAC secret and key lifetime.
func NewSignedCodec(secret []byte, ttl time.Duration) *SignedCodec {
	return &SignedCodec{secret: secret, ttl: ttl, now: time.Now}
}

// Issue mints a signed token for the owner.
func (c *SignedCodec) Issue(owner string) (string, time.Time, error) {
	issuedAt := c.now()
	expiresAt := issuedAt.Add(c.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   owner,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Parse verifies the signature and embedded expiry and returns the claims.
func (c *SignedCodec) Parse(token string) (*Claims, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return c.now() }))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignatureInvalid
		default:
			return nil, ErrMalformedToken
		}
	}

	parsed := &Claims{Owner: claims.Subject}
	if claims.IssuedAt != nil {
		parsed.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		parsed.ExpiresAt = claims.ExpiresAt.Time
	}
	return parsed, nil
}
