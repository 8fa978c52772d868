// Package auth is the admission gate for every protected endpoint. It
// resolves a presented bearer token to the owning principal, or rejects
// it with a stable, machine-readable credential error.
package auth

import (
	"errors"
	"time"

	"lynxa/internal/db"
	"lynxa/internal/keycodec"
	"lynxa/internal/model"
)

var (
	// ErrMissingCredential indicates no bearer token was presented.
	ErrMissingCredential = errors.New("missing credential")
	// ErrMalformedToken indicates the token failed structural or signature checks.
	ErrMalformedToken = errors.New("malformed token")
	// ErrInvalidCredential indicates the token is not known to the store.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrCredentialRevoked indicates the key was revoked.
	ErrCredentialRevoked = errors.New("credential revoked")
	// ErrCredentialExpired indicates the key's lifetime has passed.
	ErrCredentialExpired = errors.New("credential expired")
	// ErrBackendUnavailable indicates the key store could not be consulted.
	// Unlike the credential errors above, this one is retryable by the caller.
	ErrBackendUnavailable = errors.New("auth backend unavailable")
)

// Principal is the resolved identity behind a validated key.
type Principal struct {
	Owner          string
	Plan           string
	RateLimit      int
	KeyToken       string
	OrganizationID uint
}

// Validator checks presented tokens against the codec and the key store.
type Validator struct {
	codec keycodec.Codec
	db    db.Service
	now   func() time.Time
}

// NewValidator creates a Validator using the given codec and store.
func NewValidator(codec keycodec.Codec, dbService db.Service) *Validator {
	return &Validator{codec: codec, db: dbService, now: time.Now}
}

// Validate resolves a presented token to its principal. Validation is a
// pure read; usability is re-evaluated on every call and never cached.
// A store outage surfaces as ErrBackendUnavailable so callers can tell
// "try again" apart from "your key is bad".
func (v *Validator) Validate(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingCredential
	}

	if _, err := v.codec.Parse(token); err != nil {
		if errors.Is(err, keycodec.ErrTokenExpired) {
			return nil, ErrCredentialExpired
		}
		return nil, ErrMalformedToken
	}

	// Even signed tokens need the store lookup: revocation state cannot
	// live in a stateless token.
	key, err := v.db.GetAPIKeyByToken(token)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, ErrBackendUnavailable
	}

	if key.Revoked {
		return nil, ErrCredentialRevoked
	}
	if !v.now().Before(key.ExpiresAt) {
		return nil, ErrCredentialExpired
	}

	return principalFromKey(key), nil
}

func principalFromKey(key *model.APIKey) *Principal {
	return &Principal{
		Owner:          key.Owner,
		Plan:           key.Plan,
		RateLimit:      key.RateLimit,
		KeyToken:       key.Token,
		OrganizationID: key.OrganizationID,
	}
}
