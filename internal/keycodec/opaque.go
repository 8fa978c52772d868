package keycodec

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// tokenPrefix makes opaque tokens recognizable in logs and support requests.
const tokenPrefix = "lynx_"

// opaqueTokenBytes is the entropy of the random part. 32 bytes keeps
// collisions effectively unreachable.
const opaqueTokenBytes = 32

// OpaqueCodec issues high-entropy random tokens. The token itself carries
// no claims; owner and expiry live only in the key store.
type OpaqueCodec struct {
	ttl time.Duration
	now func() time.Time
}

// NewOpaqueCodec creates an OpaqueCodec issuing keys with the given lifetime.
func NewOpaqueCodec(ttl time.Duration) *OpaqueCodec {
	return &OpaqueCodec{ttl: ttl, now: time.Now}
}

// Issue mints a fresh random token.
func (c *OpaqueCodec) Issue(owner string) (string, time.Time, error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(buf), c.now().Add(c.ttl), nil
}

// Parse checks only the token's shape. Owner and expiry must be resolved
// from the store.
func (c *OpaqueCodec) Parse(token string) (*Claims, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, ErrMalformedToken
	}
	body := token[len(tokenPrefix):]
	if len(body) != opaqueTokenBytes*2 {
		return nil, ErrMalformedToken
	}
	if _, err := hex.DecodeString(body); err != nil {
		return nil, ErrMalformedToken
	}
	return &Claims{}, nil
}
