package ratelimit

import (
	"testing"
	"time"

	"lynxa/internal/db"
	"lynxa/internal/logger"

	"github.com/stretchr/testify/assert"
)

// stubDB counts calls in memory; everything else panics through the
// embedded interface.
type stubDB struct {
	db.Service
	counts map[string]int
	err    error
	calls  int
}

func newStubDB() *stubDB {
	return &stubDB{counts: make(map[string]int)}
}

func (s *stubDB) IncrementRateWindow(token, endpoint string, windowStart time.Time, limit int) (int, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	key := token + "|" + endpoint + "|" + windowStart.Format(time.RFC3339)
	s.counts[key]++
	return s.counts[key], nil
}

func newTestAccountant(store *stubDB, windowSeconds int) *Accountant {
	return NewAccountant(store, windowSeconds, logger.New(false))
}

func TestAdmitUnderLimit(t *testing.T) {
	accountant := newTestAccountant(newStubDB(), 60)

	for i := 0; i < 5; i++ {
		decision := accountant.Admit("lynx_k", "/v1/chat/completions", 5)
		assert.True(t, decision.Admitted, "request %d should be admitted", i+1)
	}
}

func TestAdmitDeniesOverLimit(t *testing.T) {
	accountant := newTestAccountant(newStubDB(), 60)

	for i := 0; i < 3; i++ {
		assert.True(t, accountant.Admit("lynx_k", "/v1/chat/completions", 3).Admitted)
	}
	decision := accountant.Admit("lynx_k", "/v1/chat/completions", 3)
	assert.False(t, decision.Admitted)
	assert.Greater(t, decision.RetryAfterSeconds, 0)
	assert.LessOrEqual(t, decision.RetryAfterSeconds, 60)
}

func TestAdmitUnlimitedBypassesStore(t *testing.T) {
	store := newStubDB()
	accountant := newTestAccountant(store, 60)

	for i := 0; i < 100; i++ {
		assert.True(t, accountant.Admit("lynx_k", "/v1/chat/completions", -1).Admitted)
	}
	assert.Zero(t, store.calls, "unlimited keys must not touch the store")
}

func TestAdmitZeroLimitDeniesEverything(t *testing.T) {
	accountant := newTestAccountant(newStubDB(), 60)
	decision := accountant.Admit("lynx_k", "/v1/chat/completions", 0)
	assert.False(t, decision.Admitted)
}

// A store outage admits the request rather than failing the whole path.
func TestAdmitFailsOpenOnStoreError(t *testing.T) {
	store := newStubDB()
	store.err = assert.AnError
	accountant := newTestAccountant(store, 60)

	decision := accountant.Admit("lynx_k", "/v1/chat/completions", 1)
	assert.True(t, decision.Admitted)
}

func TestAdmitWindowRollover(t *testing.T) {
	store := newStubDB()
	accountant := newTestAccountant(store, 60)

	base := time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC)
	accountant.now = func() time.Time { return base }

	for i := 0; i < 2; i++ {
		assert.True(t, accountant.Admit("lynx_k", "/v1/chat/completions", 2).Admitted)
	}
	assert.False(t, accountant.Admit("lynx_k", "/v1/chat/completions", 2).Admitted)

	// The next minute starts a fresh counter.
	accountant.now = func() time.Time { return base.Add(time.Minute) }
	assert.True(t, accountant.Admit("lynx_k", "/v1/chat/completions", 2).Admitted)
}

func TestAdmitRetryAfterCountsDownToWindowEnd(t *testing.T) {
	accountant := newTestAccountant(newStubDB(), 60)
	accountant.now = func() time.Time {
		return time.Date(2026, 8, 25, 12, 0, 45, 0, time.UTC)
	}

	assert.True(t, accountant.Admit("lynx_k", "/v1/chat/completions", 1).Admitted)
	decision := accountant.Admit("lynx_k", "/v1/chat/completions", 1)
	assert.False(t, decision.Admitted)
	// 15 seconds left until 12:01:00.
	assert.Equal(t, 15, decision.RetryAfterSeconds)
}

func TestAdmitSeparatesEndpoints(t *testing.T) {
	accountant := newTestAccountant(newStubDB(), 60)

	assert.True(t, accountant.Admit("lynx_k", "/v1/chat/completions", 1).Admitted)
	assert.False(t, accountant.Admit("lynx_k", "/v1/chat/completions", 1).Admitted)
	// A different endpoint has its own window.
	assert.True(t, accountant.Admit("lynx_k", "/v1/usage", 1).Admitted)
}
