// Package upstream manages the pool of inference-provider API keys that
// outbound requests are signed with. The in-memory list is a cache
// refreshed from the database, never the source of truth: a process
// restart must not lose or invalidate any key.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"lynxa/internal/config"
	"lynxa/internal/db"
	"lynxa/internal/metrics"
	"lynxa/internal/model"
)

// HealthChecker validates one provider key against the upstream API.
type HealthChecker func(ctx context.Context, key string) error

// Manager defines the interface for the provider key pool. It decouples
// the proxy and admin handlers from the concrete implementation and allows
// mocking in tests.
type Manager interface {
	GetNextKey() (string, error)
	HandleKeyFailure(key string)
	HandleKeySuccess(key string)
	ReviveDisabledKeys()
	CheckAllKeysHealth()
	GetAvailableKeyCount() int
	TestKeyByID(id uint) error
	Close()
}

// managedKey wraps a ProviderKey with additional in-memory state.
type managedKey struct {
	model.ProviderKey
	// Disabled marks the key as temporarily out of service.
	Disabled bool
	// DisabledAt records when the key was disabled.
	DisabledAt time.Time
}

// Pool holds the state of the provider key pool.
type Pool struct {
	mutex            sync.Mutex
	keys             []*managedKey
	logger           *slog.Logger
	db               db.Service
	metrics          *metrics.Metrics
	stopChan         chan struct{}
	updateQueue      chan string
	wg               sync.WaitGroup
	disableThreshold int
	checker          HealthChecker
	checkTimeout     time.Duration
	revivalInterval  time.Duration
	syncDBUpdates    bool // For testing purposes
}

// NewPool creates a Pool and starts its background reload and usage workers.
func NewPool(dbService db.Service, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Pool, error) {
	initialKeys, err := dbService.LoadActiveProviderKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to perform initial load of provider keys: %w", err)
	}
	if len(initialKeys) == 0 {
		logger.Warn("No active provider keys found in the database. Pool will start but return no keys until they are added.")
	}

	managedKeys := make([]*managedKey, len(initialKeys))
	for i, key := range initialKeys {
		managedKeys[i] = &managedKey{ProviderKey: key}
	}

	p := &Pool{
		keys:             managedKeys,
		logger:           logger.With("component", "upstream"),
		db:               dbService,
		metrics:          m,
		stopChan:         make(chan struct{}),
		updateQueue:      make(chan string, 100), // Buffered channel
		disableThreshold: cfg.Upstream.DisableKeyThreshold,
		checker:          checkKeyViaSDK,
		checkTimeout:     60 * time.Second,
		revivalInterval:  5 * time.Minute, // Cooldown before a key can be revived
	}

	go p.keyReloader()

	p.wg.Add(1)
	go p.usageUpdater()

	return p, nil
}

// GetNextKey selects the non-disabled key with the lowest usage count.
func (p *Pool) GetNextKey() (string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.keys) == 0 {
		return "", fmt.Errorf("no active provider keys available")
	}

	var keyToUse *managedKey
	keyIndex := -1
	for i, k := range p.keys {
		if !k.Disabled {
			keyToUse = k
			keyIndex = i
			break
		}
	}

	if keyIndex == -1 {
		return "", fmt.Errorf("all provider keys are temporarily disabled")
	}

	keyStr := keyToUse.Key

	// Increment the usage count in memory immediately so the next request
	// doesn't pick the same key before the list is resorted.
	p.keys[keyIndex].UsageCount++
	p.sortKeys()

	// Asynchronously persist the usage count via the queue.
	select {
	case p.updateQueue <- keyStr:
	default:
		p.logger.Error("Failed to queue usage count update: queue is full")
	}

	return keyStr, nil
}

// sortKeys sorts the keys slice by UsageCount in ascending order.
// The caller must hold the mutex.
func (p *Pool) sortKeys() {
	sort.Slice(p.keys, func(i, j int) bool {
		return p.keys[i].UsageCount < p.keys[j].UsageCount
	})
}

// keyReloader periodically reloads the keys from the database.
func (p *Pool) keyReloader() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.updateKeys()
		case <-p.stopChan:
			p.logger.Info("Stopping key reloader.")
			return
		}
	}
}

// usageUpdater is a worker that persists key usage updates from the queue.
func (p *Pool) usageUpdater() {
	defer p.wg.Done()
	p.logger.Info("Starting usage updater worker.")

	for keyStr := range p.updateQueue {
		if err := p.db.IncrementProviderKeyUsageCount(keyStr); err != nil {
			p.logger.Warn("Failed to increment usage count in DB", "key_suffix", safeKeySuffix(keyStr), "error", err)
		}
	}
	p.logger.Info("Usage updater worker stopped.")
}

// updateKeys fetches the latest set of active keys from the database.
func (p *Pool) updateKeys() {
	p.logger.Info("Updating provider keys from database...")
	keys, err := p.db.LoadActiveProviderKeys()
	if err != nil {
		p.logger.Error("Failed to update provider keys from database", "error", err)
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(keys) == 0 {
		p.logger.Warn("No active provider keys found in database during update.")
	}

	managedKeys := make([]*managedKey, len(keys))
	for i, key := range keys {
		managedKeys[i] = &managedKey{ProviderKey: key}
	}

	p.keys = managedKeys
	if len(keys) > 0 {
		p.logger.Info("Successfully updated provider keys", "count", len(keys))
	}
}

// Close gracefully shuts down the pool's background tasks.
func (p *Pool) Close() {
	close(p.stopChan)
	close(p.updateQueue)
	p.wg.Wait()
	p.logger.Info("Pool shutdown complete.")
}

// HandleKeyFailure is called when a key fails a request.
func (p *Pool) HandleKeyFailure(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, k := range p.keys {
		if k.Key == key {
			k.FailureCount++
			if k.FailureCount >= p.disableThreshold {
				if !k.Disabled { // Only log and update status on the transition
					k.Disabled = true
					k.DisabledAt = time.Now()
					k.Status = "disabled"
					p.logger.Warn("Disabling key due to reaching failure threshold", "key_suffix", safeKeySuffix(key), "failures", k.FailureCount)
					if p.metrics != nil {
						p.metrics.UpstreamKeyDisables.Inc()
					}
				}
			}

			// Persist the updated failure count and status in the background.
			// We make a copy to avoid data races in the goroutine.
			keyToUpdate := k.ProviderKey
			if p.syncDBUpdates {
				if err := p.db.UpdateProviderKey(&keyToUpdate); err != nil {
					p.logger.Error("Failed to update key failure count in DB", "key_id", keyToUpdate.ID, "error", err)
				}
			} else {
				go func() {
					if err := p.db.UpdateProviderKey(&keyToUpdate); err != nil {
						p.logger.Error("Failed to update key failure count in DB", "key_id", keyToUpdate.ID, "error", err)
					}
				}()
			}
			break
		}
	}
}

// HandleKeySuccess is called when a key succeeds in a request.
func (p *Pool) HandleKeySuccess(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, k := range p.keys {
		if k.Key == key {
			if k.FailureCount > 0 || k.Disabled {
				p.logger.Info("Re-activating key after successful request", "key_suffix", safeKeySuffix(key), "old_failures", k.FailureCount)
				k.FailureCount = 0
				k.Disabled = false
				k.Status = "active"

				keyToUpdate := k.ProviderKey
				if p.syncDBUpdates {
					if err := p.db.UpdateProviderKey(&keyToUpdate); err != nil {
						p.logger.Error("Failed to update key success status in DB", "key_id", keyToUpdate.ID, "error", err)
					}
				} else {
					go func() {
						if err := p.db.UpdateProviderKey(&keyToUpdate); err != nil {
							p.logger.Error("Failed to update key success status in DB", "key_id", keyToUpdate.ID, "error", err)
						}
					}()
				}
			}
			break
		}
	}
}

// safeKeySuffix returns the last 4 characters of a key, or the full key if it's shorter.
func safeKeySuffix(key string) string {
	if len(key) > 4 {
		return key[len(key)-4:]
	}
	return key
}

// testKey runs the health checker against one key with a bounded timeout.
func (p *Pool) testKey(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.checkTimeout)
	defer cancel()
	return p.checker(ctx, key)
}

// ReviveDisabledKeys attempts to reactivate keys that were previously disabled.
func (p *Pool) ReviveDisabledKeys() {
	p.mutex.Lock()
	disabledKeys := make([]*managedKey, 0)
	for _, k := range p.keys {
		// Check if the key is disabled and if enough time has passed since it was disabled.
		if k.Disabled && time.Since(k.DisabledAt) > p.revivalInterval {
			disabledKeys = append(disabledKeys, k)
		}
	}
	p.mutex.Unlock()

	if len(disabledKeys) == 0 {
		return
	}

	p.logger.Info("Starting check to revive disabled keys", "count", len(disabledKeys))

	var wg sync.WaitGroup
	for _, k := range disabledKeys {
		wg.Add(1)
		go func(key *managedKey) {
			defer wg.Done()
			err := p.testKey(key.Key)
			if err == nil {
				p.logger.Info("Successfully revived key", "key_suffix", safeKeySuffix(key.Key))
				p.HandleKeySuccess(key.Key)
			} else {
				p.logger.Debug("Key still failing check", "key_suffix", safeKeySuffix(key.Key), "error", err)
				// Reset the revival timer so the next scheduler run doesn't
				// re-check it immediately.
				p.mutex.Lock()
				key.DisabledAt = time.Now()
				p.mutex.Unlock()
			}
		}(k)
	}
	wg.Wait()
	p.logger.Info("Finished checking disabled keys.")
}

// CheckAllKeysHealth performs a health check on all managed keys.
func (p *Pool) CheckAllKeysHealth() {
	p.mutex.Lock()
	allKeys := make([]*managedKey, len(p.keys))
	copy(allKeys, p.keys)
	p.mutex.Unlock()

	if len(allKeys) == 0 {
		return
	}

	p.logger.Info("Starting health check for all keys", "count", len(allKeys))

	var wg sync.WaitGroup
	for _, k := range allKeys {
		wg.Add(1)
		go func(key *managedKey) {
			defer wg.Done()
			err := p.testKey(key.Key)
			if err != nil {
				if !key.Disabled {
					p.logger.Warn("Key failed health check, disabling it.", "key_suffix", safeKeySuffix(key.Key), "error", err)
					// Push the count to the threshold to ensure it gets disabled.
					p.mutex.Lock()
					key.FailureCount = p.disableThreshold - 1
					p.mutex.Unlock()
					p.HandleKeyFailure(key.Key)
				}
			} else {
				if key.Disabled {
					p.logger.Info("Key passed health check, re-activating it.", "key_suffix", safeKeySuffix(key.Key))
					p.HandleKeySuccess(key.Key)
				}
			}
		}(k)
	}
	wg.Wait()
	p.logger.Info("Finished health check for all keys.")
}

// GetAvailableKeyCount returns the number of keys that are not currently disabled.
func (p *Pool) GetAvailableKeyCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	count := 0
	for _, k := range p.keys {
		if !k.Disabled {
			count++
		}
	}
	return count
}

// findKeyByID finds a key in the pool's current list by its database ID.
func (p *Pool) findKeyByID(id uint) (*managedKey, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, k := range p.keys {
		if k.ID == id {
			return k, nil
		}
	}
	return nil, fmt.Errorf("key with ID %d not found in active list", id)
}

// TestKeyByID fetches a key by its ID and performs a health check.
// This is a synchronous operation used by the admin API.
func (p *Pool) TestKeyByID(id uint) error {
	// Try the in-memory list first; fall back to the DB for inactive keys.
	mKey, err := p.findKeyByID(id)
	if err != nil {
		dbKey, dbErr := p.db.GetProviderKey(id)
		if dbErr != nil {
			return fmt.Errorf("failed to find key with ID %d in DB: %w", id, dbErr)
		}
		mKey = &managedKey{ProviderKey: *dbKey}
		p.mutex.Lock()
		p.keys = append(p.keys, mKey)
		p.mutex.Unlock()
	}

	p.logger.Info("Performing manual health check for key", "key_id", id)
	if err := p.testKey(mKey.Key); err != nil {
		p.logger.Warn("Manual health check failed for key", "key_id", id, "error", err)
		p.HandleKeyFailure(mKey.Key)
		return err
	}

	p.logger.Info("Manual health check succeeded for key", "key_id", id)
	p.HandleKeySuccess(mKey.Key)
	return nil
}
