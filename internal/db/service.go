package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lynxa/internal/config"
	"lynxa/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateToken indicates a key insert collided with an existing token.
	ErrDuplicateToken = errors.New("duplicate token")
)

// defaultTimeout bounds every store call so a stalled database surfaces as
// an explicit error instead of a hung request.
const defaultTimeout = 5 * time.Second

// UsageSummary aggregates the usage events recorded for one key.
type UsageSummary struct {
	Requests          int64   `json:"requests"`
	InputTokens       int64   `json:"input_tokens"`
	OutputTokens      int64   `json:"output_tokens"`
	Errors            int64   `json:"errors"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// DailyUsage is one day bucket of a key's usage history.
type DailyUsage struct {
	Day          string `json:"day"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Service is the persistence boundary. Handlers and middleware depend on
// this interface so tests can substitute mocks.
type Service interface {
	// Client API keys.
	CreateAPIKey(key *model.APIKey) error
	GetAPIKey(id uint) (*model.APIKey, error)
	GetAPIKeyByToken(token string) (*model.APIKey, error)
	RevokeAPIKey(token string) error
	ListAPIKeys() ([]model.APIKey, error)
	ListAPIKeysByOwner(owner string) ([]model.APIKey, error)
	UpdateAPIKey(key *model.APIKey) error
	DeleteAPIKey(id uint) error
	IncrementAPIKeyUsageCount(token string) error
	ResetAllAPIKeyUsage() error

	// Usage events.
	CreateUsageEvent(event *model.UsageEvent) error
	UsageSummary(token string) (*UsageSummary, error)
	DailyUsage(token string, days int) ([]DailyUsage, error)
	DeleteUsageEventsBefore(cutoff time.Time) (int64, error)

	// Rate windows.
	IncrementRateWindow(token, endpoint string, windowStart time.Time, limit int) (int, error)
	DeleteRateWindowsBefore(cutoff time.Time) (int64, error)

	// Provider keys.
	LoadActiveProviderKeys() ([]model.ProviderKey, error)
	ListProviderKeys() ([]model.ProviderKey, error)
	CreateProviderKey(key *model.ProviderKey) error
	GetProviderKey(id uint) (*model.ProviderKey, error)
	UpdateProviderKey(key *model.ProviderKey) error
	DeleteProviderKey(id uint) error
	BatchAddProviderKeys(keys []string) error
	BatchDeleteProviderKeys(keys []string) error
	HandleProviderKeyFailure(key string, disableThreshold int) (bool, error)
	ResetProviderKeyFailureCount(key string) error
	IncrementProviderKeyUsageCount(key string) error

	// Users and organizations.
	ListUsers() ([]model.User, error)
	CreateUser(user *model.User) error
	GetUser(id uint) (*model.User, error)
	UpdateUser(user *model.User) error
	DeleteUser(id uint) error
	ListOrganizations() ([]model.Organization, error)
	CreateOrganization(org *model.Organization) error
	GetOrganization(id uint) (*model.Organization, error)
	GetOrganizationByCustomerID(customerID string) (*model.Organization, error)
	UpdateOrganization(org *model.Organization) error
	DeleteOrganization(id uint) error

	GetDB() *gorm.DB
}

type gormService struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewService opens the configured database, migrates the schema and returns
// the Service implementation backed by it.
func NewService(cfg config.DatabaseConfig) (Service, error) {
	gdb, err := open(cfg)
	if err != nil {
		return nil, err
	}
	return &gormService{db: gdb, timeout: defaultTimeout}, nil
}

// GetDB exposes the underlying gorm handle, mainly for tests.
func (s *gormService) GetDB() *gorm.DB {
	return s.db
}

// session returns a timeout-bounded gorm session and its cancel func.
func (s *gormService) session() (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	return s.db.WithContext(ctx), cancel
}

// translate maps gorm errors to the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicateToken
	default:
		return err
	}
}

// --- Client API keys ---

func (s *gormService) CreateAPIKey(key *model.APIKey) error {
	tx, cancel := s.session()
	defer cancel()
	if err := tx.Create(key).Error; err != nil {
		return fmt.Errorf("failed to create api key: %w", translate(err))
	}
	return nil
}

func (s *gormService) GetAPIKey(id uint) (*model.APIKey, error) {
	tx, cancel := s.session()
	defer cancel()
	var key model.APIKey
	if err := tx.First(&key, id).Error; err != nil {
		return nil, translate(err)
	}
	return &key, nil
}

func (s *gormService) GetAPIKeyByToken(token string) (*model.APIKey, error) {
	tx, cancel := s.session()
	defer cancel()
	var key model.APIKey
	if err := tx.Where("token = ?", token).First(&key).Error; err != nil {
		return nil, translate(err)
	}
	return &key, nil
}

// RevokeAPIKey soft-revokes a key. Revoking an already-revoked key is not
// an error; revoking an unknown token returns ErrNotFound.
func (s *gormService) RevokeAPIKey(token string) error {
	tx, cancel := s.session()
	defer cancel()
	var key model.APIKey
	if err := tx.Where("token = ?", token).First(&key).Error; err != nil {
		return translate(err)
	}
	if key.Revoked {
		return nil
	}
	if err := tx.Model(&key).UpdateColumn("revoked", true).Error; err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	return nil
}

func (s *gormService) ListAPIKeys() ([]model.APIKey, error) {
	tx, cancel := s.session()
	defer cancel()
	var keys []model.APIKey
	if err := tx.Order("created_at desc").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, nil
}

func (s *gormService) ListAPIKeysByOwner(owner string) ([]model.APIKey, error) {
	tx, cancel := s.session()
	defer cancel()
	var keys []model.APIKey
	if err := tx.Where("owner = ?", owner).Order("created_at desc").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list api keys for owner: %w", err)
	}
	return keys, nil
}

func (s *gormService) UpdateAPIKey(key *model.APIKey) error {
	tx, cancel := s.session()
	defer cancel()
	return translate(tx.Save(key).Error)
}

func (s *gormService) DeleteAPIKey(id uint) error {
	tx, cancel := s.session()
	defer cancel()
	return translate(tx.Delete(&model.APIKey{}, id).Error)
}

func (s *gormService) IncrementAPIKeyUsageCount(token string) error {
	tx, cancel := s.session()
	defer cancel()
	result := tx.Model(&model.APIKey{}).Where("token = ?", token).UpdateColumn("usage_count", gorm.Expr("usage_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("failed to increment usage count for api key: %w", result.Error)
	}
	return nil
}

func (s *gormService) ResetAllAPIKeyUsage() error {
	tx, cancel := s.session()
	defer cancel()
	result := tx.Model(&model.APIKey{}).Where("usage_count > 0").Update("usage_count", 0)
	if result.Error != nil {
		return fmt.Errorf("failed to reset all api key usage: %w", result.Error)
	}
	return nil
}

// --- Usage events ---

func (s *gormService) CreateUsageEvent(event *model.UsageEvent) error {
	tx, cancel := s.session()
	defer cancel()
	if err := tx.Create(event).Error; err != nil {
		return fmt.Errorf("failed to create usage event: %w", err)
	}
	return nil
}

func (s *gormService) UsageSummary(token string) (*UsageSummary, error) {
	tx, cancel := s.session()
	defer cancel()
	var summary UsageSummary
	err := tx.Model(&model.UsageEvent{}).
		Select("COUNT(*) as requests, "+
			"COALESCE(SUM(input_tokens), 0) as input_tokens, "+
			"COALESCE(SUM(output_tokens), 0) as output_tokens, "+
			"COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0) as errors, "+
			"COALESCE(AVG(response_time_ms), 0) as avg_response_time_ms").
		Where("key_token = ?", token).
		Scan(&summary).Error
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return &summary, nil
}

func (s *gormService) DailyUsage(token string, days int) ([]DailyUsage, error) {
	tx, cancel := s.session()
	defer cancel()
	var buckets []DailyUsage
	err := tx.Model(&model.UsageEvent{}).
		Select("DATE(created_at) as day, "+
			"COUNT(*) as requests, "+
			"COALESCE(SUM(input_tokens), 0) as input_tokens, "+
			"COALESCE(SUM(output_tokens), 0) as output_tokens").
		Where("key_token = ?", token).
		Group("DATE(created_at)").
		Order("day desc").
		Limit(days).
		Scan(&buckets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate daily usage: %w", err)
	}
	return buckets, nil
}

func (s *gormService) DeleteUsageEventsBefore(cutoff time.Time) (int64, error) {
	tx, cancel := s.session()
	defer cancel()
	result := tx.Where("created_at < ?", cutoff).Delete(&model.UsageEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old usage events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// --- Rate windows ---

// IncrementRateWindow atomically upserts the (token, endpoint, windowStart)
// counter row, increments it by one and returns the post-increment count.
// The increment-and-read runs in a single transaction so concurrent
// requests on the same key never lose updates. A non-negative limit marks
// the window exceeded once the count passes it.
func (s *gormService) IncrementRateWindow(token, endpoint string, windowStart time.Time, limit int) (int, error) {
	tx, cancel := s.session()
	defer cancel()

	var count int
	err := tx.Transaction(func(tx *gorm.DB) error {
		row := model.RateWindow{
			KeyToken:      token,
			Endpoint:      endpoint,
			WindowStart:   windowStart,
			RequestsCount: 1,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "key_token"},
				{Name: "endpoint"},
				{Name: "window_start"},
			},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"requests_count": gorm.Expr("requests_count + 1"),
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		var current model.RateWindow
		err = tx.Where("key_token = ? AND endpoint = ? AND window_start = ?", token, endpoint, windowStart).
			First(&current).Error
		if err != nil {
			return err
		}
		count = current.RequestsCount

		if limit >= 0 && count > limit && !current.LimitExceeded {
			err = tx.Model(&model.RateWindow{}).
				Where("key_token = ? AND endpoint = ? AND window_start = ?", token, endpoint, windowStart).
				UpdateColumn("limit_exceeded", true).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate window: %w", err)
	}
	return count, nil
}

func (s *gormService) DeleteRateWindowsBefore(cutoff time.Time) (int64, error) {
	tx, cancel := s.session()
	defer cancel()
	result := tx.Where("window_start < ?", cutoff).Delete(&model.RateWindow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete stale rate windows: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// --- Provider keys ---

func (s *gormService) LoadActiveProviderKeys() ([]model.ProviderKey, error) {
	tx, cancel := s.session()
	defer cancel()
	var keys []model.ProviderKey
	result := tx.Model(&model.ProviderKey{}).
		Where("status = ?", "active").
		Order("usage_count asc").
		Find(&keys)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load provider keys: %w", result.Error)
	}
	return keys, nil
}

func (s *gormService) ListProviderKeys() ([]model.ProviderKey, error) {
	tx, cancel := s.session()
	defer cancel()
	var keys []model.ProviderKey
	if err := tx.Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list provider keys: %w", err)
	}
	return keys, nil
}

func (s *gormService) CreateProviderKey(key *model.ProviderKey) error {
	tx, cancel := s.session()
	defer cancel()
	return translate(tx.Create(key).Error)
}

func (s *gormService) GetProviderKey(id uint) (*model.ProviderKey, error) {
	tx, cancel := s.session()
	defer cancel()
	var key model.ProviderKey
	if err := tx.First(&key, id).Error; err != nil {
		return nil, translate(err)
	}
	return &key, nil
}

func (s *gormService) UpdateProviderKey(key *model.ProviderKey) error {
	tx, cancel := s.session()
	defer cancel()
	return translate(tx.Save(key).Error)
}

func (s *gormService) DeleteProviderKey(id uint) error {
	tx, cancel := s.session()
	defer cancel()
	return translate(tx.Delete(&model.ProviderKey{}, id).Error)
}

func (s *gormService) BatchAddProviderKeys(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, cancel := s.session()
	defer cancel()
	records := make([]model.ProviderKey, len(keys))
	for i, k := range keys {
		records[i] = model.ProviderKey{Key: k, Status: "active"}
	}
	// Ignore keys that already exist so re-imports are harmless.
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("failed to batch add provider keys: %w", err)
	}
	return nil
}

func (s *gormService) BatchDeleteProviderKeys(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, cancel := s.session()
	defer cancel()
	if err := tx.Where("key IN ?", keys).Delete(&model.ProviderKey{}).Error; err != nil {
		return fmt.Errorf("failed to batch delete provider keys: %w", err)
	}
	return nil
}

// HandleProviderKeyFailure increments the failure count for a key and
// disables it if the threshold is met. It returns true if the key was disabled.
func (s *gormService) HandleProviderKeyFailure(key string, disableThreshold int) (bool, error) {
	tx, cancel := s.session()
	defer cancel()

	var disabled bool
	err := tx.Transaction(func(tx *gorm.DB) error {
		// Atomically increment the failure count
		result := tx.Model(&model.ProviderKey{}).Where("key = ?", key).UpdateColumn("failure_count", gorm.Expr("failure_count + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("key not found during failure count update: %s", key)
		}

		var providerKey model.ProviderKey
		if err := tx.Where("key = ?", key).First(&providerKey).Error; err != nil {
			return err
		}

		if providerKey.FailureCount >= disableThreshold && providerKey.Status == "active" {
			if err := tx.Model(&providerKey).Update("status", "disabled").Error; err != nil {
				return err
			}
			disabled = true
		}

		return nil
	})

	return disabled, err
}

func (s *gormService) ResetProviderKeyFailureCount(key string) error {
	tx, cancel := s.session()
	defer cancel()
	result := tx.Model(&model.ProviderKey{}).Where("key = ?", key).Update("failure_count", 0)
	if result.Error != nil {
		return fmt.Errorf("failed to reset failure count for provider key: %w", result.Error)
	}
	// It's okay if RowsAffected is 0, the key might have been removed.
	return nil
}

func (s *gormService) IncrementProviderKeyUsageCount(key string) error {
	tx, cancel := s.session()
	defer cancel()
	result := tx.Model(&model.ProviderKey{}).Where("key = ?", key).UpdateColumn("usage_count", gorm.Expr("usage_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("failed to increment usage count for provider key: %w", result.Error)
	}
	return nil
}

// --- Users ---

func (s *gormService) ListUsers() ([]model.User, error) {
	tx, cancel := s.session()
	defer cancel()
	var users []model.User
	if err := tx.Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (s *gormService) CreateUser(user *model.User) error {
	tx, cancel := s.session()
	defer cancel()
	return translate(tx.Create(user).Error)
}

func (s *gormService) GetUser(id uint) (*model.User, error) {
	tx, cancel := s.session()
	defer cancel()
	var user model.User
	if err := tx.First(&user, id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (s *gormService) UpdateUser(user *model.User) error {
	tx, cancel := s.session()
	defer cancel()
	return translate(tx.Save(user).Error)
}

func (s *gormService) DeleteUser(id uint) error {
	tx, cancel := s.session()
	defer cancel()
	return translate(tx.Delete(&model.User{}, id).Error)
}

// --- Organizations ---

func (s *gormService) ListOrganizations() ([]model.Organization, error) {
	tx, cancel := s.session()
	defer cancel()
	var orgs []model.Organization
	if err := tx.Find(&orgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	return orgs, nil
}

func (s *gormService) CreateOrganization(org *model.Organization) error {
	tx, cancel := s.session()
	defer cancel()
	return translate(tx.Create(org).Error)
}

func (s *gormService) GetOrganization(id uint) (*model.Organization, error) {
	tx, cancel := s.session()
	defer cancel()
	var org model.Organization
	if err := tx.First(&org, id).Error; err != nil {
		return nil, translate(err)
	}
	return &org, nil
}

func (s *gormService) GetOrganizationByCustomerID(customerID string) (*model.Organization, error) {
	tx, cancel := s.session()
	defer cancel()
	var org model.Organization
	if err := tx.Where("stripe_customer_id = ?", customerID).First(&org).Error; err != nil {
		return nil, translate(err)
	}
	return &org, nil
}

func (s *gormService) UpdateOrganization(org *model.Organization) error {
	tx, cancel := s.session()
	defer cancel()
	return translate(tx.Save(org).Error)
}

func (s *gormService) DeleteOrganization(id uint) error {
	tx, cancel := s.session()
	defer cancel()
	return translate(tx.Delete(&model.Organization{}, id).Error)
}
