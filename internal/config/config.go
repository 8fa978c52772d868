package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// DatabaseConfig holds the database connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// AuthConfig controls how client API keys are minted and verified.
type AuthConfig struct {
	// Strategy selects the token codec: "opaque" or "signed".
	Strategy string `yaml:"strategy"`
	// SigningSecret is the HMAC secret for the signed strategy.
	SigningSecret string `yaml:"signing_secret"`
	// KeyTTLDays is the fixed lifetime of every issued key.
	KeyTTLDays int `yaml:"key_ttl_days"`
	// OwnerDomain restricts issuance to owner addresses of this domain.
	OwnerDomain string `yaml:"owner_domain"`
}

// RateLimitConfig holds the fixed-window rate accounting settings.
type RateLimitConfig struct {
	WindowSeconds int            `yaml:"window_seconds"`
	PlanLimits    map[string]int `yaml:"plan_limits"`
	DefaultPlan   string         `yaml:"default_plan"`
}

// UpstreamConfig holds configuration for the provider key pool.
type UpstreamConfig struct {
	DisableKeyThreshold int `yaml:"disable_key_threshold"`
}

// AdminConfig holds configuration for the admin API.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// BillingConfig holds Stripe and pricing settings. Prices are decimal
// strings in USD per 1K tokens.
type BillingConfig struct {
	StripeWebhookSecret string `yaml:"stripe_webhook_secret"`
	InputTokenPrice     string `yaml:"input_token_price"`
	OutputTokenPrice    string `yaml:"output_token_price"`
}

// SchedulerConfig holds configuration for the background jobs.
type SchedulerConfig struct {
	KeyRevivalInterval   string `yaml:"key_revival_interval"`
	UsageRetentionDays   int    `yaml:"usage_retention_days"`
	WindowRetentionHours int    `yaml:"window_retention_hours"`
}

// Config holds the configuration for the whole service.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Admin     AdminConfig     `yaml:"admin"`
	Billing   BillingConfig   `yaml:"billing"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Port      int             `yaml:"port"`
	Debug     bool            `yaml:"debug"`
}

// PlanRateLimit returns the configured requests-per-window ceiling for a
// plan tier, falling back to the default plan's limit for unknown tiers.
func (c *Config) PlanRateLimit(plan string) int {
	if limit, ok := c.RateLimit.PlanLimits[plan]; ok {
		return limit
	}
	return c.RateLimit.PlanLimits[c.RateLimit.DefaultPlan]
}

// LoadConfig reads and parses the configuration file. It returns the config
// and a list of warnings for values that fell back to defaults.
var LoadConfig = func(path string) (*Config, []string, error) {
	var config Config
	var warnings []string

	data, err := os.ReadFile(path)
	if err == nil {
		// File exists, so unmarshal it
		err = yaml.Unmarshal(data, &config)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		// An error other than "not found" occurred
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}
	// If file does not exist, we continue with an empty config and rely on environment variables.

	// Set default values
	if config.Upstream.DisableKeyThreshold == 0 {
		config.Upstream.DisableKeyThreshold = 3
		warnings = append(warnings, "upstream.disable_key_threshold not set, using default value of 3")
	}
	if config.Auth.Strategy == "" {
		config.Auth.Strategy = "opaque"
	}
	if config.Auth.KeyTTLDays == 0 {
		config.Auth.KeyTTLDays = 30
		warnings = append(warnings, "auth.key_ttl_days not set, using default value of 30")
	}
	if config.Auth.OwnerDomain == "" {
		config.Auth.OwnerDomain = "gmail.com"
	}
	if config.RateLimit.WindowSeconds == 0 {
		config.RateLimit.WindowSeconds = 3600
		warnings = append(warnings, "rate_limit.window_seconds not set, using default value of 3600")
	}
	if len(config.RateLimit.PlanLimits) == 0 {
		config.RateLimit.PlanLimits = map[string]int{
			"free":       60,
			"pro":        1000,
			"enterprise": -1, // negative means unlimited
		}
	}
	if config.RateLimit.DefaultPlan == "" {
		config.RateLimit.DefaultPlan = "free"
	}
	if config.Billing.InputTokenPrice == "" {
		config.Billing.InputTokenPrice = "0.000075"
	}
	if config.Billing.OutputTokenPrice == "" {
		config.Billing.OutputTokenPrice = "0.0003"
	}
	if config.Scheduler.KeyRevivalInterval == "" {
		config.Scheduler.KeyRevivalInterval = "@every 10m"
	}
	if config.Scheduler.UsageRetentionDays == 0 {
		config.Scheduler.UsageRetentionDays = 90
	}
	if config.Scheduler.WindowRetentionHours == 0 {
		config.Scheduler.WindowRetentionHours = 24
	}
	if config.Port == 0 {
		config.Port = 8080
		warnings = append(warnings, "port not set, using default value of 8080")
	}

	// Override with environment variables if they exist
	if dsn := os.Getenv("LYNXA_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if dbType := os.Getenv("LYNXA_DATABASE_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if port := os.Getenv("LYNXA_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if password := os.Getenv("LYNXA_ADMIN_PASSWORD"); password != "" {
		config.Admin.Password = password
	}
	if secret := os.Getenv("LYNXA_AUTH_SECRET"); secret != "" {
		config.Auth.SigningSecret = secret
	}
	if secret := os.Getenv("LYNXA_STRIPE_WEBHOOK_SECRET"); secret != "" {
		config.Billing.StripeWebhookSecret = secret
	}
	if debug := os.Getenv("LYNXA_DEBUG"); debug != "" {
		config.Debug = (debug == "true")
	}

	// Final validation after overrides
	if config.Database.Type == "" || config.Database.DSN == "" {
		return nil, nil, fmt.Errorf("database type and dsn must be configured in config.yaml or via environment variables")
	}
	switch strings.ToLower(config.Auth.Strategy) {
	case "opaque":
	case "signed":
		if config.Auth.SigningSecret == "" {
			return nil, nil, fmt.Errorf("auth.signing_secret is required when auth.strategy is \"signed\"")
		}
	default:
		return nil, nil, fmt.Errorf("unsupported auth strategy: %s", config.Auth.Strategy)
	}

	return &config, warnings, nil
}
