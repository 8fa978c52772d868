package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Environment variables must win over the config file.
func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
database:
  type: sqlite
  dsn: "file::memory:"
admin:
  password: "from-file"
port: 8080
`)

	t.Setenv("LYNXA_ADMIN_PASSWORD", "from-env")
	t.Setenv("LYNXA_PORT", "9999")
	t.Setenv("LYNXA_DEBUG", "true")

	cfg, _, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Admin.Password)
	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.Debug)
}

// A missing config file is fine when the environment supplies the database.
func TestEnvOnlyConfig(t *testing.T) {
	t.Setenv("LYNXA_DATABASE_TYPE", "sqlite")
	t.Setenv("LYNXA_DATABASE_DSN", "file::memory:")

	cfg, _, err := LoadConfig("does-not-exist.yaml")
	assert.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "file::memory:", cfg.Database.DSN)
}

func TestEnvSigningSecretSatisfiesSignedStrategy(t *testing.T) {
	path := writeConfigFile(t, `
database:
  type: sqlite
  dsn: "file::memory:"
auth:
  strategy: signed
`)

	t.Setenv("LYNXA_AUTH_SECRET", "env-secret")

	cfg, _, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.Auth.SigningSecret)
}
