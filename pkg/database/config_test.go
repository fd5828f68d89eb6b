package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"STORE_URL", "DB_HOST", "DB_PORT", "DB_NAME", "DB_SSLMODE", "DB_MAX_OPEN_CONNS"} {
		t.Setenv(key, "")
	}
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "remex", cfg.Database)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 10, cfg.MaxOpenConns)
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6432")
	t.Setenv("DB_NAME", "remex_prod")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 6432, cfg.Port)
	assert.Equal(t, "remex_prod", cfg.Database)
}

func TestLoadConfigFromEnvRejectsBadPort(t *testing.T) {
	t.Setenv("DB_PORT", "not-a-port")
	_, err := LoadConfigFromEnv()
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	cfg := Config{
		Host: "localhost", Port: 5432, User: "remex",
		Password: "secret", Database: "remex", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=remex password=secret dbname=remex sslmode=disable",
		cfg.DSN())

	// A full URL wins over the discrete fields.
	cfg.URL = "postgres://u:p@h:5/db"
	assert.Equal(t, "postgres://u:p@h:5/db", cfg.DSN())
}
