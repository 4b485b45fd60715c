package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setDBEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_USER", "postgres")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_NAME", "images")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_SSLMODE", "disable")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setDBEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "photos/recent", cfg.IncomingDir)
	assert.Equal(t, "photos/all", cfg.ArchiveDir)
	assert.Equal(t, "deep-image-retriever", cfg.IndexName)
	assert.Equal(t, "__default__", cfg.Namespace)
	assert.Equal(t, 512, cfg.EmbeddingDim)
	assert.Equal(t, 5, cfg.DefaultTopK)
	assert.Equal(t, 4, cfg.WorkerCount)
}

func TestLoadRequiresDatabaseVariables(t *testing.T) {
	t.Setenv("DB_HOST", "")
	t.Setenv("DB_USER", "")
	t.Setenv("DB_PASSWORD", "")
	t.Setenv("DB_NAME", "")
	t.Setenv("DB_PORT", "")
	t.Setenv("DB_SSLMODE", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_HOST")
}

func TestDSN(t *testing.T) {
	setDBEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t,
		"host=localhost user=postgres password=secret dbname=images port=5432 sslmode=disable",
		cfg.DSN())
}
