package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoEnvOrFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBindPort, cfg.BindPort)
	assert.Equal(t, DefaultStoreDSN, cfg.StoreDSN)
	assert.Equal(t, DefaultMasters, cfg.Masters)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("TEERANK_BIND_PORT", "9000")
	t.Setenv("TEERANK_STORE_DSN", "postgres://x:y@z/db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.BindPort)
	assert.Equal(t, "postgres://x:y@z/db", cfg.StoreDSN)
}

func TestLoadMastersFromBootstrapFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "masters.yaml")
	require.NoError(t, os.WriteFile(path, []byte("masters:\n  - custom1.example.com:8300\n  - custom2.example.com:8300\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"custom1.example.com:8300", "custom2.example.com:8300"}, cfg.Masters)
}

func TestLoadMissingBootstrapFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultMasters, cfg.Masters)
}
