package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestApplyProfileOverlaysDefinedKeys(t *testing.T) {
	path := writeProfile(t, `
extension = "1001"
domain = "pbx.example.com"
password = "secret"
stream_endpoint = "wss://pbx.example.com/stream"
ring_timeout_seconds = 30
`)

	cfg := &Config{
		PBXURL:    "http://localhost:8080",
		Extension: "override-me",
		LogLevel:  "info",
	}
	ringTimeout := 60
	require.NoError(t, applyProfile(cfg, path, &ringTimeout))

	assert.Equal(t, "1001", cfg.Extension)
	assert.Equal(t, "pbx.example.com", cfg.Domain)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "wss://pbx.example.com/stream", cfg.StreamEndpoint)
	assert.Equal(t, 30, ringTimeout)

	// Keys absent from the profile keep their current values.
	assert.Equal(t, "http://localhost:8080", cfg.PBXURL)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestApplyProfileMissingFile(t *testing.T) {
	cfg := &Config{}
	ringTimeout := 60
	err := applyProfile(cfg, "/nonexistent/profile.toml", &ringTimeout)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Domain: "pbx.example.com"}
	assert.Error(t, cfg.validate())

	cfg = &Config{Extension: "1001"}
	assert.Error(t, cfg.validate())

	cfg = &Config{Extension: "1001", Domain: "pbx.example.com", RingTimeout: 60 * time.Second}
	require.NoError(t, cfg.validate())
	// Server falls back to the domain.
	assert.Equal(t, "pbx.example.com", cfg.Server)
}
