package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadFrom_Defaults(t *testing.T) {
	dir := writeConfig(t, `
jwt_secret: secret
database:
  url: postgres://localhost/gatherly
`)

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "local", cfg.Nonce.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Nonce.TTL)
	assert.Equal(t, 8, cfg.Nonce.MaxTokens)
	assert.Equal(t, 587, cfg.Email.SMTPPort)
	assert.Equal(t, "http://localhost:8080/rsvp/%s", cfg.RSVPURLTemplate())
}

func TestLoadFrom_Overrides(t *testing.T) {
	dir := writeConfig(t, `
jwt_secret: secret
base_url: https://gather.example/
database:
  driver: sqlite
  url: /tmp/gatherly.db
nonce:
  backend: redis
  ttl: 2h
redis:
  address: localhost:6379
`)

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 2*time.Hour, cfg.Nonce.TTL)
	assert.Equal(t, "https://gather.example/rsvp/%s", cfg.RSVPURLTemplate())
}

func TestLoadFrom_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing jwt secret", "database:\n  url: x\n"},
		{"missing database url", "jwt_secret: s\n"},
		{"unknown driver", "jwt_secret: s\ndatabase:\n  driver: mysql\n  url: x\n"},
		{"redis without address", "jwt_secret: s\ndatabase:\n  url: x\nnonce:\n  backend: redis\n"},
		{"bluesky without key", "jwt_secret: s\ndatabase:\n  url: x\nbluesky:\n  enabled: true\n"},
		{"bluesky oauth without client", "jwt_secret: s\nencryption_key: k\ndatabase:\n  url: x\nbluesky:\n  enabled: true\n  auth_mode: oauth\n"},
		{"bluesky unknown auth mode", "jwt_secret: s\nencryption_key: k\ndatabase:\n  url: x\nbluesky:\n  enabled: true\n  auth_mode: magic\n"},
		{"rsvp path without token", "jwt_secret: s\ndatabase:\n  url: x\nrsvp_url_path: /rsvp\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
