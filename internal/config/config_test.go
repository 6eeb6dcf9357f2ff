package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresUserID(t *testing.T) {
	t.Setenv("USER_ID", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("USER_ID", "alice")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, "alice", cfg.DisplayName)
	assert.Equal(t, ":8084", cfg.Addr())
	assert.Equal(t, 60*time.Second, cfg.RingTimeout)
	assert.Equal(t, 5*time.Second, cfg.RecordGraceDelay)
	assert.Len(t, cfg.StunURLs, 2)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("USER_ID", "alice")
	t.Setenv("DISPLAY_NAME", "Alice")
	t.Setenv("ENV", "production")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("RING_TIMEOUT", "30s")
	t.Setenv("STUN_URLS", "stun:stun.example.com:3478, ,stun:backup.example.com:3478")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "Alice", cfg.DisplayName)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, 30*time.Second, cfg.RingTimeout)
	assert.Equal(t, []string{"stun:stun.example.com:3478", "stun:backup.example.com:3478"}, cfg.StunURLs)
}
