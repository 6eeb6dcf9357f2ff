// Package config loads the call agent configuration from the environment
package config

import (
	"fmt"
	"strings"
	"time"

	"peercall/pkg/constants"
	"peercall/pkg/env"
)

// Config holds every tunable the call agent reads at startup
type Config struct {
	Env      string
	HTTPPort int

	// Identity of the user this agent serves
	UserID      string
	DisplayName string

	LogLevel  string
	LogFormat string

	// ICE servers for NAT traversal, comma separated
	StunURLs []string

	RingTimeout      time.Duration
	RecordGraceDelay time.Duration
}

// Load reads configuration from the environment with sensible defaults.
// USER_ID is the only required variable.
func Load() (*Config, error) {
	userID := env.GetString("USER_ID", "")
	if userID == "" {
		return nil, fmt.Errorf("USER_ID is required")
	}

	stun := env.GetString("STUN_URLS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")
	urls := make([]string, 0, 2)
	for _, u := range strings.Split(stun, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}

	return &Config{
		Env:              env.GetString("ENV", "development"),
		HTTPPort:         env.GetInt("HTTP_PORT", 8084),
		UserID:           userID,
		DisplayName:      env.GetString("DISPLAY_NAME", userID),
		LogLevel:         env.GetString("LOG_LEVEL", "info"),
		LogFormat:        env.GetString("LOG_FORMAT", "json"),
		StunURLs:         urls,
		RingTimeout:      env.GetDuration("RING_TIMEOUT", constants.RingTimeout),
		RecordGraceDelay: env.GetDuration("RECORD_GRACE_DELAY", constants.RecordGraceDelay),
	}, nil
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// IsProduction reports whether the agent runs with production settings
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
