// Package config loads runtime configuration from the environment,
// with an optional .env file for development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every externally tunable knob. Timing values are
// configuration on purpose: reconnect and heartbeat behavior must be
// adjustable for tests.
type Config struct {
	WSURL             string        // WebSocket endpoint
	APIBaseURL        string        // REST collaborator base URL
	StateDir          string        // durable store location
	ReconnectDelay    time.Duration // fixed delay between reconnect attempts
	HeartbeatInterval time.Duration // client ping cadence; 2x silence is a dead connection
	DedupWindow       time.Duration // duplicate-collapse window for inbound messages
	RESTTimeout       time.Duration // per-request REST timeout
}

// Load reads configuration from SUPPORTCHAT_* environment variables. A
// .env file is honored when present but never required.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env file")
	}

	cfg := &Config{
		WSURL:      envOr("SUPPORTCHAT_WS_URL", "ws://localhost:8080/ws"),
		APIBaseURL: envOr("SUPPORTCHAT_API_URL", "http://localhost:8080/api"),
		StateDir:   envOr("SUPPORTCHAT_STATE_DIR", defaultStateDir()),
	}

	var err error
	if cfg.ReconnectDelay, err = envDuration("SUPPORTCHAT_RECONNECT_DELAY", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = envDuration("SUPPORTCHAT_HEARTBEAT_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.DedupWindow, err = envDuration("SUPPORTCHAT_DEDUP_WINDOW", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.RESTTimeout, err = envDuration("SUPPORTCHAT_REST_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StorePath is the durable store file inside StateDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.StateDir, "supportchat.json")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "supportchat")
	}
	return ".supportchat"
}
