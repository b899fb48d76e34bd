package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WSURL != "ws://localhost:8080/ws" {
		t.Fatalf("ws url = %q, want default", cfg.WSURL)
	}
	if cfg.APIBaseURL != "http://localhost:8080/api" {
		t.Fatalf("api url = %q, want default", cfg.APIBaseURL)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("heartbeat = %v, want 10s", cfg.HeartbeatInterval)
	}
	if cfg.DedupWindow != 2*time.Second {
		t.Fatalf("dedup window = %v, want 2s", cfg.DedupWindow)
	}
	if cfg.StorePath() == "" {
		t.Fatal("empty store path")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SUPPORTCHAT_WS_URL", "wss://chat.example.com/ws")
	t.Setenv("SUPPORTCHAT_RECONNECT_DELAY", "250ms")
	t.Setenv("SUPPORTCHAT_STATE_DIR", "/tmp/sc-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WSURL != "wss://chat.example.com/ws" {
		t.Fatalf("ws url = %q", cfg.WSURL)
	}
	if cfg.ReconnectDelay != 250*time.Millisecond {
		t.Fatalf("reconnect delay = %v, want 250ms", cfg.ReconnectDelay)
	}
	if got := cfg.StorePath(); got != "/tmp/sc-test/supportchat.json" {
		t.Fatalf("store path = %q", got)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("SUPPORTCHAT_HEARTBEAT_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}
