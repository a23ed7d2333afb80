package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Identity.PeerID == "" {
		t.Fatal("default config has no peer id")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"identity":{"peer_id":"alice"},"signaling":{"url":"wss://relay.example.org/ws"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.PeerID != "alice" {
		t.Fatalf("peer_id = %q", cfg.Identity.PeerID)
	}
	if cfg.Signaling.URL != "wss://relay.example.org/ws" {
		t.Fatalf("signaling url = %q", cfg.Signaling.URL)
	}
	// Untouched sections keep their defaults.
	if cfg.Media.VideoMaxKbps != 2500 {
		t.Fatalf("video_max_kbps = %d", cfg.Media.VideoMaxKbps)
	}
	if cfg.Quality.IntervalSec != 2 {
		t.Fatalf("quality interval = %d", cfg.Quality.IntervalSec)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"peer_id":"bob"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load with BOM: %v", err)
	}
	if cfg.Identity.PeerID != "bob" {
		t.Fatalf("peer_id = %q", cfg.Identity.PeerID)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty peer id", func(c *Config) { c.Identity.PeerID = "" }, "identity.peer_id"},
		{"peer id with slash", func(c *Config) { c.Identity.PeerID = "a/b" }, "identity.peer_id"},
		{"http signaling url", func(c *Config) { c.Signaling.URL = "http://x" }, "signaling.url"},
		{"token and token file", func(c *Config) {
			c.Signaling.Token = "t"
			c.Signaling.TokenFile = "f"
		}, "mutually exclusive"},
		{"bad stun url", func(c *Config) { c.ICE.STUNURLs = []string{"https://x"} }, "ice.stun_urls"},
		{"turn without creds", func(c *Config) { c.ICE.TURNURL = "turn:x:3478" }, "turn_username"},
		{"zero audio bitrate", func(c *Config) { c.Media.AudioMaxKbps = 0 }, "audio_max_kbps"},
		{"zero quality interval", func(c *Config) { c.Quality.IntervalSec = 0 }, "quality.interval_seconds"},
		{"bad api addr", func(c *Config) { c.API.HTTPAddr = "nope" }, "api.http_addr"},
		{"room without conversation", func(c *Config) {
			c.Rooms = []Room{{RoomID: "r1"}}
		}, "conversation_id"},
		{"turn port without creds", func(c *Config) { c.Relay.TURNPort = 3478 }, "turn_username"},
	}

	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected config to be created")
	}
	if cfg.Identity.PeerID == "" {
		t.Fatal("created config has no peer id")
	}

	again, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Fatal("second ensure should load, not create")
	}
	if again.Identity.PeerID != cfg.Identity.PeerID {
		t.Fatalf("peer id changed on reload: %q vs %q", again.Identity.PeerID, cfg.Identity.PeerID)
	}
}

func TestResolveTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  secret-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.Signaling.TokenFile = path
	tok, err := cfg.ResolveToken()
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if tok != "secret-token" {
		t.Fatalf("token = %q", tok)
	}
}
