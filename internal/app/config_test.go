package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNormalizeWSPath(t *testing.T) {
	cases := map[string]string{
		"":        "/ws",
		"ws":      "/ws",
		"/chat":   "/chat",
		"chat/v1": "/chat/v1",
	}
	for in, want := range cases {
		if got := NormalizeWSPath(in); got != want {
			t.Fatalf("NormalizeWSPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Addr != ":8765" || cfg.Path != "/ws" || cfg.Moderator != "admin" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.AuthLimit != 10 || cfg.AuthWindow.Std() != time.Minute {
		t.Fatalf("unexpected auth defaults: %+v", cfg)
	}
	if cfg.DBPath == "" {
		t.Fatalf("expected a default db path")
	}
}

func TestLoadServerConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	raw := "addr: \":9000\"\nmoderator: root\ntoken_ttl: 2h\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CLICHAT_MODERATOR", "boss")

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("file value not applied: %+v", cfg)
	}
	if cfg.Moderator != "boss" {
		t.Fatalf("env must override the file, got %q", cfg.Moderator)
	}
	if cfg.TokenTTL.Std() != 2*time.Hour {
		t.Fatalf("token ttl not parsed: %v", cfg.TokenTTL)
	}
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	if _, err := LoadServerConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected an error for an explicit missing file")
	}
}

func TestLoadClientConfigDefaults(t *testing.T) {
	cfg, err := LoadClientConfig("")
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.ServerURL != "ws://localhost:8765/ws" {
		t.Fatalf("unexpected default url: %q", cfg.ServerURL)
	}
	if cfg.KeysDir == "" || cfg.DownloadsDir == "" || cfg.TokenCache == "" {
		t.Fatalf("expected default directories: %+v", cfg)
	}
}
