package app

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "2h" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig defines how the chat backend runs. Values load from an
// optional YAML file, then CLICHAT_* environment variables, then flags.
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	Path        string   `yaml:"path"`
	DBPath      string   `yaml:"db_path"`
	Moderator   string   `yaml:"moderator"`
	TokenSecret string   `yaml:"token_secret"`
	TokenTTL    Duration `yaml:"token_ttl"`
	AuthLimit   int      `yaml:"auth_limit"`
	AuthWindow  Duration `yaml:"auth_window"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL    string `yaml:"server_url"`
	Username     string `yaml:"username"`
	KeysDir      string `yaml:"keys_dir"`
	DownloadsDir string `yaml:"downloads_dir"`
	TokenCache   string `yaml:"token_cache"`
}

// LoadServerConfig reads the YAML file when path is non-empty, then applies
// environment overrides. Missing file at an explicit path is an error; the
// zero path just means "env and defaults only".
func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyServerEnv(&cfg)
	cfg.applyDefaults()
	return cfg, nil
}

func applyServerEnv(cfg *ServerConfig) {
	if v := os.Getenv("CLICHAT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("CLICHAT_WS_PATH"); v != "" {
		cfg.Path = v
	}
	if v := os.Getenv("CLICHAT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CLICHAT_MODERATOR"); v != "" {
		cfg.Moderator = v
	}
	if v := os.Getenv("CLICHAT_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("CLICHAT_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TokenTTL = Duration(d)
		}
	}
	if v := os.Getenv("CLICHAT_AUTH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AuthLimit = n
		}
	}
	if v := os.Getenv("CLICHAT_AUTH_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AuthWindow = Duration(d)
		}
	}
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.Addr == "" {
		cfg.Addr = ":8765"
	}
	cfg.Path = NormalizeWSPath(cfg.Path)
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if cfg.Moderator == "" {
		cfg.Moderator = "admin"
	}
	if cfg.AuthLimit <= 0 {
		cfg.AuthLimit = 10
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = Duration(time.Minute)
	}
}

// LoadClientConfig mirrors LoadServerConfig for the client side.
func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := os.Getenv("CLICHAT_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("CLICHAT_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("CLICHAT_KEYS_DIR"); v != "" {
		cfg.KeysDir = v
	}
	if v := os.Getenv("CLICHAT_DOWNLOADS_DIR"); v != "" {
		cfg.DownloadsDir = v
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "ws://localhost:8765/ws"
	}
	if cfg.KeysDir == "" {
		cfg.KeysDir = filepath.Join(dataDir(), "keys")
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(dataDir(), "downloads")
	}
	if cfg.TokenCache == "" {
		cfg.TokenCache = filepath.Join(dataDir(), "token")
	}
	return cfg, nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("CLICHAT_DB_PATH"); env != "" {
		return env
	}
	return filepath.Join(dataDir(), "clichat.db")
}

func dataDir() string {
	if env := os.Getenv("CLICHAT_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "clichat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "CLIChat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "CLIChat")
		}
		return filepath.Join(home, ".local", "share", "clichat")
	}
	return filepath.Join(".", ".clichat")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
