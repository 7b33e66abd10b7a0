package app

import (
	"errors"

	intrnl "github.com/Companyprojects-ux/CLI-Chat/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if cfg.Username == "" {
		return errors.New("username is required")
	}
	return intrnl.RunClient(intrnl.ClientOptions{
		ServerURL:    cfg.ServerURL,
		Username:     cfg.Username,
		KeysDir:      cfg.KeysDir,
		DownloadsDir: cfg.DownloadsDir,
		TokenCache:   cfg.TokenCache,
	})
}
