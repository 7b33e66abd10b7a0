package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Companyprojects-ux/CLI-Chat/internal/app"
)

func main() {
	configPath := flag.String("config", os.Getenv("CLICHAT_CONFIG"), "path to a YAML config file")
	serverURL := flag.String("server", "", "WebSocket URL (e.g., ws://localhost:8765/ws)")
	username := flag.String("user", "", "username to log in as")
	flag.Parse()

	cfg, err := app.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *username != "" {
		cfg.Username = *username
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("USER")
	}

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
