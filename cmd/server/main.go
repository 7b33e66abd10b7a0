package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	intrnl "github.com/Companyprojects-ux/CLI-Chat/internal"
	"github.com/Companyprojects-ux/CLI-Chat/internal/app"
	"github.com/Companyprojects-ux/CLI-Chat/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("CLICHAT_CONFIG"), "path to a YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	moderator := flag.String("moderator", "", "moderator username (overrides config)")
	logLevel := flag.String("log-level", envOrDefault("CLICHAT_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	createUser := flag.String("create-user", "", "create a user as username:password[:admin] and exit")
	setPassword := flag.String("set-password", "", "reset a password as username:newpassword and exit")
	listServers := flag.Bool("list-servers", false, "list active server instances and exit")
	flag.Parse()

	log := newLogger(*logLevel)
	slog.SetDefault(log)

	cfg, err := app.LoadServerConfig(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *moderator != "" {
		cfg.Moderator = *moderator
	}

	if *createUser != "" {
		os.Exit(runCreateUser(cfg, *createUser, log))
	}
	if *setPassword != "" {
		os.Exit(runSetPassword(cfg, *setPassword, log))
	}
	if *listServers {
		os.Exit(runListServers(cfg, log))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg, log)
	if err != nil {
		log.Error("start server", "error", err)
		os.Exit(1)
	}
	if err := handle.Wait(); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func runCreateUser(cfg app.ServerConfig, spec string, log *slog.Logger) int {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		fmt.Fprintln(os.Stderr, "usage: -create-user username:password[:admin]")
		return 1
	}
	isAdmin := len(parts) == 3 && parts[2] == "admin"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		log.Error("open store", "error", err)
		return 1
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Error("migrate", "error", err)
		return 1
	}
	hash, err := intrnl.HashPassword(parts[1])
	if err != nil {
		log.Error("hash password", "error", err)
		return 1
	}
	if _, err := store.CreateUser(ctx, parts[0], hash, isAdmin); err != nil {
		log.Error("create user", "username", parts[0], "error", err)
		return 1
	}
	log.Info("user created", "username", parts[0], "admin", isAdmin)
	return 0
}

func runSetPassword(cfg app.ServerConfig, spec string, log *slog.Logger) int {
	username, password, ok := strings.Cut(spec, ":")
	if !ok || username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "usage: -set-password username:newpassword")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		log.Error("open store", "error", err)
		return 1
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Error("migrate", "error", err)
		return 1
	}
	user, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		log.Error("look up user", "username", username, "error", err)
		return 1
	}
	if user == nil {
		log.Error("user not found", "username", username)
		return 1
	}
	hash, err := intrnl.HashPassword(password)
	if err != nil {
		log.Error("hash password", "error", err)
		return 1
	}
	if err := store.UpdatePassword(ctx, user.ID, hash); err != nil {
		log.Error("update password", "username", username, "error", err)
		return 1
	}
	log.Info("password updated", "username", username)
	return 0
}

func runListServers(cfg app.ServerConfig, log *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		log.Error("open store", "error", err)
		return 1
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Error("migrate", "error", err)
		return 1
	}
	servers, err := store.ActiveServers(ctx)
	if err != nil {
		log.Error("list servers", "error", err)
		return 1
	}
	if len(servers) == 0 {
		fmt.Println("no active servers")
		return 0
	}
	for _, srv := range servers {
		fmt.Printf("id=%d port=%d moderator=%s started=%s\n",
			srv.ID, srv.Port, srv.Moderator, srv.Started.Local().Format(time.RFC3339))
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
