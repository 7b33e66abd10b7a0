package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	intrnl "github.com/Companyprojects-ux/CLI-Chat/internal"
	"github.com/Companyprojects-ux/CLI-Chat/internal/storage"
)

// ServerHandle represents a running chat server instance.
type ServerHandle struct {
	addr     string
	server   *http.Server
	store    *storage.Store
	core     *intrnl.Server
	serverID int64
	log      *slog.Logger
	done     chan struct{}
	err      error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// ModeratorGone is closed when the moderator disconnects and the room shuts
// down.
func (h *ServerHandle) ModeratorGone() <-chan struct{} {
	return h.core.ModeratorGone()
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.core.Shutdown()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the store, runs migrations, makes sure the moderator
// account exists, registers the instance, and starts serving in the
// background. Call Stop/Wait to manage its lifecycle; ModeratorGone reports
// the moderator-driven shutdown.
func RunServer(ctx context.Context, cfg ServerConfig, log *slog.Logger) (*ServerHandle, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := EnsureModerator(ctx, store, cfg.Moderator, log); err != nil {
		_ = store.Close()
		return nil, err
	}

	secret := []byte(cfg.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		log.Warn("no token secret configured, issued tokens will not survive a restart")
	}

	core := intrnl.NewServer(intrnl.ServerOptions{
		Store:         store,
		Gate:          intrnl.NewCredentialGate(store, secret, cfg.TokenTTL.Std()),
		ModeratorName: cfg.Moderator,
		AuthLimit:     cfg.AuthLimit,
		AuthWindow:    cfg.AuthWindow.Std(),
		Logger:        log,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, core.ServeWS)
	mux.Handle("/metrics", core.Metrics())

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	port := 0
	if tcp, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	serverID, err := store.RegisterServer(ctx, port, cfg.Moderator)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("register server: %w", err)
	}

	handle := &ServerHandle{
		addr:     listener.Addr().String(),
		server:   &http.Server{Handler: mux},
		store:    store,
		core:     core,
		serverID: serverID,
		log:      log,
		done:     make(chan struct{}),
	}

	core.Start()
	log.Info("server listening", "addr", handle.addr, "path", cfg.Path, "moderator", cfg.Moderator)

	go func() {
		select {
		case <-ctx.Done():
		case <-core.ModeratorGone():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = handle.Stop(shutdownCtx)
	}()
	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if derr := h.store.DeactivateServer(ctx, h.serverID); derr != nil {
		h.log.Error("deactivate server row", "error", derr)
	}
	cancel()
	if cerr := h.store.Close(); cerr != nil {
		h.log.Error("store close", "error", cerr)
	}
	h.err = err
}

// EnsureModerator creates the moderator account on first run with a random
// temporary password, logged once so the operator can change it.
func EnsureModerator(ctx context.Context, store *storage.Store, username string, log *slog.Logger) error {
	user, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("lookup moderator: %w", err)
	}
	if user != nil {
		return nil
	}
	raw := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return fmt.Errorf("generate temp password: %w", err)
	}
	password := base64.RawURLEncoding.EncodeToString(raw)
	hash, err := intrnl.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash temp password: %w", err)
	}
	if _, err := store.CreateUser(ctx, username, hash, true); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return nil
		}
		return fmt.Errorf("create moderator: %w", err)
	}
	log.Warn("created moderator account with a temporary password, change it",
		"username", username, "password", password)
	return nil
}
