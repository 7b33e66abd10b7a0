package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Companyprojects-ux/CLI-Chat/internal/storage"
)

// Server lifecycle states. Transitions only move forward.
const (
	StateStarting int32 = iota
	StateAccepting
	StateShuttingDown
	StateStopped
)

// authReadTimeout bounds how long a fresh connection may sit before sending
// its authentication frame.
const authReadTimeout = 30 * time.Second

const historyReplayLimit = 100

// Server accepts websocket connections, authenticates them, and runs one
// read loop per session. It shuts the whole room down when the moderator
// disconnects.
type Server struct {
	store    *storage.Store
	registry *Registry
	hub      *Hub
	router   *Router
	gate     *CredentialGate
	limiter  *RateLimiter
	metrics  *Metrics
	log      *slog.Logger

	moderatorName string

	state         atomic.Int32
	shutdownOnce  sync.Once
	moderatorGone chan struct{}
}

type ServerOptions struct {
	Store         *storage.Store
	Gate          *CredentialGate
	ModeratorName string
	AuthLimit     int
	AuthWindow    time.Duration
	Logger        *slog.Logger
}

func NewServer(opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.AuthLimit <= 0 {
		opts.AuthLimit = 10
	}
	if opts.AuthWindow <= 0 {
		opts.AuthWindow = time.Minute
	}
	metrics := NewMetrics()
	registry := NewRegistry(opts.ModeratorName)
	hub := NewHub(registry, metrics)
	transfers := NewFileTransferHandler(registry, opts.Store, metrics, log)
	srv := &Server{
		store:         opts.Store,
		registry:      registry,
		hub:           hub,
		router:        NewRouter(opts.Store, registry, hub, transfers, log),
		gate:          opts.Gate,
		limiter:       NewRateLimiter(opts.AuthLimit, opts.AuthWindow),
		metrics:       metrics,
		log:           log,
		moderatorName: opts.ModeratorName,
		moderatorGone: make(chan struct{}),
	}
	srv.state.Store(StateStarting)
	return srv
}

// Metrics exposes the counter set, mountable as an HTTP handler.
func (s *Server) Metrics() *Metrics { return s.metrics }

// State reports the current lifecycle state.
func (s *Server) State() int32 { return s.state.Load() }

// ModeratorGone is closed once the moderator disconnects and the room begins
// shutting down.
func (s *Server) ModeratorGone() <-chan struct{} { return s.moderatorGone }

// Start moves the server into the accepting state.
func (s *Server) Start() {
	s.state.CompareAndSwap(StateStarting, StateAccepting)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// clients are terminal programs, not browsers
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request and runs the connection to completion:
// authentication, history replay, join notice, read loop, leave notice.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.state.Load() != StateAccepting {
		http.Error(w, "server is not accepting connections", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	go s.runConnection(conn, r.RemoteAddr)
}

func (s *Server) runConnection(conn *websocket.Conn, remote string) {
	conn.SetReadLimit(maxFrameSize)

	user, token, err := s.authenticate(conn, remote)
	if err != nil {
		_ = conn.Close()
		return
	}

	sess := newSession(conn, user.Username, user.ID, user.IsAdmin)
	if err := s.writeJSON(conn, AuthResponse{
		Type:     EventAuthResponse,
		Success:  true,
		Token:    token,
		Username: user.Username,
		IsAdmin:  user.IsAdmin,
	}); err != nil {
		_ = conn.Close()
		return
	}

	s.registry.Register(sess)
	s.metrics.IncLogin()
	s.metrics.IncSession()
	s.log.Info("session started",
		"username", sess.Username, "session", sess.ID, "moderator", sess.IsModerator, "remote", remote)

	go sess.writePump()
	s.replayHistory(sess)
	s.announceJoin(sess)

	s.readLoop(sess)
	s.teardown(sess)
}

// authenticate reads and verifies the first frame. Failures get a terminal
// auth_response; the caller closes the connection.
func (s *Server) authenticate(conn *websocket.Conn, remote string) (*storage.User, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), authReadTimeout)
	defer cancel()

	if !s.limiter.Allow(remote) {
		s.metrics.IncAuthFailure()
		_ = s.writeJSON(conn, AuthResponse{Type: EventAuthResponse, Message: "Too many authentication attempts. Try again later."})
		return nil, "", errors.New("rate limited")
	}

	_ = conn.SetReadDeadline(time.Now().Add(authReadTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, "", err
	}
	_ = conn.SetReadDeadline(time.Time{})

	var req AuthRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		s.reject(conn, remote, "Invalid authentication method")
		return nil, "", err
	}

	switch req.Type {
	case "login":
		user, token, err := s.gate.Login(ctx, req.Username, req.Password)
		if err != nil {
			s.reject(conn, remote, "Invalid username or password")
			return nil, "", err
		}
		s.limiter.Reset(remote)
		return user, token, nil
	case "token":
		user, err := s.gate.Authenticate(ctx, req.Token)
		if err != nil {
			s.reject(conn, remote, "Invalid or expired token")
			return nil, "", err
		}
		s.limiter.Reset(remote)
		// a token reconnect keeps using the same token
		return user, req.Token, nil
	default:
		s.reject(conn, remote, "Invalid authentication method")
		return nil, "", errors.New("unknown auth type")
	}
}

func (s *Server) reject(conn *websocket.Conn, remote, message string) {
	s.metrics.IncAuthFailure()
	s.log.Warn("authentication failed", "remote", remote, "reason", message)
	_ = s.writeJSON(conn, AuthResponse{Type: EventAuthResponse, Message: message})
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// replayHistory sends the recent chat and notification rows, oldest first,
// before the session sees any live traffic.
func (s *Server) replayHistory(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	history, err := s.store.RecentHistory(ctx, historyReplayLimit)
	if err != nil {
		s.log.Error("load history", "error", err)
		return
	}
	for _, msg := range history {
		event := Event{
			Type:      EventChat,
			Username:  s.registry.DisplayName(msg.Username),
			Content:   msg.Content,
			Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
		}
		if msg.Type == storage.TypeNotification {
			event.Type = EventNotification
		}
		sess.Deliver(event)
	}
}

func (s *Server) announceJoin(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.store.AppendMessage(ctx, storage.MessageRecord{
		UserID:  sess.UserID,
		Content: "joined the chat.",
		Type:    storage.TypeJoin,
	}); err != nil {
		s.log.Error("persist join", "username", sess.Username, "error", err)
	}
	s.hub.Broadcast(NotificationEvent(s.registry.DisplayName(sess.Username), "joined the chat."))
}

// readLoop consumes frames until the peer goes away or asks to quit.
func (s *Server) readLoop(sess *Session) {
	conn := sess.conn
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("read error", "username", sess.Username, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var incoming struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(frame, &incoming); err != nil {
			sess.Deliver(ResponseEvent("Malformed message."))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		quit := s.router.Dispatch(ctx, sess, incoming.Content)
		cancel()
		if quit {
			return
		}
	}
}

// teardown runs exactly once per session after its read loop exits.
func (s *Server) teardown(sess *Session) {
	wasModerator := s.registry.Unregister(sess.ID)
	sess.Close()
	s.metrics.DecSession()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.store.AppendMessage(ctx, storage.MessageRecord{
		UserID:  sess.UserID,
		Content: "left the chat.",
		Type:    storage.TypeLeave,
	}); err != nil {
		s.log.Error("persist leave", "username", sess.Username, "error", err)
	}
	s.log.Info("session ended", "username", sess.Username, "session", sess.ID)

	if wasModerator {
		s.Shutdown()
		return
	}
	if s.state.Load() == StateAccepting {
		s.hub.Broadcast(NotificationEvent(s.registry.DisplayName(sess.Username), "left the chat."))
	}
}

// Shutdown closes the room: no new connections, a final notice to everyone,
// then every session is closed. Idempotent.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.state.Store(StateShuttingDown)
		s.log.Info("moderator disconnected, shutting down")
		s.hub.Broadcast(Event{
			Type:      EventNotification,
			Username:  "server",
			Content:   "Moderator disconnected. Server shutting down.",
			Timestamp: nowStamp(),
		})
		// each write pump flushes its queue, notice included, before the
		// close frame goes out
		for _, sess := range s.registry.Snapshot() {
			sess.Close()
		}
		s.state.Store(StateStopped)
		close(s.moderatorGone)
	})
}
