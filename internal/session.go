package internal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// frames must fit a 10 MiB file in base64 plus command overhead
	maxFrameSize = 16 << 20
)

// SessionID is the opaque identifier the registry hands out per connection.
type SessionID string

// Session is one authenticated, live connection. It owns its websocket and a
// buffered outbound queue; the registry owns the identity mappings.
type Session struct {
	ID          SessionID
	Username    string
	UserID      int64
	IsAdmin     bool
	IsModerator bool
	JoinedAt    time.Time

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, username string, userID int64, isAdmin bool) *Session {
	return &Session{
		ID:       SessionID(uuid.NewString()),
		Username: username,
		UserID:   userID,
		IsAdmin:  isAdmin,
		JoinedAt: time.Now(),
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
	}
}

// Deliver queues an event for this session. It returns false when the
// session is closing or its queue is full; a slow consumer never blocks the
// caller.
func (s *Session) Deliver(event Event) bool {
	return s.enqueue(event.Encode())
}

func (s *Session) enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case <-s.done:
		return false
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Close signals the write pump to finish. Frames already queued still go
// out before the close frame. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// writePump drains the outbound queue onto the websocket and keeps the peer
// alive with periodic pings. On Close it flushes everything still queued
// before writing the close frame, so a goodbye or shutdown notice enqueued
// just before the close is not lost. Either way the connection is closed on
// exit, which also unblocks the read side.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-s.done:
			s.flushAndClose()
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flushAndClose writes every frame buffered at close time, then the close
// frame. The send channel itself is never closed because enqueue has no
// single owner; the done channel gates new frames instead.
func (s *Session) flushAndClose() {
	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
