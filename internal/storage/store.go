package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Message type tags stored in the messages table.
const (
	TypeChat         = "chat"
	TypeNotification = "notification"
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeClear        = "clear"
)

// File transfer statuses.
const (
	TransferCompleted = "completed"
	TransferFailed    = "failed"
)

// Store wraps the SQLite handle and exposes helper methods used by the server.
type Store struct {
	db *sql.DB
}

// User represents a row in the users table.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	LastLogin    sql.NullTime
	IsActive     bool
	IsAdmin      bool
}

// MessageRecord is one persisted chat/notification event.
type MessageRecord struct {
	UserID    int64
	Content   string
	Type      string
	Encrypted bool
	Timestamp time.Time
}

// HistoryMessage is a message joined with its author, as replayed to a
// freshly connected client.
type HistoryMessage struct {
	Username  string
	IsAdmin   bool
	Content   string
	Type      string
	Timestamp time.Time
}

// ServerInstance is a row in the servers table; active rows let clients
// discover running servers.
type ServerInstance struct {
	ID        int64
	Port      int
	Moderator string
	Started   time.Time
	Active    bool
}

// FileTransferRecord is one audit-log row for an inline file transfer.
type FileTransferRecord struct {
	ID         int64
	Filename   string
	Size       int64
	SenderID   int64
	ReceiverID int64
	Timestamp  time.Time
	Status     string
	Hash       string
}

// ErrUserExists is returned when attempting to insert a duplicate username.
var ErrUserExists = errors.New("user already exists")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "clichat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_login DATETIME,
			is_active INTEGER NOT NULL DEFAULT 1,
			is_admin INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			type TEXT NOT NULL DEFAULT 'chat',
			is_encrypted INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS servers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			port INTEGER NOT NULL,
			moderator TEXT NOT NULL,
			started DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			active INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS file_transfers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL,
			size INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			timestamp DATETIME NOT NULL,
			status TEXT NOT NULL,
			file_hash TEXT NOT NULL,
			FOREIGN KEY(sender_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(receiver_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, password_hash, is_admin) VALUES(?, ?, ?)`,
		username, passwordHash, isAdmin)
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return result.LastInsertId()
}

// GetUserByUsername fetches a user by username. Returns (nil, nil) when absent.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, last_login, is_active, is_admin
		 FROM users WHERE username = ?`, username)
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt,
		&user.LastLogin, &user.IsActive, &user.IsAdmin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// UpdateLastLogin stamps the user's most recent successful authentication.
func (s *Store) UpdateLastLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, time.Now().UTC(), userID)
	return err
}

// UpdatePassword replaces the stored password hash for a user.
func (s *Store) UpdatePassword(ctx context.Context, userID int64, newHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=? WHERE id=?`, newHash, userID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("no user with id %d", userID)
	}
	return nil
}

// AppendMessage stores a message row. A zero Timestamp means "now".
func (s *Store) AppendMessage(ctx context.Context, rec MessageRecord) (int64, error) {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(user_id, content, timestamp, type, is_encrypted) VALUES(?, ?, ?, ?, ?)`,
		rec.UserID, rec.Content, ts.UTC(), rec.Type, rec.Encrypted)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentHistory returns up to limit chat/notification messages in
// chronological order, joined with their authors.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]HistoryMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.username, u.is_admin, m.content, m.type, m.timestamp
		FROM messages m
		JOIN users u ON u.id = m.user_id
		WHERE m.type IN (?, ?)
		ORDER BY m.timestamp DESC, m.id DESC
		LIMIT ?
	`, TypeChat, TypeNotification, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []HistoryMessage
	for rows.Next() {
		var msg HistoryMessage
		if err := rows.Scan(&msg.Username, &msg.IsAdmin, &msg.Content, &msg.Type, &msg.Timestamp); err != nil {
			return nil, err
		}
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// the query returns newest-first; flip to chronological for replay
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// ClearMessagesBefore deletes chat and notification rows older than the
// given instant and reports how many were removed. Other message types are
// left intact.
func (s *Store) ClearMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE timestamp < ? AND type IN (?, ?)`,
		cutoff.UTC(), TypeChat, TypeNotification)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RegisterServer inserts an active server row and returns its id.
func (s *Store) RegisterServer(ctx context.Context, port int, moderator string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO servers(port, moderator, started, active) VALUES(?, ?, ?, 1)`,
		port, moderator, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// DeactivateServer marks the server row inactive during shutdown.
func (s *Store) DeactivateServer(ctx context.Context, serverID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE servers SET active = 0 WHERE id = ?`, serverID)
	return err
}

// ActiveServers lists all currently registered active server instances.
func (s *Store) ActiveServers(ctx context.Context) ([]ServerInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, port, moderator, started, active FROM servers WHERE active = 1 ORDER BY started ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []ServerInstance
	for rows.Next() {
		var instance ServerInstance
		if err := rows.Scan(&instance.ID, &instance.Port, &instance.Moderator, &instance.Started, &instance.Active); err != nil {
			return nil, err
		}
		servers = append(servers, instance)
	}
	return servers, rows.Err()
}

// RecordFileTransfer inserts an audit row for a file relay.
func (s *Store) RecordFileTransfer(ctx context.Context, rec FileTransferRecord) (int64, error) {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO file_transfers(filename, size, sender_id, receiver_id, timestamp, status, file_hash)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		rec.Filename, rec.Size, rec.SenderID, rec.ReceiverID, ts.UTC(), rec.Status, rec.Hash)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ListFileTransfers returns the most recent audit rows, newest first.
func (s *Store) ListFileTransfers(ctx context.Context, limit int) ([]FileTransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, size, sender_id, receiver_id, timestamp, status, file_hash
		FROM file_transfers
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FileTransferRecord
	for rows.Next() {
		var rec FileTransferRecord
		if err := rows.Scan(&rec.ID, &rec.Filename, &rec.Size, &rec.SenderID, &rec.ReceiverID,
			&rec.Timestamp, &rec.Status, &rec.Hash); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}
