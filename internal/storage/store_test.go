package storage

import (
	"context"
	"testing"
	"time"
)

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "alice", "hash", false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected id > 0")
	}
	if _, err := store.CreateUser(ctx, "alice", "hash2", false); err != ErrUserExists {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	user, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user == nil || user.Username != "alice" || user.IsAdmin {
		t.Fatalf("unexpected user: %+v", user)
	}
	if !user.IsActive {
		t.Fatalf("expected new user active")
	}
	if user.LastLogin.Valid {
		t.Fatalf("expected no last login yet")
	}

	if err := store.UpdateLastLogin(ctx, id); err != nil {
		t.Fatalf("UpdateLastLogin: %v", err)
	}
	user, _ = store.GetUserByUsername(ctx, "alice")
	if !user.LastLogin.Valid {
		t.Fatalf("expected last login set")
	}

	missing, err := store.GetUserByUsername(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUserByUsername missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown user, got %+v", missing)
	}
}

func TestUpdatePassword(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "alice", "old-hash", false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := store.UpdatePassword(ctx, id, "new-hash"); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}
	user, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user.PasswordHash != "new-hash" {
		t.Fatalf("expected the replaced hash, got %q", user.PasswordHash)
	}

	if err := store.UpdatePassword(ctx, 9999, "hash"); err == nil {
		t.Fatalf("expected an error for an unknown user id")
	}
}

func TestRecentHistoryFiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID, err := store.CreateUser(ctx, "alice", "hash", false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	rows := []MessageRecord{
		{UserID: userID, Content: "first", Type: TypeChat, Timestamp: base},
		{UserID: userID, Content: "joined the chat.", Type: TypeJoin, Timestamp: base.Add(time.Minute)},
		{UserID: userID, Content: "second", Type: TypeChat, Timestamp: base.Add(2 * time.Minute)},
		{UserID: userID, Content: "cleared the chat history.", Type: TypeNotification, Timestamp: base.Add(3 * time.Minute)},
		{UserID: userID, Content: "left the chat.", Type: TypeLeave, Timestamp: base.Add(4 * time.Minute)},
	}
	for _, rec := range rows {
		if _, err := store.AppendMessage(ctx, rec); err != nil {
			t.Fatalf("AppendMessage %q: %v", rec.Content, err)
		}
	}

	history, err := store.RecentHistory(ctx, 100)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 replayable rows, got %d", len(history))
	}
	want := []string{"first", "second", "cleared the chat history."}
	for i, msg := range history {
		if msg.Content != want[i] {
			t.Fatalf("row %d: got %q, want %q", i, msg.Content, want[i])
		}
	}
	if history[0].Username != "alice" {
		t.Fatalf("expected joined username, got %q", history[0].Username)
	}
}

func TestRecentHistoryLimitKeepsNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID, _ := store.CreateUser(ctx, "alice", "hash", false)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := MessageRecord{
			UserID:    userID,
			Content:   string(rune('a' + i)),
			Type:      TypeChat,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := store.AppendMessage(ctx, rec); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	history, err := store.RecentHistory(ctx, 2)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(history))
	}
	if history[0].Content != "d" || history[1].Content != "e" {
		t.Fatalf("expected the newest rows in order, got %q then %q", history[0].Content, history[1].Content)
	}
}

func TestClearMessagesBeforeRespectsCutoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID, _ := store.CreateUser(ctx, "alice", "hash", false)

	cutoff := time.Now().UTC()
	older := MessageRecord{UserID: userID, Content: "old", Type: TypeChat, Timestamp: cutoff.Add(-time.Minute)}
	newer := MessageRecord{UserID: userID, Content: "new", Type: TypeChat, Timestamp: cutoff.Add(time.Minute)}
	keptJoin := MessageRecord{UserID: userID, Content: "joined the chat.", Type: TypeJoin, Timestamp: cutoff.Add(-time.Minute)}
	for _, rec := range []MessageRecord{older, newer, keptJoin} {
		if _, err := store.AppendMessage(ctx, rec); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	deleted, err := store.ClearMessagesBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("ClearMessagesBefore: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted row, got %d", deleted)
	}

	history, err := store.RecentHistory(ctx, 100)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(history) != 1 || history[0].Content != "new" {
		t.Fatalf("expected only the post-cutoff message, got %+v", history)
	}
}

func TestServerRegistry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.RegisterServer(ctx, 8765, "admin")
	if err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	servers, err := store.ActiveServers(ctx)
	if err != nil {
		t.Fatalf("ActiveServers: %v", err)
	}
	if len(servers) != 1 || servers[0].Port != 8765 || servers[0].Moderator != "admin" {
		t.Fatalf("unexpected servers: %+v", servers)
	}

	if err := store.DeactivateServer(ctx, id); err != nil {
		t.Fatalf("DeactivateServer: %v", err)
	}
	servers, err = store.ActiveServers(ctx)
	if err != nil {
		t.Fatalf("ActiveServers after deactivate: %v", err)
	}
	if len(servers) != 0 {
		t.Fatalf("expected no active servers, got %+v", servers)
	}
}

func TestFileTransferAudit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	aliceID, _ := store.CreateUser(ctx, "alice", "hash1", false)
	bobID, _ := store.CreateUser(ctx, "bob", "hash2", false)

	if _, err := store.RecordFileTransfer(ctx, FileTransferRecord{
		Filename:   "notes.txt",
		Size:       42,
		SenderID:   aliceID,
		ReceiverID: bobID,
		Status:     TransferCompleted,
		Hash:       "abc123",
	}); err != nil {
		t.Fatalf("RecordFileTransfer: %v", err)
	}
	if _, err := store.RecordFileTransfer(ctx, FileTransferRecord{
		Filename:   "huge.bin",
		Size:       99,
		SenderID:   aliceID,
		ReceiverID: bobID,
		Status:     TransferFailed,
	}); err != nil {
		t.Fatalf("RecordFileTransfer failed row: %v", err)
	}

	transfers, err := store.ListFileTransfers(ctx, 10)
	if err != nil {
		t.Fatalf("ListFileTransfers: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(transfers))
	}
	if transfers[0].Filename != "huge.bin" || transfers[0].Status != TransferFailed {
		t.Fatalf("expected newest first, got %+v", transfers[0])
	}
	if transfers[1].Hash != "abc123" {
		t.Fatalf("expected stored hash, got %+v", transfers[1])
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}
