package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Companyprojects-ux/CLI-Chat/internal/storage"
)

// CommandKind identifies what a line of client input asks for.
type CommandKind int

const (
	KindChat CommandKind = iota
	KindUsers
	KindClear
	KindQuit
	KindWhisper
	KindFile
	KindUnknown
)

// Command is the parsed form of one input line.
type Command struct {
	Kind CommandKind
	// Target is the recipient username for whispers and file sends.
	Target string
	// Payload is the message body, file payload, or the full line for chat.
	Payload string
	// Raw is the line as received, used for error reporting.
	Raw string
}

const unknownCommandHelp = "Unknown command. Available commands: /users, /whisper, /w, /file, /clear, /quit, /exit"

// ErrUserOffline signals a whisper or file send to a user with no active
// session.
var ErrUserOffline = errors.New("user is not online")

// ParseCommand classifies one line of input. Only the command verb is
// case-insensitive; arguments keep their original casing so whisper bodies
// and filenames pass through intact.
func ParseCommand(line string) Command {
	if !strings.HasPrefix(line, "/") {
		return Command{Kind: KindChat, Payload: line, Raw: line}
	}
	verb, rest, _ := strings.Cut(line, " ")
	verb = strings.ToLower(verb)
	switch verb {
	case "/users":
		return Command{Kind: KindUsers, Raw: line}
	case "/clear":
		return Command{Kind: KindClear, Raw: line}
	case "/quit", "/exit":
		return Command{Kind: KindQuit, Raw: line}
	case "/whisper", "/w":
		target, payload, _ := strings.Cut(rest, " ")
		return Command{Kind: KindWhisper, Target: target, Payload: payload, Raw: line}
	case "/file":
		target, payload, _ := strings.Cut(rest, " ")
		return Command{Kind: KindFile, Target: target, Payload: payload, Raw: line}
	default:
		return Command{Kind: KindUnknown, Raw: line}
	}
}

// Router executes parsed commands against the live server state. One router
// serves all sessions.
type Router struct {
	store     *storage.Store
	registry  *Registry
	hub       *Hub
	transfers *FileTransferHandler
	log       *slog.Logger
}

func NewRouter(store *storage.Store, registry *Registry, hub *Hub, transfers *FileTransferHandler, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{store: store, registry: registry, hub: hub, transfers: transfers, log: log}
}

// Dispatch handles one line of input from a session. It reports quit=true
// when the session asked to leave; every other outcome, including errors, is
// communicated to the session itself and the connection stays up.
func (r *Router) Dispatch(ctx context.Context, sess *Session, line string) (quit bool) {
	cmd := ParseCommand(line)
	switch cmd.Kind {
	case KindChat:
		r.handleChat(ctx, sess, cmd.Payload)
	case KindUsers:
		r.handleUsers(sess)
	case KindClear:
		r.handleClear(ctx, sess)
	case KindQuit:
		sess.Deliver(ResponseEvent("Goodbye!"))
		return true
	case KindWhisper:
		r.handleWhisper(sess, cmd)
	case KindFile:
		r.handleFile(ctx, sess, cmd)
	case KindUnknown:
		sess.Deliver(ResponseEvent(unknownCommandHelp))
	}
	return false
}

func (r *Router) handleChat(ctx context.Context, sess *Session, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if _, err := r.store.AppendMessage(ctx, storage.MessageRecord{
		UserID:  sess.UserID,
		Content: text,
		Type:    storage.TypeChat,
	}); err != nil {
		r.log.Error("persist chat message", "user", sess.Username, "error", err)
	}
	r.hub.Broadcast(ChatEvent(r.registry.DisplayName(sess.Username), text))
}

func (r *Router) handleUsers(sess *Session) {
	names := r.registry.Usernames()
	for i, name := range names {
		names[i] = r.registry.DisplayName(name)
	}
	sess.Deliver(ResponseEvent(fmt.Sprintf("Online users (%d): %s", len(names), strings.Join(names, ", "))))
}

// handleClear removes persisted chat history up to the moment of the
// command. Messages that race in after the cutoff survive.
func (r *Router) handleClear(ctx context.Context, sess *Session) {
	if !sess.IsModerator {
		sess.Deliver(ResponseEvent("Permission denied: only the moderator can clear the chat history."))
		return
	}
	cutoff := time.Now().UTC()
	deleted, err := r.store.ClearMessagesBefore(ctx, cutoff)
	if err != nil {
		r.log.Error("clear history", "error", err)
		sess.Deliver(ResponseEvent("Failed to clear the chat history."))
		return
	}
	if _, err := r.store.AppendMessage(ctx, storage.MessageRecord{
		UserID:    sess.UserID,
		Content:   "chat history cleared",
		Type:      storage.TypeClear,
		Timestamp: cutoff,
	}); err != nil {
		r.log.Error("record clear marker", "error", err)
	}
	r.log.Info("chat history cleared", "moderator", sess.Username, "deleted", deleted)
	r.hub.Broadcast(NotificationEvent(r.registry.DisplayName(sess.Username), "cleared the chat history."))
}

// handleWhisper relays a direct message. The body is forwarded byte for
// byte: encrypted envelopes and "/pubkey " key-exchange payloads must arrive
// exactly as sent.
func (r *Router) handleWhisper(sess *Session, cmd Command) {
	if cmd.Target == "" || cmd.Payload == "" {
		sess.Deliver(ResponseEvent("Usage: /whisper <username> <message>"))
		return
	}
	if cmd.Target == sess.Username {
		sess.Deliver(ResponseEvent("You cannot whisper to yourself."))
		return
	}
	if !r.hub.SendTo(cmd.Target, WhisperEvent(r.registry.DisplayName(sess.Username), cmd.Payload)) {
		sess.Deliver(ResponseEvent(fmt.Sprintf("User '%s' is not online.", cmd.Target)))
		return
	}
	sess.Deliver(ResponseEvent(fmt.Sprintf("Whisper sent to %s.", cmd.Target)))
}

func (r *Router) handleFile(ctx context.Context, sess *Session, cmd Command) {
	if cmd.Target == "" || cmd.Payload == "" {
		sess.Deliver(ResponseEvent("Usage: /file <username> <filename;base64data>"))
		return
	}
	confirmation, err := r.transfers.Relay(ctx, sess, cmd.Target, cmd.Payload)
	if err != nil {
		sess.Deliver(ResponseEvent(transferErrorMessage(cmd.Target, err)))
		return
	}
	sess.Deliver(ResponseEvent(confirmation))
}

func transferErrorMessage(target string, err error) string {
	switch {
	case errors.Is(err, ErrFileFormat):
		return "Invalid file payload: expected <filename;base64data>."
	case errors.Is(err, ErrFileEncoding):
		return "Invalid file payload: data is not valid base64."
	case errors.Is(err, ErrFileTooLarge):
		return fmt.Sprintf("File too large: the limit is %d bytes.", MaxFileSize)
	case errors.Is(err, ErrUserOffline):
		return fmt.Sprintf("User '%s' is not online.", target)
	default:
		return "File transfer failed."
	}
}
