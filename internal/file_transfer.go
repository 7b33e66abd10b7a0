package internal

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Companyprojects-ux/CLI-Chat/internal/storage"
)

// MaxFileSize caps the decoded size of an inline file transfer.
const MaxFileSize = 10 << 20

var (
	// ErrFileFormat signals a payload that is not "<filename>;<base64>".
	ErrFileFormat = errors.New("malformed file payload")
	// ErrFileEncoding signals data that fails base64 decoding.
	ErrFileEncoding = errors.New("file data is not valid base64")
	// ErrFileTooLarge signals a decoded file over MaxFileSize.
	ErrFileTooLarge = errors.New("file exceeds size limit")
)

// FileTransferHandler validates and relays inline file transfers between two
// online users, recording every attempt for the audit trail.
type FileTransferHandler struct {
	registry *Registry
	store    *storage.Store
	metrics  *Metrics
	log      *slog.Logger
}

func NewFileTransferHandler(registry *Registry, store *storage.Store, metrics *Metrics, log *slog.Logger) *FileTransferHandler {
	if log == nil {
		log = slog.Default()
	}
	return &FileTransferHandler{registry: registry, store: store, metrics: metrics, log: log}
}

// Relay validates a "<filename>;<base64>" payload and forwards it to the
// target session. Checks run in a fixed order so a payload with several
// problems always gets the same answer: shape, then encoding, then size,
// then target presence. The returned confirmation is for the sender only.
func (h *FileTransferHandler) Relay(ctx context.Context, from *Session, target, payload string) (string, error) {
	filename, data, ok := strings.Cut(payload, ";")
	if !ok || filename == "" || data == "" {
		return "", ErrFileFormat
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileEncoding, err)
	}
	size := int64(len(decoded))
	sum := sha256.Sum256(decoded)
	digest := hex.EncodeToString(sum[:])
	if size > MaxFileSize {
		h.record(ctx, from, target, filename, size, digest, storage.TransferFailed)
		return "", ErrFileTooLarge
	}

	if !h.hubDeliver(target, FileEvent(h.registry.DisplayName(from.Username), filename, size, data, digest)) {
		h.record(ctx, from, target, filename, size, digest, storage.TransferFailed)
		return "", ErrUserOffline
	}

	h.record(ctx, from, target, filename, size, digest, storage.TransferCompleted)
	if h.metrics != nil {
		h.metrics.IncFileRelay()
	}
	h.log.Info("file relayed",
		"from", from.Username, "to", target, "filename", filename, "size", size)
	return fmt.Sprintf("File '%s' (%d bytes) sent to %s.", filename, size, target), nil
}

func (h *FileTransferHandler) hubDeliver(target string, event Event) bool {
	sess, ok := h.registry.Lookup(target)
	if !ok {
		return false
	}
	return sess.Deliver(event)
}

func (h *FileTransferHandler) record(ctx context.Context, from *Session, target, filename string, size int64, digest, status string) {
	_, err := h.store.RecordFileTransfer(ctx, storage.FileTransferRecord{
		SenderID:   from.UserID,
		ReceiverID: h.receiverID(ctx, target),
		Filename:   filename,
		Size:       size,
		Hash:       digest,
		Status:     status,
	})
	if err != nil {
		h.log.Error("record file transfer", "filename", filename, "error", err)
	}
}

// receiverID resolves the target's user id, preferring the live session to
// avoid a query. Unknown users record as 0 rather than failing the relay.
func (h *FileTransferHandler) receiverID(ctx context.Context, target string) int64 {
	if sess, ok := h.registry.Lookup(target); ok {
		return sess.UserID
	}
	user, err := h.store.GetUserByUsername(ctx, target)
	if err != nil || user == nil {
		return 0
	}
	return user.ID
}

// VerifyFileDigest recomputes the SHA-256 of decoded file bytes and compares
// it against the digest the sender attached. Receivers call this before
// accepting a file.
func VerifyFileDigest(decoded []byte, want string) bool {
	sum := sha256.Sum256(decoded)
	return hex.EncodeToString(sum[:]) == strings.ToLower(want)
}
