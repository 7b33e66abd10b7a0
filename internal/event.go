package internal

import (
	"encoding/json"
	"time"
)

// Event types carried in the "type" field of every server→client frame.
const (
	EventChat            = "chat"
	EventNotification    = "notification"
	EventCommandResponse = "command_response"
	EventWhisper         = "whisper"
	EventFile            = "file"
	EventAuthResponse    = "auth_response"
)

// ModeratorMarker is prefixed to the moderator's display name wherever it
// would otherwise appear.
const ModeratorMarker = "*"

// Event is the JSON envelope both sides of a connection exchange after
// authentication. Only the fields relevant to the given type are set.
type Event struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// file transfer fields
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Data     string `json:"data,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// Encode serializes the event for the wire.
func (e Event) Encode() []byte {
	encoded, _ := json.Marshal(e)
	return encoded
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ChatEvent builds a broadcastable chat message.
func ChatEvent(displayName, content string) Event {
	return Event{Type: EventChat, Username: displayName, Content: content, Timestamp: nowStamp()}
}

// NotificationEvent builds a join/leave/clear/shutdown style notice.
func NotificationEvent(displayName, content string) Event {
	return Event{Type: EventNotification, Username: displayName, Content: content, Timestamp: nowStamp()}
}

// ResponseEvent builds a caller-only command response.
func ResponseEvent(content string) Event {
	return Event{Type: EventCommandResponse, Content: content}
}

// WhisperEvent builds a direct message. The content is forwarded verbatim so
// encrypted envelopes and key-exchange payloads pass through untouched.
func WhisperEvent(from, content string) Event {
	return Event{Type: EventWhisper, Username: from, Content: content, Timestamp: nowStamp()}
}

// FileEvent carries an inline base64 file plus its SHA-256 digest so the
// receiver can re-verify integrity before accepting it.
func FileEvent(from, filename string, size int64, data, hash string) Event {
	return Event{
		Type:      EventFile,
		Username:  from,
		Filename:  filename,
		Size:      size,
		Data:      data,
		Hash:      hash,
		Timestamp: nowStamp(),
	}
}
