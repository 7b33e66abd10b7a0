package internal

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// encryptedPrefix marks a whisper body as a hybrid-encrypted envelope.
const encryptedPrefix = "[ENCRYPTED]"

// pubkeyPrefix marks a whisper body as a key-exchange payload. These are
// never encrypted and must be forwarded verbatim.
const pubkeyPrefix = "/pubkey "

const clientHelp = `Commands:
  /users                      list online users
  /whisper <user> <message>   send a direct message (alias /w)
  /file <user> <path>         send a file (10 MiB limit)
  /clear                      clear chat history (moderator only)
  /keygen                     generate a fresh keypair
  /sendkey <user>             send your public key to a user
  /encrypt on|off             toggle whisper encryption
  /quit                       leave the chat (alias /exit)`

// handleInput processes one submitted line: local commands run here, server
// commands and chat go over the wire. Whispers may be encrypted first.
func (model *TUIModel) handleInput(line string) (tea.Model, tea.Cmd) {
	verb, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(verb) {
	case "/quit", "/exit":
		model.quitting = true
		return model, tea.Sequence(model.sendCmd(line), func() tea.Msg {
			model.closeSocket("client quit")
			return nil
		}, tea.Quit)
	case "/help":
		model.addSystem(clientHelp)
		return model, nil
	case "/keygen":
		if err := model.engine.Regenerate(); err != nil {
			model.addSystem("Key generation failed: " + err.Error())
			return model, nil
		}
		model.addSystem("Generated a fresh keypair. Use /sendkey to share the new public key.")
		return model, nil
	case "/sendkey":
		target := strings.TrimSpace(rest)
		if target == "" {
			model.addSystem("Usage: /sendkey <username>")
			return model, nil
		}
		payload := pubkeyPrefix + string(model.engine.PublicKeyPEM())
		model.addSystem("Public key sent to " + target + ".")
		return model, model.sendCmd("/whisper " + target + " " + payload)
	case "/encrypt":
		switch strings.ToLower(strings.TrimSpace(rest)) {
		case "on":
			model.encryptOn = true
			model.addSystem("Whisper encryption enabled for peers with a known key.")
		case "off":
			model.encryptOn = false
			model.addSystem("Whisper encryption disabled.")
		default:
			model.addSystem("Usage: /encrypt on|off")
		}
		return model, nil
	case "/accept":
		model.resolvePendingFile(true)
		return model, nil
	case "/discard":
		model.resolvePendingFile(false)
		return model, nil
	case "/whisper", "/w":
		return model, model.whisperCmd(rest)
	case "/file":
		return model.sendFile(rest)
	default:
		return model, model.sendCmd(line)
	}
}

// whisperCmd encrypts the body for the target when encryption is on and a
// peer key is known; otherwise the whisper goes out in the clear.
func (model *TUIModel) whisperCmd(rest string) tea.Cmd {
	target, body, _ := strings.Cut(rest, " ")
	if target == "" || body == "" {
		model.addSystem("Usage: /whisper <username> <message>")
		return nil
	}
	if model.encryptOn {
		if envelope, ok := model.engine.EncryptFor(body, target); ok {
			body = encryptedPrefix + envelope
		} else {
			model.addSystem("No key for " + target + ", sending unencrypted. Ask them to /sendkey you.")
		}
	}
	return model.sendCmd("/whisper " + target + " " + body)
}

// handleWhisperEvent routes key-exchange payloads into the engine, decrypts
// encrypted bodies, and shows everything else as-is.
func (model *TUIModel) handleWhisperEvent(event Event, ts time.Time) {
	body := event.Content
	sender := strings.TrimPrefix(event.Username, ModeratorMarker)
	switch {
	case strings.HasPrefix(body, pubkeyPrefix):
		material := strings.TrimPrefix(body, pubkeyPrefix)
		if err := model.engine.ImportPeerKey(sender, []byte(material)); err != nil {
			model.addSystem("Rejected public key from " + event.Username + ": " + err.Error())
			return
		}
		model.addSystem("Stored public key from " + event.Username + ". Whispers to them can now be encrypted.")
		return
	case strings.HasPrefix(body, encryptedPrefix):
		plaintext, ok := model.engine.Decrypt(strings.TrimPrefix(body, encryptedPrefix))
		if !ok {
			model.addSystem("Could not decrypt a whisper from " + event.Username + ".")
			return
		}
		model.lines = append(model.lines, clientLine{kind: "whisper", user: event.Username, body: plaintext, ts: ts})
		return
	}
	model.lines = append(model.lines, clientLine{kind: "whisper", user: event.Username, body: body, ts: ts})
}

// sendFile reads a local file, enforces the size limit before encoding, and
// ships it as a /file command.
func (model *TUIModel) sendFile(rest string) (tea.Model, tea.Cmd) {
	target, path, _ := strings.Cut(rest, " ")
	path = strings.TrimSpace(path)
	if target == "" || path == "" {
		model.addSystem("Usage: /file <username> <path>")
		return model, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		model.addSystem("Cannot read file: " + err.Error())
		return model, nil
	}
	if info.Size() > MaxFileSize {
		model.addSystem(fmt.Sprintf("File too large: %d bytes, the limit is %d.", info.Size(), MaxFileSize))
		return model, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		model.addSystem("Cannot read file: " + err.Error())
		return model, nil
	}
	payload := filepath.Base(path) + ";" + base64.StdEncoding.EncodeToString(raw)
	model.addSystem(fmt.Sprintf("Sending '%s' (%d bytes) to %s…", filepath.Base(path), info.Size(), target))
	return model, model.sendCmd("/file " + target + " " + payload)
}

// handleFileEvent verifies the attached digest before saving. A mismatch
// holds the file for an explicit /accept or /discard instead of writing
// suspect bytes to disk.
func (model *TUIModel) handleFileEvent(event Event) {
	decoded, err := base64.StdEncoding.DecodeString(event.Data)
	if err != nil {
		model.addSystem("Received an unreadable file from " + event.Username + ".")
		return
	}
	if !VerifyFileDigest(decoded, event.Hash) {
		model.pendingFile = &incomingFile{from: event.Username, filename: event.Filename, data: decoded}
		model.addSystem(fmt.Sprintf(
			"Integrity check FAILED for '%s' from %s. The file may be corrupted or tampered with. /accept to save anyway, /discard to drop it.",
			event.Filename, event.Username))
		return
	}
	model.saveIncomingFile(event.Username, event.Filename, decoded)
}

func (model *TUIModel) resolvePendingFile(accept bool) {
	pending := model.pendingFile
	if pending == nil {
		model.addSystem("No file is waiting for a decision.")
		return
	}
	model.pendingFile = nil
	if !accept {
		model.addSystem("Discarded '" + pending.filename + "'.")
		return
	}
	model.saveIncomingFile(pending.from, pending.filename, pending.data)
}

// saveIncomingFile writes under the downloads dir, never outside it, and
// avoids clobbering an existing file.
func (model *TUIModel) saveIncomingFile(from, filename string, data []byte) {
	dir := model.opts.DownloadsDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		model.addSystem("Cannot create downloads dir: " + err.Error())
		return
	}
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "download"
	}
	path := filepath.Join(dir, base)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		ext := filepath.Ext(base)
		path = filepath.Join(dir, fmt.Sprintf("%s(%d)%s", strings.TrimSuffix(base, ext), i, ext))
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		model.addSystem("Cannot save file: " + err.Error())
		return
	}
	model.addSystem(fmt.Sprintf("Saved '%s' from %s (%d bytes) to %s.", filename, from, len(data), path))
}
