package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/Companyprojects-ux/CLI-Chat/internal/crypto"
)

// ClientOptions carries everything the TUI needs to connect and operate.
type ClientOptions struct {
	ServerURL    string
	Username     string
	KeysDir      string
	DownloadsDir string
	TokenCache   string
}

// clientLine is one rendered row of the message log.
type clientLine struct {
	kind string // chat, notification, whisper, system, response
	user string
	body string
	ts   time.Time
}

// incomingFile is a received file held for the user's decision when its
// digest did not match.
type incomingFile struct {
	from     string
	filename string
	data     []byte
}

// this model holds the bubbletea state for the chat client: the input, the
// message log, the websocket, and the encryption engine.
type TUIModel struct {
	textInput     textinput.Model
	lines         []clientLine
	opts          ClientOptions
	websocketConn *websocket.Conn
	writeMutex    sync.Mutex
	isConnected   bool
	lastError     error
	mode          clientMode
	engine        *crypto.Engine
	encryptOn     bool
	token         string
	isAdmin       bool
	pendingFile   *incomingFile
	quitting      bool
}

type clientMode int

const (
	modeConnecting clientMode = iota
	modePassword
	modeChat
	modeClosed
)

// bubbletea messages for the asynchronous parts: dialing, authentication,
// and the chained single-frame reads.
type (
	connectedMsg     struct{}
	connectFailedMsg struct{ err error }
	authOKMsg        struct {
		token    string
		username string
		isAdmin  bool
	}
	authFailedMsg struct {
		message   string
		usedToken bool
	}
	reauthMsg struct{}
	incomingEventMsg Event
	errorMsg         error
	noteMsg          string
)

// this constructor builds a new chat ui model with a focused input and the
// encryption engine for the given identity.
func NewTUIModel(opts ClientOptions) (*TUIModel, error) {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 0
	input.Prompt = "> "

	engine, err := crypto.NewEngine(opts.KeysDir, opts.Username)
	if err != nil {
		return nil, fmt.Errorf("init encryption engine: %w", err)
	}

	return &TUIModel{
		textInput: input,
		lines:     make([]clientLine, 0, 64),
		opts:      opts,
		mode:      modeConnecting,
		engine:    engine,
	}, nil
}

// when the program starts we dial the websocket; authentication follows once
// the socket is up.
func (model *TUIModel) Init() tea.Cmd {
	return model.connectCmd()
}

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := message.(type) {
	case tea.KeyMsg:
		if typed.Type == tea.KeyCtrlC || typed.Type == tea.KeyEsc {
			model.closeSocket("")
			model.quitting = true
			return model, tea.Quit
		}
		switch model.mode {
		case modePassword:
			if typed.Type == tea.KeyEnter {
				password := model.textInput.Value()
				model.textInput.SetValue("")
				if password == "" {
					return model, nil
				}
				return model, model.authLoginCmd(password)
			}
			var cmd tea.Cmd
			model.textInput, cmd = model.textInput.Update(typed)
			return model, cmd
		case modeChat:
			if typed.Type == tea.KeyEnter {
				line := strings.TrimSpace(model.textInput.Value())
				model.textInput.SetValue("")
				if line == "" {
					return model, nil
				}
				return model.handleInput(line)
			}
			var cmd tea.Cmd
			model.textInput, cmd = model.textInput.Update(typed)
			return model, cmd
		}
		return model, nil

	case connectedMsg:
		model.isConnected = true
		model.lastError = nil
		if token := model.loadCachedToken(); token != "" {
			return model, model.authTokenCmd(token)
		}
		return model, model.promptPassword()

	case connectFailedMsg:
		model.lastError = typed.err
		model.mode = modeClosed
		return model, tea.Quit

	case authOKMsg:
		model.mode = modeChat
		model.token = typed.token
		model.isAdmin = typed.isAdmin
		model.saveCachedToken(typed.token)
		model.textInput.Placeholder = "Type a message…"
		model.textInput.Prompt = "> "
		focusCmd := model.textInput.Focus()
		model.addSystem(fmt.Sprintf("Authenticated as %s. Type /help for commands.", typed.username))
		return model, tea.Batch(focusCmd, model.readOnceCmd())

	case authFailedMsg:
		if typed.usedToken {
			// a stale token just falls back to the password prompt
			model.clearCachedToken()
			model.addSystem("Saved session expired, enter your password.")
			return model, model.reconnectCmd()
		}
		model.addSystem(typed.message)
		return model, model.promptPassword()

	case reauthMsg:
		return model, model.promptPassword()

	case incomingEventMsg:
		model.handleEvent(Event(typed))
		return model, model.readOnceCmd()

	case noteMsg:
		if typed != "" {
			model.addSystem(string(typed))
		}
		// noteMsg only comes from the read chain, keep it going
		if model.mode == modeChat {
			return model, model.readOnceCmd()
		}
		return model, nil

	case errorMsg:
		if model.quitting || model.mode == modeClosed {
			return model, tea.Quit
		}
		model.lastError = typed
		model.mode = modeClosed
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) promptPassword() tea.Cmd {
	model.mode = modePassword
	model.textInput.Placeholder = "Password…"
	model.textInput.Prompt = "password> "
	model.textInput.EchoMode = textinput.EchoPassword
	return model.textInput.Focus()
}

// handleEvent folds one server frame into the message log. Whisper bodies
// get the key-exchange and decryption treatment before display.
func (model *TUIModel) handleEvent(event Event) {
	ts := time.Now()
	if event.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, event.Timestamp); err == nil {
			ts = parsed.Local()
		}
	}
	switch event.Type {
	case EventChat:
		model.lines = append(model.lines, clientLine{kind: "chat", user: event.Username, body: event.Content, ts: ts})
	case EventNotification:
		body := event.Content
		if event.Username != "" && event.Username != "server" {
			body = event.Username + " " + event.Content
		}
		model.lines = append(model.lines, clientLine{kind: "notification", body: body, ts: ts})
	case EventCommandResponse:
		model.lines = append(model.lines, clientLine{kind: "response", body: event.Content, ts: ts})
	case EventWhisper:
		model.handleWhisperEvent(event, ts)
	case EventFile:
		model.handleFileEvent(event)
	}
}

func (model *TUIModel) addSystem(body string) {
	model.lines = append(model.lines, clientLine{kind: "system", body: body, ts: time.Now()})
}

func (model *TUIModel) closeSocket(reason string) {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
}

// this command dials the websocket url and reports success or failure.
func (model *TUIModel) connectCmd() tea.Cmd {
	return func() tea.Msg {
		parsed, err := url.Parse(model.opts.ServerURL)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return connectFailedMsg{err: fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)}
		}
		conn, _, err := websocket.DefaultDialer.Dial(parsed.String(), http.Header{})
		if err != nil {
			return connectFailedMsg{err: err}
		}
		model.websocketConn = conn
		return connectedMsg{}
	}
}

// reconnectCmd redials after a rejected token; the server closes the socket
// on auth failure so a fresh connection is needed.
func (model *TUIModel) reconnectCmd() tea.Cmd {
	return func() tea.Msg {
		_ = model.websocketConn.Close()
		parsed, err := url.Parse(model.opts.ServerURL)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn, _, err := websocket.DefaultDialer.Dial(parsed.String(), http.Header{})
		if err != nil {
			return connectFailedMsg{err: err}
		}
		model.websocketConn = conn
		return reauthMsg{}
	}
}

// authenticate sends one auth frame and reads the auth_response that must
// follow it.
func (model *TUIModel) authenticate(req AuthRequest, usedToken bool) tea.Msg {
	if model.websocketConn == nil {
		return errorMsg(fmt.Errorf("websocket not connected"))
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return errorMsg(err)
	}
	model.writeMutex.Lock()
	err = model.websocketConn.WriteMessage(websocket.TextMessage, encoded)
	model.writeMutex.Unlock()
	if err != nil {
		return errorMsg(err)
	}
	_, payload, err := model.websocketConn.ReadMessage()
	if err != nil {
		if usedToken {
			return authFailedMsg{message: "Invalid or expired token", usedToken: true}
		}
		return errorMsg(err)
	}
	var resp AuthResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return errorMsg(fmt.Errorf("malformed auth response: %w", err))
	}
	if !resp.Success {
		return authFailedMsg{message: resp.Message, usedToken: usedToken}
	}
	return authOKMsg{token: resp.Token, username: resp.Username, isAdmin: resp.IsAdmin}
}

func (model *TUIModel) authLoginCmd(password string) tea.Cmd {
	return func() tea.Msg {
		return model.authenticate(AuthRequest{
			Type:     "login",
			Username: model.opts.Username,
			Password: password,
		}, false)
	}
}

func (model *TUIModel) authTokenCmd(token string) tea.Cmd {
	return func() tea.Msg {
		return model.authenticate(AuthRequest{Type: "token", Token: token}, true)
	}
}

// this command reads a single frame from the websocket; we schedule it again
// after every delivery to keep reading.
func (model *TUIModel) readOnceCmd() tea.Cmd {
	return func() tea.Msg {
		if model.websocketConn == nil {
			return errorMsg(fmt.Errorf("websocket not connected"))
		}
		messageType, payload, err := model.websocketConn.ReadMessage()
		if err != nil {
			return errorMsg(err)
		}
		if messageType != websocket.TextMessage {
			return noteMsg("")
		}
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return noteMsg(string(payload))
		}
		return incomingEventMsg(event)
	}
}

// this command writes one line of input to the server as a content frame.
func (model *TUIModel) sendCmd(content string) tea.Cmd {
	return func() tea.Msg {
		if model.websocketConn == nil {
			return errorMsg(fmt.Errorf("websocket not connected"))
		}
		encoded, err := json.Marshal(map[string]string{"content": content})
		if err != nil {
			return errorMsg(err)
		}
		model.writeMutex.Lock()
		err = model.websocketConn.WriteMessage(websocket.TextMessage, encoded)
		model.writeMutex.Unlock()
		if err != nil {
			return errorMsg(err)
		}
		return nil
	}
}

func (model *TUIModel) loadCachedToken() string {
	if model.opts.TokenCache == "" {
		return ""
	}
	raw, err := os.ReadFile(model.opts.TokenCache)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func (model *TUIModel) saveCachedToken(token string) {
	if model.opts.TokenCache == "" || token == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(model.opts.TokenCache), 0o700); err != nil {
		return
	}
	_ = os.WriteFile(model.opts.TokenCache, []byte(token), 0o600)
}

func (model *TUIModel) clearCachedToken() {
	if model.opts.TokenCache != "" {
		_ = os.Remove(model.opts.TokenCache)
	}
}

// RunClient launches the bubbletea program so the user can chat from the
// terminal.
func RunClient(opts ClientOptions) error {
	model, err := NewTUIModel(opts)
	if err != nil {
		return err
	}
	program := tea.NewProgram(model)
	_, err = program.Run()
	if err != nil {
		return err
	}
	if model.lastError != nil {
		return model.lastError
	}
	return nil
}
