package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	whisperStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("141")).Italic(true)
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	hintStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

// the view renders a header, the message log, and the input box; the
// password prompt replaces the log until authentication succeeds.
func (model TUIModel) View() string {
	switch model.mode {
	case modeConnecting:
		return model.renderConnectingView()
	case modePassword:
		return model.renderPasswordView()
	case modeClosed:
		return model.renderClosedView()
	default:
		return model.renderChatView()
	}
}

func (model TUIModel) renderConnectingView() string {
	title := appTitleStyle.Render("CLI Chat")
	status := connectingStyle.Render("Connecting to " + model.opts.ServerURL + "…")
	return lipgloss.JoinVertical(lipgloss.Left, title, status)
}

func (model TUIModel) renderPasswordView() string {
	title := appTitleStyle.Render("CLI Chat")
	hint := hintStyle.Render(fmt.Sprintf("Logging in as %s. Enter your password.", model.opts.Username))
	sections := []string{title, hint}
	if notices := model.renderSystemNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model TUIModel) renderClosedView() string {
	title := appTitleStyle.Render("CLI Chat")
	if model.lastError != nil {
		return lipgloss.JoinVertical(lipgloss.Left, title,
			errorStyle.Render("Disconnected: "+model.lastError.Error()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, statusStyle.Render("Disconnected."))
}

func (model TUIModel) renderChatView() string {
	headerSegments := []string{
		"CLI Chat",
		fmt.Sprintf("User %s", model.opts.Username),
		fmt.Sprintf("Server %s", model.opts.ServerURL),
	}
	if model.encryptOn {
		headerSegments = append(headerSegments, "Encryption ON")
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.lastError != nil:
		statusLine = errorStyle.Render("Connection error: " + model.lastError.Error())
	case model.isConnected:
		statusLine = connectedStyle.Render("Connected")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}

	var messageLines []string
	for _, line := range model.lines {
		messageLines = append(messageLines, model.renderLine(line))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	messagesView := messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...))
	inputView := inputBoxStyle.Render(model.textInput.View())
	footerHint := hintStyle.Render("Type /help for commands, /quit to leave")

	sections := []string{header}
	if statusLine != "" {
		sections = append(sections, statusLine)
	}
	sections = append(sections, messagesView, inputView, footerHint)

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model TUIModel) renderLine(line clientLine) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", line.ts.Format("15:04:05")))
	switch line.kind {
	case "system", "notification", "response":
		body := systemMessageStyle.Render(line.body)
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", body)
	case "whisper":
		name := whisperStyle.Render("(whisper) " + line.user)
		body := messageBodyStyle.Render(line.body)
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", body)
	}

	var nameStyle lipgloss.Style
	if strings.TrimPrefix(line.user, ModeratorMarker) == model.opts.Username {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(line.user))
	}
	name := nameStyle.Render(line.user)
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(line.body, "\n", "\n   "))
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", bodyText)
}

func (model TUIModel) renderSystemNotices() string {
	var notices []string
	for _, line := range model.lines {
		if line.kind == "system" {
			notices = append(notices, systemMessageStyle.Render(line.body))
		}
	}
	if len(notices) == 0 {
		return ""
	}
	return messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, notices...))
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
