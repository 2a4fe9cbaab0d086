package operator

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/opsmesh/opsmesh/pkg/protocol"
	"github.com/opsmesh/opsmesh/server/internal/session"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	currentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

func renderBanner(addr string, tlsEnabled bool) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("opsmesh operator console") + "\n")
	transport := "plain tcp"
	if tlsEnabled {
		transport = "tls"
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("listening on %s (%s), type 'help' for commands", addr, transport)) + "\n")
	return b.String()
}

func renderHelp() string {
	rows := [][2]string{
		{"sessions", "list registered agent sessions"},
		{"use <id>", "select a session by session id or client id"},
		{"help", "show this help"},
		{"exit", "shut down the server"},
		{"<anything else>", "run as a shell command on the selected session"},
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("commands") + "\n")
	for _, row := range rows {
		b.WriteString(fmt.Sprintf("  %-18s %s\n", row[0], dimStyle.Render(row[1])))
	}
	return b.String()
}

func renderSessions(list []session.Summary, current string) string {
	if len(list) == 0 {
		return dimStyle.Render("no registered sessions") + "\n"
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-28s %-20s %-22s %-12s %s", "SESSION", "CLIENT", "REMOTE", "STATE", "PENDING")) + "\n")
	for _, sum := range list {
		state := okStyle.Render("connected")
		if !sum.Connected {
			state = failStyle.Render("disconnected")
		}
		line := fmt.Sprintf("%-28s %-20s %-22s %-12s %d", sum.ID, sum.ClientID, sum.RemoteAddr, state, sum.Pending)
		if sum.ID == current {
			line = currentStyle.Render("* ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func renderResult(sum session.Summary, res *protocol.Result) string {
	var b strings.Builder
	rcStyle := okStyle
	if res.ReturnCode != 0 {
		rcStyle = failStyle
	}
	b.WriteString("\n" + titleStyle.Render(fmt.Sprintf("result from %s (%s)", sum.ClientID, sum.ID)) + "\n")
	b.WriteString(fmt.Sprintf("  command: %s\n", res.Command))
	b.WriteString("  return code: " + rcStyle.Render(fmt.Sprintf("%d", res.ReturnCode)) + "\n")
	b.WriteString(renderStream("stdout", res.Stdout))
	b.WriteString(renderStream("stderr", res.Stderr))
	return b.String()
}

func renderStream(name, content string) string {
	if content == "" {
		return dimStyle.Render(fmt.Sprintf("  [%s] (empty)", name)) + "\n"
	}
	var b strings.Builder
	b.WriteString(dimStyle.Render(fmt.Sprintf("  [%s]", name)) + "\n")
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		b.WriteString("    " + line + "\n")
	}
	return b.String()
}
