package cli

import (
	"fmt"
	"strings"

	"github.com/agentworkforce/relaypush/internal/agent"
	"github.com/agentworkforce/relaypush/internal/storage"
	"github.com/charmbracelet/lipgloss"
)

var (
	accent  = lipgloss.Color("#7C5CE0") // lavender
	fg      = lipgloss.Color("#E8E6E3")
	dim     = lipgloss.Color("#6B7280")
	faint   = lipgloss.Color("#3F3F46")
	success = lipgloss.Color("#22C55E")
	danger  = lipgloss.Color("#EF4444")
	warning = lipgloss.Color("#F59E0B")
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accent)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 2).
			Width(64)

	labelStyle    = lipgloss.NewStyle().Foreground(dim).Width(14)
	valueStyle    = lipgloss.NewStyle().Foreground(fg)
	dimStyle      = lipgloss.NewStyle().Foreground(dim)
	okStyle       = lipgloss.NewStyle().Foreground(success)
	warnStyle     = lipgloss.NewStyle().Foreground(warning)
	failStyle     = lipgloss.NewStyle().Foreground(danger)
	separatorLine = lipgloss.NewStyle().Foreground(faint).Render(strings.Repeat("─", 58))
)

func stateStyle(state agent.GenerationState) lipgloss.Style {
	switch state {
	case agent.StateActivated:
		return okStyle
	case agent.StateRedundant:
		return failStyle
	default:
		return warnStyle
	}
}

func renderStatus(status agent.Status) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("relaypush"))
	b.WriteString("\n")
	b.WriteString(separatorLine)
	b.WriteString("\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}
	generation := func(label string, g *agent.GenerationStatus) {
		if g == nil {
			row(label, dimStyle.Render("none"))
			return
		}
		row(label, valueStyle.Render(g.Version)+" "+stateStyle(g.State).Render(string(g.State)))
	}
	generation("active", status.Active)
	generation("installing", status.Installing)
	generation("waiting", status.Next)
	if len(status.Pending) > 0 {
		row("pending", valueStyle.Render(strings.Join(status.Pending, ", ")))
	}

	depth := fmt.Sprintf("%d / %d", status.QueueDepth, status.QueueCapacity)
	switch {
	case status.QueueCapacity > 0 && status.QueueDepth >= status.QueueCapacity:
		depth = failStyle.Render(depth)
	case status.QueueDepth > 0:
		depth = warnStyle.Render(depth)
	default:
		depth = okStyle.Render(depth)
	}
	row("outbox", depth)
	row("clients", valueStyle.Render(fmt.Sprintf("%d", status.Clients)))
	row("notifications", valueStyle.Render(fmt.Sprintf("%d", len(status.Notifications))))
	return boxStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

func renderOutbox(items []storage.QueuedNotification) string {
	if len(items) == 0 {
		return dimStyle.Render("outbox is empty") + "\n"
	}
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "%s  %s  %s\n",
			valueStyle.Render(item.ID),
			dimStyle.Render(item.CreatedAt.Format("2006-01-02T15:04:05Z07:00")),
			string(item.Payload))
	}
	return b.String()
}

func renderNotifications(items []agent.VisibleNotification) string {
	if len(items) == 0 {
		return dimStyle.Render("no notifications") + "\n"
	}
	var b strings.Builder
	for _, item := range items {
		tag := item.Notification.Tag
		if tag == "" {
			tag = "-"
		}
		fmt.Fprintf(&b, "%s  %s  %s  %s\n",
			valueStyle.Render(item.Notification.ID),
			warnStyle.Render(string(item.State)),
			dimStyle.Render(tag),
			item.Notification.Title)
	}
	return b.String()
}
