package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"notification-hub/pkg/notifyclient"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	blockStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	highStyle = blockStyle.
			BorderForeground(lipgloss.Color("196"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	urlStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33"))

	methodStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	summaryStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("32"))
)

func renderNotification(n notifyclient.Notification, via notifyclient.Method) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(n.Payload.Title))
	if n.Payload.Body != "" {
		b.WriteString("\n")
		b.WriteString(n.Payload.Body)
	}
	if n.Payload.ActionURL != "" {
		b.WriteString("\n")
		b.WriteString(urlStyle.Render(n.Payload.ActionURL))
	}
	b.WriteString("\n")
	b.WriteString(metaStyle.Render(fmt.Sprintf("%s · %s · %s · via %s",
		n.Type, n.Priority, n.CreatedAt.Local().Format(time.DateTime), via)))

	style := blockStyle
	if n.Priority == "high" {
		style = highStyle
	}
	return style.Render(b.String())
}
