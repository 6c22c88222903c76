package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// maxOutputLines caps how much of each answer is printed.
const maxOutputLines = 3

// Render formats the report for a terminal.
func Render(r *Report) string {
	blocks := make([]string, 0, len(r.Results)+2)
	blocks = append(blocks, titleStyle.Render(fmt.Sprintf("%d concurrent sessions", len(r.Results))))

	for _, res := range r.Results {
		blocks = append(blocks, renderResult(res))
	}

	verdict := okStyle.Render("sessions ran concurrently")
	if !r.Concurrent() {
		verdict = failStyle.Render("sessions did not overlap")
	}
	summary := lipgloss.JoinVertical(lipgloss.Left,
		fmt.Sprintf("wall clock  %s", round(r.Wall)),
		fmt.Sprintf("slowest     %s", round(r.Slowest())),
		fmt.Sprintf("serial sum  %s", round(r.Sum())),
		fmt.Sprintf("failures    %d", r.Failures()),
		verdict,
	)
	blocks = append(blocks, boxStyle.Render(summary))
	return lipgloss.JoinVertical(lipgloss.Left, blocks...)
}

func renderResult(res Result) string {
	status := okStyle.Render("ok")
	body := res.Output
	switch {
	case res.Err != nil:
		status = failStyle.Render("failed")
		body = res.Err.Error()
	case res.IsError:
		status = failStyle.Render("error")
	}

	header := fmt.Sprintf("client %d  %s  %s  %s", res.Client, status, round(res.Duration), dimStyle.Render(res.SessionID))
	lines := strings.Split(body, "\n")
	if len(lines) > maxOutputLines {
		lines = append(lines[:maxOutputLines], dimStyle.Render("..."))
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, dimStyle.Render("  "+res.Query), "  "+strings.Join(lines, "\n  "))
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
