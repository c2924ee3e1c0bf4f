package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/fentz26/conductor/internal/usage"
)

func newUsageBar() progress.Model {
	return progress.New(
		progress.WithScaledGradient(string(successColor), string(errorColor)),
		progress.WithWidth(30),
	)
}

// renderUsage draws one bar per rate-limit window plus live totals.
func renderUsage(bar progress.Model, snap *usage.Snapshot, width int) string {
	var b strings.Builder
	b.WriteString(paneTitle("Usage", false) + "\n")
	if snap == nil {
		b.WriteString(helpStyle.Render("  no usage data") + "\n")
		return panelStyle.Width(width).Render(b.String())
	}

	if width > 40 {
		bar.Width = width - 30
	}

	if len(snap.RateLimits) == 0 {
		b.WriteString(helpStyle.Render("  no rate limit windows reported") + "\n")
	}
	for _, rl := range snap.RateLimits {
		pct := rl.UtilizationPercent / 100
		if pct < 0 {
			pct = 0
		} else if pct > 1 {
			pct = 1
		}
		line := fmt.Sprintf("  %-16s %s", truncate(rl.Name, 16), bar.ViewAs(pct))
		if rl.ResetsAt != nil {
			line += statusMuted.Render("  resets " + humanizeUntil(*rl.ResetsAt))
		}
		b.WriteString(line + "\n")
	}

	t := snap.Live.Totals
	b.WriteString(fmt.Sprintf("  live: $%.4f over %d tasks (%d ok, %d failed)",
		t.TotalCostUSD, t.TasksCompleted, t.TasksSucceeded, t.TasksFailed))
	if snap.Backoff {
		b.WriteString("  " + statusPending.Render("backing off"))
	}
	if snap.Account.Email != "" {
		b.WriteString("\n  " + statusMuted.Render(snap.Account.Email))
	}
	return panelStyle.Width(width).Render(b.String())
}

func humanizeUntil(t time.Time) string {
	d := time.Until(t).Round(time.Minute)
	if d <= 0 {
		return "now"
	}
	if d < time.Hour {
		return fmt.Sprintf("in %dm", int(d.Minutes()))
	}
	return fmt.Sprintf("in %dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
