package main

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show rate-limit utilization and task cost",
	RunE:  runUsage,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair tasks and sessions left running by a crash",
	RunE:  runReconcile,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and scheduler state",
	RunE:  runStatus,
}

var (
	usageRefresh bool
	usageJSON    bool
)

func init() {
	usageCmd.Flags().BoolVar(&usageRefresh, "refresh", false, "Poll the provider before printing")
	usageCmd.Flags().BoolVar(&usageJSON, "json", false, "Print the raw snapshot")
}

func runUsage(cmd *cobra.Command, args []string) error {
	var snap usage.Snapshot
	var err error
	if usageRefresh {
		err = apiSend(http.MethodPost, "/usage/refresh", nil, &snap)
	} else {
		err = apiGet("/usage", &snap)
	}
	if err != nil {
		return err
	}
	if usageJSON {
		return printJSON(snap)
	}

	if snap.Account.LoggedIn {
		fmt.Fprintf(stdout, "Account:  %s", snap.Account.Email)
		if snap.Account.SubscriptionType != "" {
			fmt.Fprintf(stdout, " (%s)", snap.Account.SubscriptionType)
		}
		fmt.Fprintln(stdout)
	} else {
		fmt.Fprintln(stdout, "Account:  not logged in")
	}

	for _, rl := range snap.RateLimits {
		line := fmt.Sprintf("%-16s %s %5.1f%%", rl.Name, bar(rl.UtilizationPercent, 20), rl.UtilizationPercent)
		if rl.ResetsAt != nil {
			line += "  resets " + rl.ResetsAt.Local().Format("Jan 2 15:04")
		}
		fmt.Fprintln(stdout, line)
	}
	if snap.Overage.Status != "" {
		fmt.Fprintf(stdout, "Overage:  %s\n", snap.Overage.Status)
	}

	t := snap.Live.Totals
	fmt.Fprintf(stdout, "Live:     $%.4f across %d tasks (%d succeeded, %d failed)\n",
		t.TotalCostUSD, t.TasksCompleted, t.TasksSucceeded, t.TasksFailed)

	if snap.Stats != nil && len(snap.Stats.ModelUsage) > 0 {
		names := make([]string, 0, len(snap.Stats.ModelUsage))
		for name := range snap.Stats.ModelUsage {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(stdout, "History:")
		for _, name := range names {
			m := snap.Stats.ModelUsage[name]
			fmt.Fprintf(stdout, "  %-28s in=%d out=%d $%.2f\n", name, m.InputTokens, m.OutputTokens, m.CostUSD)
		}
	}
	if snap.Backoff {
		fmt.Fprintln(stdout, "Polling is backing off after repeated failures")
	}
	if snap.LastUpdated != nil {
		fmt.Fprintf(stdout, "Updated:  %s ago\n", time.Since(*snap.LastUpdated).Round(time.Second))
	}
	return nil
}

// bar renders pct (0-100) as a fixed-width text gauge.
func bar(pct float64, width int) string {
	filled := int(pct / 100 * float64(width))
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	b := make([]byte, 0, width+2)
	b = append(b, '[')
	for i := 0; i < width; i++ {
		if i < filled {
			b = append(b, '#')
		} else {
			b = append(b, '.')
		}
	}
	return string(append(b, ']'))
}

func runReconcile(cmd *cobra.Command, args []string) error {
	var res store.ReconcileResult
	if err := apiSend(http.MethodPost, "/reconcile", nil, &res); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Failed %d orphaned tasks, idled %d sessions\n", len(res.FailedTasks), len(res.IdledSessions))
	for _, id := range res.FailedTasks {
		fmt.Fprintf(stdout, "  task    %s\n", id)
	}
	for _, id := range res.IdledSessions {
		fmt.Fprintf(stdout, "  session %s\n", id)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth(2 * time.Second)
	if health == nil {
		return err
	}
	fmt.Fprintf(stdout, "Daemon:   %s (version %s, db %s)\n", apiAddr, health.Version, health.DB)
	if err != nil {
		return err
	}

	var st scheduler.Stats
	if err := apiGet("/scheduler", &st); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Running:  %d tasks\n", len(st.RunningTasks))
	sessions := make([]string, 0, len(st.RunningTasks))
	for id := range st.RunningTasks {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)
	for _, id := range sessions {
		fmt.Fprintf(stdout, "  session %s -> task %s\n", truncateID(id), st.RunningTasks[id])
	}
	if len(st.AwaitingInput) > 0 {
		fmt.Fprintf(stdout, "Awaiting: %v\n", st.AwaitingInput)
	}
	fmt.Fprintf(stdout, "Totals:   %d dispatched, %d finished (sweep %s)\n", st.Dispatched, st.Finished, st.SweepInterval)
	return nil
}
