package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive dashboard for a project",
	RunE:  runTUI,
}

var (
	tuiProject   string
	tuiNoDaemon  bool
	tuiRefreshMS int
)

func init() {
	tuiCmd.Flags().StringVar(&tuiProject, "project", "", "Project ID (defaults to the only project)")
	tuiCmd.Flags().BoolVar(&tuiNoDaemon, "no-daemon", false, "Do not start the daemon when it is not running")
	tuiCmd.Flags().IntVar(&tuiRefreshMS, "refresh-ms", int(tui.DefaultRefreshInterval/time.Millisecond), "Dashboard refresh interval")
}

func runTUI(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning() {
		if tuiNoDaemon {
			return fmt.Errorf("daemon not reachable at %s", apiAddr)
		}
		fmt.Fprintln(stdout, "Conductor daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	projectID, err := resolveProject(tuiProject)
	if err != nil {
		return err
	}

	app := tui.NewApp(tui.NewClient(apiAddr), projectID, time.Duration(tuiRefreshMS)*time.Millisecond)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// resolveProject returns id, or the single existing project when id is empty.
func resolveProject(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	var projects []models.Project
	if err := apiGet("/projects", &projects); err != nil {
		return "", err
	}
	switch len(projects) {
	case 0:
		return "", fmt.Errorf("no projects yet, create one with: conductor project create --name <name> --root <dir>")
	case 1:
		return projects[0].ID, nil
	default:
		return "", fmt.Errorf("%d projects found, pick one with --project", len(projects))
	}
}

func isDaemonRunning() bool {
	health, err := CheckHealth(500 * time.Millisecond)
	return err == nil && health.OK
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"daemon"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(exe, args...)
	// Detach so the daemon survives the dashboard.
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	fmt.Fprint(stdout, "   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning() {
			fmt.Fprintln(stdout, " Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Fprint(stdout, ".")
	}
	fmt.Fprintln(stdout, " Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
