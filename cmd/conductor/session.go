package main

import (
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/conductor/internal/models"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's sessions in order",
	RunE:  runSessionList,
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session",
	RunE:  runSessionCreate,
}

var sessionStartCmd = &cobra.Command{
	Use:   "start [session-id]",
	Short: "Activate a session and dispatch its next task",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStart,
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop [session-id]",
	Short: "Deactivate a session after its running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStop,
}

var sessionNextCmd = &cobra.Command{
	Use:   "next [session-id] [next-session-id]",
	Short: "Chain a session to the one that runs after it (omit next to unlink)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSessionNext,
}

var sessionReorderCmd = &cobra.Command{
	Use:   "reorder [session-id...]",
	Short: "Set session order to the given sequence",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionReorder,
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete [session-id]",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionDelete,
}

var (
	sessionProject string
	sessionName    string
	sessionModel   string
)

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionCreateCmd, sessionStartCmd, sessionStopCmd,
		sessionNextCmd, sessionReorderCmd, sessionDeleteCmd)

	sessionListCmd.Flags().StringVar(&sessionProject, "project", "", "Project ID (required)")
	sessionListCmd.MarkFlagRequired("project")

	sessionCreateCmd.Flags().StringVar(&sessionProject, "project", "", "Project ID (required)")
	sessionCreateCmd.Flags().StringVar(&sessionName, "name", "", "Session name (required)")
	sessionCreateCmd.Flags().StringVar(&sessionModel, "model", "", "Model override for this session")
	sessionCreateCmd.MarkFlagRequired("project")
	sessionCreateCmd.MarkFlagRequired("name")
}

func runSessionList(cmd *cobra.Command, args []string) error {
	var sessions []models.Session
	if err := apiGet("/projects/"+sessionProject+"/sessions", &sessions); err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(stdout, "No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tACTIVE\tMODEL\tNEXT")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			s.ID, truncate(s.Name, 30), s.Status, s.IsActive, s.Model, truncateID(s.NextSessionID))
	}
	return w.Flush()
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"name":  sessionName,
		"model": sessionModel,
	}
	var s models.Session
	if err := apiSend(http.MethodPost, "/projects/"+sessionProject+"/sessions", body, &s); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Created session: %s\n", s.ID)
	return nil
}

func runSessionStart(cmd *cobra.Command, args []string) error {
	var s models.Session
	if err := apiSend(http.MethodPost, "/sessions/"+args[0]+"/start", nil, &s); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Started session %s (%s)\n", s.Name, s.Status)
	return nil
}

func runSessionStop(cmd *cobra.Command, args []string) error {
	var s models.Session
	if err := apiSend(http.MethodPost, "/sessions/"+args[0]+"/stop", nil, &s); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Stopped session %s (%s)\n", s.Name, s.Status)
	return nil
}

func runSessionNext(cmd *cobra.Command, args []string) error {
	next := ""
	if len(args) > 1 {
		next = args[1]
	}
	body := map[string]string{"next_session_id": next}
	if err := apiSend(http.MethodPut, "/sessions/"+args[0]+"/next", body, nil); err != nil {
		return err
	}
	if next == "" {
		fmt.Fprintf(stdout, "Unlinked session %s\n", args[0])
	} else {
		fmt.Fprintf(stdout, "Session %s now continues with %s\n", args[0], next)
	}
	return nil
}

// orderItems numbers ids in the given sequence.
func orderItems(ids []string) []models.OrderItem {
	items := make([]models.OrderItem, len(ids))
	for i, id := range ids {
		items[i] = models.OrderItem{ID: id, Order: i}
	}
	return items
}

func runSessionReorder(cmd *cobra.Command, args []string) error {
	body := map[string]any{"items": orderItems(args)}
	if err := apiSend(http.MethodPost, "/sessions/reorder", body, nil); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Reordered %d sessions\n", len(args))
	return nil
}

func runSessionDelete(cmd *cobra.Command, args []string) error {
	if err := apiSend(http.MethodDelete, "/sessions/"+args[0], nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Deleted session %s\n", args[0])
	return nil
}
