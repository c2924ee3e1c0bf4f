package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/conductor/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a task to a session or a project area",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks of a session or project",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskEditCmd = &cobra.Command{
	Use:   "edit [task-id]",
	Short: "Replace a task's prompt",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskEdit,
}

var taskMoveCmd = &cobra.Command{
	Use:   "move [task-id]",
	Short: "Move a task to backlog, queue, todo or done",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskMove,
}

var taskReorderCmd = &cobra.Command{
	Use:   "reorder [task-id...]",
	Short: "Set task order to the given sequence",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskReorder,
}

var taskAbortCmd = &cobra.Command{
	Use:   "abort [task-id]",
	Short: "Abort a running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAbort,
}

var taskRespondCmd = &cobra.Command{
	Use:   "respond [task-id] [text...]",
	Short: "Answer a task that is awaiting input",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTaskRespond,
}

var taskLogCmd = &cobra.Command{
	Use:   "log [task-id]",
	Short: "Show task output events",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskLog,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [task-id]",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

var (
	taskProject  string
	taskSession  string
	taskPrompt   string
	taskLocation string
	taskLogRaw   bool
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskEditCmd, taskMoveCmd,
		taskReorderCmd, taskAbortCmd, taskRespondCmd, taskLogCmd, taskDeleteCmd)

	taskAddCmd.Flags().StringVar(&taskProject, "project", "", "Project ID (for backlog or queue tasks)")
	taskAddCmd.Flags().StringVar(&taskSession, "session", "", "Session ID (adds to the session's todo)")
	taskAddCmd.Flags().StringVar(&taskPrompt, "prompt", "", "Prompt sent to the agent (required)")
	taskAddCmd.Flags().StringVar(&taskLocation, "location", "", "backlog or queue when adding to a project")
	taskAddCmd.MarkFlagRequired("prompt")

	taskListCmd.Flags().StringVar(&taskProject, "project", "", "Project ID")
	taskListCmd.Flags().StringVar(&taskSession, "session", "", "Session ID")
	taskListCmd.Flags().StringVar(&taskLocation, "location", "", "Filter by location (backlog, queue, todo, done)")

	taskEditCmd.Flags().StringVar(&taskPrompt, "prompt", "", "New prompt (required)")
	taskEditCmd.MarkFlagRequired("prompt")

	taskMoveCmd.Flags().StringVar(&taskLocation, "to", "", "Target location (required)")
	taskMoveCmd.Flags().StringVar(&taskSession, "session", "", "Target session for todo or done")
	taskMoveCmd.MarkFlagRequired("to")

	taskLogCmd.Flags().BoolVar(&taskLogRaw, "raw", false, "Print raw event payloads")
}

var errNeedScope = errors.New("either --project or --session is required")

func runTaskAdd(cmd *cobra.Command, args []string) error {
	var t models.Task
	switch {
	case taskSession != "":
		body := map[string]string{"prompt": taskPrompt}
		if err := apiSend(http.MethodPost, "/sessions/"+taskSession+"/tasks", body, &t); err != nil {
			return err
		}
	case taskProject != "":
		body := map[string]string{"prompt": taskPrompt, "location": taskLocation}
		if err := apiSend(http.MethodPost, "/projects/"+taskProject+"/tasks", body, &t); err != nil {
			return err
		}
	default:
		return errNeedScope
	}
	fmt.Fprintf(stdout, "Created task: %s (%s)\n", t.ID, t.Location)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	var path string
	switch {
	case taskSession != "":
		path = "/sessions/" + taskSession + "/tasks"
	case taskProject != "":
		path = "/projects/" + taskProject + "/tasks"
	default:
		return errNeedScope
	}
	if taskLocation != "" {
		path += "?location=" + url.QueryEscape(taskLocation)
	}

	var tasks []models.Task
	if err := apiGet(path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(stdout, "No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOCATION\tSTATUS\tSESSION\tPROMPT")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Location, t.Status, truncateID(t.SessionID), truncate(t.Prompt, 50))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var t models.Task
	if err := apiGet("/tasks/"+args[0], &t); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "ID:        %s\n", t.ID)
	fmt.Fprintf(stdout, "Project:   %s\n", t.ProjectID)
	if t.SessionID != "" {
		fmt.Fprintf(stdout, "Session:   %s\n", t.SessionID)
	}
	fmt.Fprintf(stdout, "Location:  %s\n", t.Location)
	fmt.Fprintf(stdout, "Status:    %s\n", t.Status)
	fmt.Fprintf(stdout, "Created:   %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Fprintf(stdout, "Started:   %s\n", t.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(stdout, "Completed: %s\n", t.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(stdout, "\n%s\n", t.Prompt)
	return nil
}

func runTaskEdit(cmd *cobra.Command, args []string) error {
	if err := apiSend(http.MethodPatch, "/tasks/"+args[0], map[string]string{"prompt": taskPrompt}, nil); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Updated task %s\n", args[0])
	return nil
}

func runTaskMove(cmd *cobra.Command, args []string) error {
	body := map[string]string{"location": taskLocation, "session_id": taskSession}
	var t models.Task
	if err := apiSend(http.MethodPost, "/tasks/"+args[0]+"/move", body, &t); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Moved task %s to %s\n", t.ID, t.Location)
	return nil
}

func runTaskReorder(cmd *cobra.Command, args []string) error {
	body := map[string]any{"items": orderItems(args)}
	if err := apiSend(http.MethodPost, "/tasks/reorder", body, nil); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Reordered %d tasks\n", len(args))
	return nil
}

func runTaskAbort(cmd *cobra.Command, args []string) error {
	if err := apiSend(http.MethodPost, "/tasks/"+args[0]+"/abort", nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Aborted task %s\n", args[0])
	return nil
}

func runTaskRespond(cmd *cobra.Command, args []string) error {
	body := map[string]string{"text": strings.Join(args[1:], " ")}
	if err := apiSend(http.MethodPost, "/tasks/"+args[0]+"/respond", body, nil); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Response sent to task %s\n", args[0])
	return nil
}

func runTaskLog(cmd *cobra.Command, args []string) error {
	var evs []models.TaskEvent
	if err := apiGet("/tasks/"+args[0]+"/events", &evs); err != nil {
		return err
	}
	if len(evs) == 0 {
		fmt.Fprintln(stdout, "No events recorded")
		return nil
	}

	for _, ev := range evs {
		ts := ev.Timestamp.Local().Format("15:04:05")
		if taskLogRaw {
			fmt.Fprintf(stdout, "%s %s %s\n", ts, ev.Type, string(ev.Payload))
			continue
		}
		fmt.Fprintf(stdout, "%s %-12s %s\n", ts, ev.Type, eventText(ev.Payload))
	}
	return nil
}

// eventText returns the human readable part of an event payload.
func eventText(payload json.RawMessage) string {
	var body struct {
		Text    string `json:"text"`
		Message any    `json:"message"`
		Result  string `json:"result"`
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return string(payload)
	}
	switch {
	case body.Text != "":
		return body.Text
	case body.Result != "":
		return body.Result
	}
	if s, ok := body.Message.(string); ok && s != "" {
		return s
	}
	if body.Subtype != "" {
		return body.Subtype
	}
	return string(payload)
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	if err := apiSend(http.MethodDelete, "/tasks/"+args[0], nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Deleted task %s\n", args[0])
	return nil
}
