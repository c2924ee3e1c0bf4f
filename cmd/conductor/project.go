package main

import (
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE:  runProjectList,
}

var projectCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a project",
	RunE:  runProjectCreate,
}

var projectShowCmd = &cobra.Command{
	Use:   "show [project-id]",
	Short: "Show project settings",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectShow,
}

var projectUpdateCmd = &cobra.Command{
	Use:   "update [project-id]",
	Short: "Update project settings",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectUpdate,
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete [project-id]",
	Short: "Delete a project with its sessions and tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectDelete,
}

var projectFlags store.ProjectInput

func init() {
	projectCmd.AddCommand(projectListCmd, projectCreateCmd, projectShowCmd, projectUpdateCmd, projectDeleteCmd)

	for _, c := range []*cobra.Command{projectCreateCmd, projectUpdateCmd} {
		c.Flags().StringVar(&projectFlags.Name, "name", "", "Project name")
		c.Flags().StringVar(&projectFlags.RootDir, "root", "", "Working directory the agent runs in")
		c.Flags().StringVar(&projectFlags.DefaultModel, "model", "", "Default model for sessions")
		c.Flags().StringVar(&projectFlags.PermissionMode, "permission-mode", "", "Agent permission mode")
		c.Flags().BoolVar(&projectFlags.AutoContinue, "auto-continue", false, "Start the next queued session when one finishes")
		c.Flags().IntVar(&projectFlags.MaxTasksPerSession, "max-tasks", 0, "Maximum tasks per session (0 = unlimited)")
	}
	projectCreateCmd.MarkFlagRequired("name")
}

func runProjectList(cmd *cobra.Command, args []string) error {
	var projects []models.Project
	if err := apiGet("/projects", &projects); err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Fprintln(stdout, "No projects found")
		return nil
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROOT\tMODEL\tAUTO")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", p.ID, truncate(p.Name, 30), p.RootDir, p.DefaultModel, p.AutoContinue)
	}
	return w.Flush()
}

func runProjectCreate(cmd *cobra.Command, args []string) error {
	var p models.Project
	if err := apiSend(http.MethodPost, "/projects", projectFlags, &p); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Created project: %s\n", p.ID)
	return nil
}

func runProjectShow(cmd *cobra.Command, args []string) error {
	var p models.Project
	if err := apiGet("/projects/"+args[0], &p); err != nil {
		return err
	}
	return printJSON(p)
}

// projectPatchFromFlags sets only the fields whose flags were given.
func projectPatchFromFlags(cmd *cobra.Command) store.ProjectPatch {
	var patch store.ProjectPatch
	f := cmd.Flags()
	if f.Changed("name") {
		patch.Name = &projectFlags.Name
	}
	if f.Changed("root") {
		patch.RootDir = &projectFlags.RootDir
	}
	if f.Changed("model") {
		patch.DefaultModel = &projectFlags.DefaultModel
	}
	if f.Changed("permission-mode") {
		patch.PermissionMode = &projectFlags.PermissionMode
	}
	if f.Changed("auto-continue") {
		patch.AutoContinue = &projectFlags.AutoContinue
	}
	if f.Changed("max-tasks") {
		patch.MaxTasksPerSession = &projectFlags.MaxTasksPerSession
	}
	return patch
}

func runProjectUpdate(cmd *cobra.Command, args []string) error {
	var p models.Project
	if err := apiSend(http.MethodPatch, "/projects/"+args[0], projectPatchFromFlags(cmd), &p); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Updated project %s\n", p.ID)
	return nil
}

func runProjectDelete(cmd *cobra.Command, args []string) error {
	if err := apiSend(http.MethodDelete, "/projects/"+args[0], nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Deleted project %s\n", args[0])
	return nil
}
