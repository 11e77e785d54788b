package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bizdash/bizsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	refresh bool

	// projects
	projectsStatus string

	// projects add
	projectDescription string
	projectBudget      float64

	// tasks
	tasksStatus   string
	tasksAssignee string

	// tasks add
	taskPriority string
	taskAssignee string

	// comments add
	commentTask   string
	commentAuthor string
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&refresh, "refresh", false, "bypass the cache")

	rootCmd.AddCommand(projectsCmd)
	projectsCmd.AddCommand(projectsAddCmd)
	projectsCmd.AddCommand(projectsDeleteCmd)
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksAddCmd)
	tasksCmd.AddCommand(tasksDoneCmd)
	rootCmd.AddCommand(commentsCmd)
	commentsCmd.AddCommand(commentsAddCmd)

	projectsCmd.Flags().StringVar(&projectsStatus, "status", "", "filter by status")
	projectsAddCmd.Flags().StringVar(&projectDescription, "description", "", "project description")
	projectsAddCmd.Flags().Float64Var(&projectBudget, "budget", 0, "project budget")
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status")
	tasksCmd.Flags().StringVar(&tasksAssignee, "assignee", "", "filter by assignee")
	tasksAddCmd.Flags().StringVar(&taskPriority, "priority", "", "task priority")
	tasksAddCmd.Flags().StringVar(&taskAssignee, "assignee", "", "task assignee")
	commentsAddCmd.Flags().StringVar(&commentTask, "task", "", "attach the comment to a task")
	commentsAddCmd.Flags().StringVar(&commentAuthor, "author", "", "comment author")
}

// ============================================================================
// projects
// ============================================================================

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		var filters bizsync.Filters
		if projectsStatus != "" {
			filters = bizsync.Filters{"status": projectsStatus}
		}
		res, err := ws.Projects.FetchCollection(ctx, filters, refresh)
		if res == nil {
			return err
		}
		warnStale(res.Source, res.Stale, err)
		if jsonOutput {
			return printJSON(res.Items)
		}
		if len(res.Items) == 0 {
			fmt.Println("No projects.")
			return nil
		}
		for _, p := range res.Items {
			fmt.Printf("%-24s %-30s %-10s %s\n", p.ID, p.Name, valueOrDefault(p.Status, "-"), syncMark(p.Meta))
		}
		return nil
	},
}

var projectsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		mut, err := ws.Projects.Create(ctx, bizsync.Project{
			Name:        args[0],
			Description: projectDescription,
			Status:      "active",
			Budget:      projectBudget,
		})
		if mut == nil {
			return err
		}
		reportMutation(mut.Record.ID, mut.Deferred, mut.Message)
		return err
	},
}

var projectsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		mut, err := ws.Projects.Delete(ctx, args[0])
		if mut == nil {
			return err
		}
		reportMutation(args[0], mut.Deferred, mut.Message)
		return err
	},
}

// ============================================================================
// tasks
// ============================================================================

var tasksCmd = &cobra.Command{
	Use:   "tasks <project-id>",
	Short: "List a project's tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		filters := bizsync.Filters{"project_id": args[0]}
		if tasksStatus != "" {
			filters["status"] = tasksStatus
		}
		if tasksAssignee != "" {
			filters["assignee"] = tasksAssignee
		}
		res, err := ws.ProjectTasks.FetchCollection(ctx, filters, refresh)
		if res == nil {
			return err
		}
		warnStale(res.Source, res.Stale, err)
		if jsonOutput {
			return printJSON(res.Items)
		}
		if len(res.Items) == 0 {
			fmt.Println("No tasks.")
			return nil
		}
		for _, t := range res.Items {
			fmt.Printf("%-24s %-30s %-8s %-12s %s\n", t.ID, t.Title, valueOrDefault(t.Status, "-"),
				valueOrDefault(t.Assignee, "-"), syncMark(t.Meta))
		}
		return nil
	},
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <project-id> <title>",
	Short: "Create a task under a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		mut, err := ws.ProjectTasks.Create(ctx, bizsync.ProjectTask{
			ProjectID: args[0],
			Title:     args[1],
			Status:    "open",
			Priority:  taskPriority,
			Assignee:  taskAssignee,
		})
		if mut == nil {
			return err
		}
		reportMutation(mut.Record.ID, mut.Deferred, mut.Message)
		return err
	},
}

var tasksDoneCmd = &cobra.Command{
	Use:   "done <task-id>",
	Short: "Mark a task done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		mut, err := ws.ProjectTasks.Update(ctx, args[0], func(t *bizsync.ProjectTask) {
			t.Status = "done"
		})
		if mut == nil {
			return err
		}
		reportMutation(mut.Record.ID, mut.Deferred, mut.Message)
		return err
	},
}

// ============================================================================
// comments
// ============================================================================

var commentsCmd = &cobra.Command{
	Use:   "comments <project-id>",
	Short: "List a project's comments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		res, err := ws.ProjectComments.FetchCollection(ctx, bizsync.Filters{"project_id": args[0]}, refresh)
		if res == nil {
			return err
		}
		warnStale(res.Source, res.Stale, err)
		if jsonOutput {
			return printJSON(res.Items)
		}
		for _, c := range res.Items {
			fmt.Printf("%-24s %-12s %s\n", c.ID, valueOrDefault(c.Author, "-"), c.Body)
		}
		return nil
	},
}

var commentsAddCmd = &cobra.Command{
	Use:   "add <project-id> <body>",
	Short: "Comment on a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		mut, err := ws.ProjectComments.Create(ctx, bizsync.ProjectComment{
			ProjectID: args[0],
			TaskID:    commentTask,
			Author:    commentAuthor,
			Body:      args[1],
		})
		if mut == nil {
			return err
		}
		reportMutation(mut.Record.ID, mut.Deferred, mut.Message)
		return err
	},
}
