package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alicehq/alice/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage queued tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <prompt>",
	Short: "Add a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskQueueCmd = &cobra.Command{
	Use:   "queue [task-id]",
	Short: "Move a backlog task into the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskQueue,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Skip a task that has not run yet",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var queueStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the queue runner",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := apiPost("/queue/start", nil); err != nil {
			return err
		}
		fmt.Println("Queue started")
		return nil
	},
}

var queueStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the queue runner",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := apiPost("/queue/stop", nil); err != nil {
			return err
		}
		fmt.Println("Queue stopped")
		return nil
	},
}

var (
	taskProvider string
	taskProject  string
	taskResume   string
	taskBudget   float64
	taskTurns    int
	taskStatus   string
	taskQueued   bool
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskQueueCmd, taskCancelCmd, queueStartCmd, queueStopCmd)

	taskAddCmd.Flags().StringVar(&taskProvider, "provider", "claude", "provider CLI to run (claude, codex, gemini)")
	taskAddCmd.Flags().StringVar(&taskProject, "project", "", "project directory to run in")
	taskAddCmd.Flags().StringVar(&taskResume, "resume", "", "session id to resume")
	taskAddCmd.Flags().Float64Var(&taskBudget, "budget", 0, "maximum spend in USD")
	taskAddCmd.Flags().IntVar(&taskTurns, "max-turns", 0, "maximum agent turns")
	taskAddCmd.Flags().BoolVar(&taskQueued, "queue", false, "queue the task immediately")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "filter by status (backlog, queued, running, completed, failed, skipped)")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	task := models.Task{
		Provider:     models.Provider(taskProvider),
		Prompt:       strings.Join(args, " "),
		ProjectPath:  taskProject,
		MaxBudgetUSD: taskBudget,
		MaxTurns:     taskTurns,
	}
	if taskResume != "" {
		task.ExecutionMode = models.ExecModeResume
		task.SessionID = taskResume
	}
	if taskQueued {
		task.Status = models.TaskQueued
	}

	body, err := apiPost("/tasks", task)
	if err != nil {
		return err
	}
	var created models.Task
	if err := json.Unmarshal(body, &created); err != nil {
		return err
	}
	fmt.Printf("Created task %s (%s)\n", created.ID, created.Status)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	path := "/tasks"
	if taskStatus != "" {
		path += "?status=" + taskStatus
	}
	body, err := apiGet(path)
	if err != nil {
		return err
	}
	var tasks []models.Task
	if err := json.Unmarshal(body, &tasks); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROVIDER\tPROMPT")
	for _, t := range tasks {
		prompt := t.Prompt
		if len(prompt) > 60 {
			prompt = prompt[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID[:8], t.Status, t.Provider, prompt)
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}
	var t models.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", t.ID)
	fmt.Printf("Status:   %s\n", t.Status)
	fmt.Printf("Provider: %s\n", t.Provider)
	fmt.Printf("Prompt:   %s\n", t.Prompt)
	if t.ProjectPath != "" {
		fmt.Printf("Project:  %s\n", t.ProjectPath)
	}
	if t.SessionID != "" {
		fmt.Printf("Session:  %s\n", t.SessionID)
	}
	if t.ExitCode != nil {
		fmt.Printf("Exit:     %d\n", *t.ExitCode)
	}
	if t.CostUSD > 0 {
		fmt.Printf("Cost:     $%.4f (%d tokens)\n", t.CostUSD, t.Tokens.Total())
	}
	if t.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", t.ErrorMessage)
	}
	if t.Output != "" {
		fmt.Printf("\n%s\n", t.Output)
	}
	return nil
}

func runTaskQueue(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/tasks/"+args[0]+"/queue", nil); err != nil {
		return err
	}
	fmt.Println("Task queued")
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/tasks/"+args[0]+"/cancel", nil); err != nil {
		return err
	}
	fmt.Println("Task cancelled")
	return nil
}
