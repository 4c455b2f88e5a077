package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alicehq/alice/internal/models"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Browse and search indexed sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE:  runSessionList,
}

var sessionSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over prompts, labels and tags",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionSearch,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <provider> <session-id>",
	Short: "Show a session with its messages",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionShow,
}

var sessionLabelCmd = &cobra.Command{
	Use:   "label <provider> <session-id> <label>",
	Short: "Set a session label",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runSessionLabel,
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <provider> <session-id> <prompt>",
	Short: "Queue a task resuming an existing session",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runSessionResume,
}

var (
	sessionProject string
	sessionLimit   int
	searchStatus   string
	searchFrom     string
	searchTo       string
)

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionSearchCmd, sessionShowCmd, sessionLabelCmd, sessionResumeCmd)

	sessionListCmd.Flags().StringVar(&sessionProject, "project", "", "filter by project path")
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 30, "maximum sessions to list")

	sessionSearchCmd.Flags().StringVar(&searchStatus, "status", "", "filter by status")
	sessionSearchCmd.Flags().StringVar(&searchFrom, "from", "", "start day (YYYY-MM-DD)")
	sessionSearchCmd.Flags().StringVar(&searchTo, "to", "", "end day (YYYY-MM-DD)")
}

func fetchSessions(params url.Values) ([]models.Session, error) {
	path := "/sessions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	body, err := apiGet(path)
	if err != nil {
		return nil, err
	}
	var sessions []models.Session
	if err := json.Unmarshal(body, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func printSessions(sessions []models.Session) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tID\tSTATUS\tPROJECT\tLAST ACTIVE\tPROMPT")
	for _, s := range sessions {
		prompt := s.Label
		if prompt == "" {
			prompt = s.FirstPrompt
		}
		if len(prompt) > 50 {
			prompt = prompt[:47] + "..."
		}
		last := time.UnixMilli(s.LastActiveAt).Format("2006-01-02 15:04")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.Provider, s.ID, s.Status, s.ProjectName, last, prompt)
	}
	return w.Flush()
}

func runSessionList(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if sessionProject != "" {
		params.Set("project", sessionProject)
	}
	params.Set("limit", fmt.Sprint(sessionLimit))

	sessions, err := fetchSessions(params)
	if err != nil {
		return err
	}
	return printSessions(sessions)
}

func runSessionSearch(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	params.Set("q", strings.Join(args, " "))
	if searchStatus != "" {
		params.Set("status", searchStatus)
	}
	if searchFrom != "" {
		params.Set("from", searchFrom)
	}
	if searchTo != "" {
		params.Set("to", searchTo)
	}

	sessions, err := fetchSessions(params)
	if err != nil {
		return err
	}
	return printSessions(sessions)
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/sessions/" + args[0] + "/" + args[1])
	if err != nil {
		return err
	}
	var detail struct {
		Session  *models.Session         `json:"session"`
		Messages []models.SessionMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		return err
	}
	s := detail.Session

	fmt.Printf("Session:  %s (%s)\n", s.ID, s.Provider)
	fmt.Printf("Project:  %s\n", s.ProjectPath)
	fmt.Printf("Status:   %s\n", s.Status)
	if s.Model != "" {
		fmt.Printf("Model:    %s\n", s.Model)
	}
	fmt.Printf("Tokens:   %d in / %d out / %d cached\n", s.Tokens.Input, s.Tokens.Output, s.Tokens.CacheRead)
	fmt.Printf("Cost:     $%.4f\n", s.TotalCostUSD)
	if s.Label != "" {
		fmt.Printf("Label:    %s\n", s.Label)
	}
	if len(s.Tags) > 0 {
		fmt.Printf("Tags:     %s\n", strings.Join(s.Tags, ", "))
	}

	fmt.Println()
	for _, m := range detail.Messages {
		ts := time.UnixMilli(m.TimestampMS).Format("15:04:05")
		fmt.Printf("[%s] %s: %s\n", ts, m.Role, m.Content)
	}
	return nil
}

func runSessionLabel(cmd *cobra.Command, args []string) error {
	label := strings.Join(args[2:], " ")
	_, err := apiPost("/sessions/"+args[0]+"/"+args[1]+"/label", map[string]string{"label": label})
	if err != nil {
		return err
	}
	fmt.Println("Label updated")
	return nil
}

func runSessionResume(cmd *cobra.Command, args []string) error {
	task := models.Task{
		Provider:      models.Provider(args[0]),
		SessionID:     args[1],
		Prompt:        strings.Join(args[2:], " "),
		ExecutionMode: models.ExecModeResume,
		Status:        models.TaskQueued,
	}
	body, err := apiPost("/tasks", task)
	if err != nil {
		return err
	}
	var created models.Task
	if err := json.Unmarshal(body, &created); err != nil {
		return err
	}
	fmt.Printf("Queued resume task %s\n", created.ID)
	return nil
}
