// Package models defines the core domain types for alice.
package models

import "time"

// Provider identifies a supported local AI CLI. The set is closed; adding
// a provider is a code change.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
	ProviderGemini Provider = "gemini"
)

// AllProviders lists every known provider in display order.
var AllProviders = []Provider{ProviderClaude, ProviderCodex, ProviderGemini}

// SessionStatus represents the derived state of a session.
type SessionStatus string

const (
	SessionIdle       SessionStatus = "idle"
	SessionActive     SessionStatus = "active"
	SessionCompleted  SessionStatus = "completed"
	SessionError      SessionStatus = "error"
	SessionNeedsInput SessionStatus = "needs_input"
)

// TokenUsage is the per-session token breakdown. Total deliberately
// excludes cache writes: cached reads are billed input, cache creation
// is an overhead charge.
type TokenUsage struct {
	Input      int64 `json:"input_tokens"`
	Output     int64 `json:"output_tokens"`
	CacheRead  int64 `json:"cache_read_tokens"`
	CacheWrite int64 `json:"cache_write_tokens"`
}

// Total returns input + output + cache reads.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.CacheRead
}

// Session is one interactive run of a provider CLI against a project.
// Timestamps are epoch milliseconds, matching the transcript wire format.
type Session struct {
	ID                 string        `json:"id"`
	Provider           Provider      `json:"provider"`
	ProjectPath        string        `json:"project_path"`
	ProjectName        string        `json:"project_name"`
	FirstPrompt        string        `json:"first_prompt,omitempty"`
	Label              string        `json:"label,omitempty"`
	Tags               []string      `json:"tags,omitempty"`
	StartedAt          int64         `json:"started_at"`
	LastActiveAt       int64         `json:"last_active_at"`
	LastHumanMessageAt int64         `json:"last_human_message_at"`
	MessageCount       int           `json:"message_count"`
	Tokens             TokenUsage    `json:"tokens"`
	TotalCostUSD       float64       `json:"total_cost_usd"`
	Model              string        `json:"model,omitempty"`
	Status             SessionStatus `json:"status"`
	FilePath           string        `json:"-"`
}

// ImageRef points at an image attached to a message.
type ImageRef struct {
	Path      string `json:"path,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// SessionMessage is a single turn within a session.
type SessionMessage struct {
	ID          string     `json:"id,omitempty"`
	Role        string     `json:"role"` // user, assistant, system
	Content     string     `json:"content"`
	TimestampMS int64      `json:"timestamp_ms"`
	TokensIn    int64      `json:"tokens_in,omitempty"`
	TokensOut   int64      `json:"tokens_out,omitempty"`
	Model       string     `json:"model,omitempty"`
	Images      []ImageRef `json:"images,omitempty"`
}

// TaskStatus represents the current state of a queued task.
type TaskStatus string

const (
	TaskBacklog   TaskStatus = "backlog"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// ExecutionMode selects between starting a fresh CLI session and resuming
// an existing one.
type ExecutionMode string

const (
	ExecModeNew    ExecutionMode = "new"
	ExecModeResume ExecutionMode = "resume"
)

// Task is a queued or historical execution request against a provider CLI.
type Task struct {
	ID            string        `json:"id"`
	Provider      Provider      `json:"provider"`
	Prompt        string        `json:"prompt"`
	ProjectPath   string        `json:"project_path,omitempty"`
	Status        TaskStatus    `json:"status"`
	Priority      int           `json:"priority"`
	ExecutionMode ExecutionMode `json:"execution_mode"`
	DependsOn     string        `json:"depends_on,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
	MaxBudgetUSD  float64       `json:"max_budget_usd,omitempty"`
	MaxTurns      int           `json:"max_turns,omitempty"`
	AllowedTools  []string      `json:"allowed_tools,omitempty"`
	SortOrder     int           `json:"sort_order"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	ExitCode      *int          `json:"exit_code,omitempty"`
	Output        string        `json:"output,omitempty"`
	Tokens        TokenUsage    `json:"tokens"`
	CostUSD       float64       `json:"cost_usd"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

// HookEvent is one line of the hook event log, or the body of a remote
// hook POST. Timestamp is epoch seconds as written by the shell hooks.
type HookEvent struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	Project   string `json:"project,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// AutoActionType is the system command class run when the countdown expires.
type AutoActionType string

const (
	AutoActionSleep    AutoActionType = "sleep"
	AutoActionShutdown AutoActionType = "shutdown"
	AutoActionNone     AutoActionType = "none"
)

// AutoActionConfig is the persisted countdown configuration.
type AutoActionConfig struct {
	Enabled      bool           `json:"enabled"`
	ActionType   AutoActionType `json:"action_type"`
	DelayMinutes int            `json:"delay_minutes"`
}
