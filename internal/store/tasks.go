package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alicehq/alice/internal/models"
	"github.com/google/uuid"
)

const taskColumns = `id, provider, prompt, project_path, status, priority,
	execution_mode, depends_on, session_id, max_budget_usd, max_turns,
	allowed_tools, sort_order, created_at, started_at, completed_at, exit_code,
	output, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
	cost_usd, error_message`

// CreateTask inserts a new task. A zero ID gets a fresh UUID; a zero status
// defaults to backlog; the sort order is appended at the end of the queue.
func (s *Store) CreateTask(task *models.Task) (*models.Task, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskBacklog
	}
	if task.ExecutionMode == "" {
		task.ExecutionMode = models.ExecModeNew
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	var maxOrder sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(sort_order) FROM tasks`).Scan(&maxOrder); err != nil {
		return nil, fmt.Errorf("query max sort order: %w", err)
	}
	task.SortOrder = int(maxOrder.Int64)
	if maxOrder.Valid {
		task.SortOrder++
	}

	tools, err := json.Marshal(task.AllowedTools)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed tools: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO tasks (id, provider, prompt, project_path, status, priority,
			execution_mode, depends_on, session_id, max_budget_usd, max_turns,
			allowed_tools, sort_order, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Provider, task.Prompt, task.ProjectPath, task.Status,
		task.Priority, task.ExecutionMode, task.DependsOn, task.SessionID,
		task.MaxBudgetUSD, task.MaxTurns, string(tools), task.SortOrder,
		task.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*models.Task, error) {
	tasks, err := s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return &tasks[0], nil
}

// ListTasks returns tasks in queue order, optionally filtered by status.
func (s *Store) ListTasks(status models.TaskStatus) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY sort_order ASC, created_at ASC`
	return s.queryTasks(query, args...)
}

// NextQueuedTask returns the oldest queued task by (sort_order, created_at),
// or nil when the queue is empty.
func (s *Store) NextQueuedTask() (*models.Task, error) {
	tasks, err := s.queryTasks(
		`SELECT `+taskColumns+` FROM tasks WHERE status = ?
		 ORDER BY sort_order ASC, created_at ASC LIMIT 1`,
		models.TaskQueued,
	)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// UpdateTaskStatus transitions a task, stamping started_at on entry to
// running and completed_at on entry to a terminal state.
func (s *Store) UpdateTaskStatus(id string, status models.TaskStatus) error {
	now := time.Now().UTC()
	query := `UPDATE tasks SET status = ?`
	args := []interface{}{status}
	switch status {
	case models.TaskRunning:
		query += `, started_at = ?`
		args = append(args, now)
	case models.TaskCompleted, models.TaskFailed, models.TaskSkipped:
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordTaskResult stores the execution outcome of a finished task.
func (s *Store) RecordTaskResult(id string, exitCode int, output string, tokens models.TokenUsage, costUSD float64, errorMessage string) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET exit_code = ?, output = ?, input_tokens = ?,
			output_tokens = ?, cache_read_tokens = ?, cache_write_tokens = ?,
			cost_usd = ?, error_message = ? WHERE id = ?`,
		exitCode, output, tokens.Input, tokens.Output, tokens.CacheRead,
		tokens.CacheWrite, costUSD, errorMessage, id,
	)
	if err != nil {
		return fmt.Errorf("record task result: %w", err)
	}
	return nil
}

// SetTaskSession links a task to the session its execution produced.
func (s *Store) SetTaskSession(id, sessionID string) error {
	_, err := s.db.Exec(`UPDATE tasks SET session_id = ? WHERE id = ?`, sessionID, id)
	if err != nil {
		return fmt.Errorf("set task session: %w", err)
	}
	return nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReorderTasks rewrites sort_order so that ids[i] gets order i. Tasks not
// listed keep their relative order after the listed ones.
func (s *Store) ReorderTasks(ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, id := range ids {
		if _, err := tx.Exec(`UPDATE tasks SET sort_order = ? WHERE id = ?`, i, id); err != nil {
			return fmt.Errorf("reorder task %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) queryTasks(query string, args ...interface{}) ([]models.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		var startedAt, completedAt sql.NullTime
		var exitCode sql.NullInt64
		var tools string
		if err := rows.Scan(
			&t.ID, &t.Provider, &t.Prompt, &t.ProjectPath, &t.Status,
			&t.Priority, &t.ExecutionMode, &t.DependsOn, &t.SessionID,
			&t.MaxBudgetUSD, &t.MaxTurns, &tools, &t.SortOrder, &t.CreatedAt,
			&startedAt, &completedAt, &exitCode, &t.Output, &t.Tokens.Input,
			&t.Tokens.Output, &t.Tokens.CacheRead, &t.Tokens.CacheWrite,
			&t.CostUSD, &t.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if startedAt.Valid {
			t.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			t.ExitCode = &code
		}
		if err := json.Unmarshal([]byte(tools), &t.AllowedTools); err != nil {
			t.AllowedTools = nil
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
