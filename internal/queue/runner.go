// Package queue executes queued tasks one at a time by spawning the
// provider's CLI and recording the outcome.
package queue

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alicehq/alice/internal/bus"
	"github.com/alicehq/alice/internal/config"
	"github.com/alicehq/alice/internal/models"
	"github.com/alicehq/alice/internal/notify"
	"github.com/alicehq/alice/internal/provider"
	"github.com/alicehq/alice/internal/store"
)

var (
	// ErrSpawn wraps a CLI that could not be started.
	ErrSpawn = errors.New("spawn provider CLI")
	// ErrCancelled marks a task stopped by the user.
	ErrCancelled = errors.New("task cancelled")
)

const (
	pollInterval = 2 * time.Second
	gracePeriod  = 5 * time.Second
)

// Status is the queue-status bus payload.
type Status struct {
	Running    bool              `json:"running"`
	TaskID     string            `json:"task_id,omitempty"`
	TaskStatus models.TaskStatus `json:"task_status,omitempty"`
}

// Runner drives the serial task queue.
type Runner struct {
	store    *store.Store
	bus      *bus.Bus
	notifier *notify.Notifier
	cfg      *config.Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	poll  time.Duration
	grace time.Duration

	// command builds the subprocess for a task; swappable for tests.
	command func(task *models.Task) *exec.Cmd
	// transcriptUsage reads tokens and cost back out of the transcript the
	// CLI wrote; swappable for tests.
	transcriptUsage func(task *models.Task, since time.Time) (models.TokenUsage, float64, string)
}

// NewRunner creates a stopped runner.
func NewRunner(s *store.Store, b *bus.Bus, n *notify.Notifier, cfg *config.Config) *Runner {
	r := &Runner{
		store:    s,
		bus:      b,
		notifier: n,
		cfg:      cfg,
		poll:     pollInterval,
		grace:    gracePeriod,
	}
	r.command = buildCommand
	r.transcriptUsage = transcriptUsage
	return r
}

// StartQueue begins processing queued tasks. Starting a running queue is
// a no-op.
func (r *Runner) StartQueue() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.cancel = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	log.Printf("queue: started")
	r.publish(Status{Running: true})
	go r.loop(ctx)
}

// StopQueue signals cancellation and waits for the loop to exit. The
// in-flight task, if any, is terminated gracefully.
func (r *Runner) StopQueue() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	log.Printf("queue: stopped")
}

// IsQueueRunning reports whether the loop is active.
func (r *Runner) IsQueueRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) loop(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.publish(Status{Running: false})
		r.wg.Done()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		task, err := r.store.NextQueuedTask()
		if err != nil {
			log.Printf("queue: next task: %v", err)
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.poll):
			}
			continue
		}

		r.runOne(ctx, task)
	}
}

// runOne executes a single task. A panic anywhere inside marks the task
// failed and lets the loop continue with the next one.
func (r *Runner) runOne(ctx context.Context, task *models.Task) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("queue: panic running task %s: %v", task.ID, p)
			r.finish(task, models.TaskFailed, -1, "", models.TokenUsage{}, 0, fmt.Sprintf("internal error: %v", p))
		}
	}()

	if err := r.store.UpdateTaskStatus(task.ID, models.TaskRunning); err != nil {
		log.Printf("queue: mark running %s: %v", task.ID, err)
		return
	}
	r.publish(Status{Running: true, TaskID: task.ID, TaskStatus: models.TaskRunning})
	r.announce("🚀 Task started", taskLabel(task))

	started := time.Now()
	exitCode, output, runErr := r.execute(ctx, task)

	switch {
	case errors.Is(runErr, ErrCancelled):
		r.finish(task, models.TaskSkipped, exitCode, output, models.TokenUsage{}, 0, "cancelled by user")
		r.announce("⚠️ Task skipped", taskLabel(task))

	case errors.Is(runErr, ErrSpawn):
		r.finish(task, models.TaskFailed, -1, output, models.TokenUsage{}, 0, runErr.Error())
		r.announce("❌ Task failed", taskLabel(task))

	case exitCode != 0:
		r.finish(task, models.TaskFailed, exitCode, output, models.TokenUsage{}, 0, fmt.Sprintf("exit code %d", exitCode))
		r.announce("❌ Task failed", taskLabel(task))

	default:
		tokens, cost, sessionID := r.transcriptUsage(task, started)
		if sessionID != "" {
			if err := r.store.SetTaskSession(task.ID, sessionID); err != nil {
				log.Printf("queue: link session %s: %v", task.ID, err)
			}
		}
		if task.MaxBudgetUSD > 0 && cost > task.MaxBudgetUSD {
			r.finish(task, models.TaskFailed, exitCode, output, tokens, cost,
				fmt.Sprintf("budget exceeded: $%.2f > $%.2f", cost, task.MaxBudgetUSD))
			r.announce("❌ Task failed", taskLabel(task))
			return
		}
		r.finish(task, models.TaskCompleted, exitCode, output, tokens, cost, "")
		r.announce("✅ Task completed", taskLabel(task))
	}
}

// execute spawns the CLI and pumps its output until exit or cancellation.
func (r *Runner) execute(ctx context.Context, task *models.Task) (int, string, error) {
	cmd := r.command(task)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, "", fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return -1, "", fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	// Terminate on cancellation: ask politely, then kill after the grace
	// period.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(os.Interrupt)
			select {
			case <-waitDone:
			case <-time.After(r.grace):
				_ = cmd.Process.Kill()
			}
		case <-waitDone:
		}
	}()

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out.WriteString(scanner.Text())
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil && err != io.ErrClosedPipe {
		log.Printf("queue: read output: %v", err)
	}

	waitErr := cmd.Wait()
	close(waitDone)

	if ctx.Err() != nil {
		return exitCodeOf(waitErr), out.String(), ErrCancelled
	}
	return exitCodeOf(waitErr), out.String(), nil
}

func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// finish records the task outcome and publishes the terminal status.
func (r *Runner) finish(task *models.Task, status models.TaskStatus, exitCode int, output string, tokens models.TokenUsage, cost float64, errMsg string) {
	if err := r.store.RecordTaskResult(task.ID, exitCode, output, tokens, cost, errMsg); err != nil {
		log.Printf("queue: record result %s: %v", task.ID, err)
	}
	if err := r.store.UpdateTaskStatus(task.ID, status); err != nil {
		log.Printf("queue: mark %s %s: %v", task.ID, status, err)
	}
	r.publish(Status{Running: true, TaskID: task.ID, TaskStatus: status})
}

func (r *Runner) publish(st Status) {
	r.bus.Publish(bus.TopicQueueStatus, st)
}

// announce sends a queue notification when the user wants them.
func (r *Runner) announce(title, body string) {
	if r.notifier == nil || r.cfg == nil || !r.cfg.Notifications.QueueEvents {
		return
	}
	r.notifier.Notify(title, body)
}

func taskLabel(task *models.Task) string {
	prompt := strings.TrimSpace(task.Prompt)
	if prompt == "" {
		return task.ID
	}
	return notify.Truncate(prompt, 60)
}

// buildCommand assembles the provider CLI invocation for a task.
func buildCommand(task *models.Task) *exec.Cmd {
	name := provider.CLICommand(task.Provider)
	var args []string
	if task.ExecutionMode == models.ExecModeResume && task.SessionID != "" {
		args = append(args, "--resume", task.SessionID)
	}
	if task.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(task.MaxTurns))
	}
	if len(task.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(task.AllowedTools, ","))
	}
	args = append(args, "-p", task.Prompt)

	cmd := exec.Command(name, args...)
	if task.ProjectPath != "" {
		cmd.Dir = task.ProjectPath
	}
	return cmd
}

// transcriptUsage re-reads the transcript the CLI wrote to recover token
// counts and cost. Returns the session id it settled on, if any.
func transcriptUsage(task *models.Task, since time.Time) (models.TokenUsage, float64, string) {
	path := findTranscript(task, since)
	if path == "" {
		return models.TokenUsage{}, 0, ""
	}
	sess, err := provider.ParseSession(task.Provider, path)
	if err != nil {
		log.Printf("queue: parse result transcript: %v", err)
		return models.TokenUsage{}, 0, ""
	}
	return sess.Tokens, sess.TotalCostUSD, sess.ID
}

// findTranscript locates the transcript for a finished task. A resumed
// session is found by id; a fresh one is the newest transcript written
// since the task started.
func findTranscript(task *models.Task, since time.Time) string {
	var newest string
	var newestMod time.Time

	for _, root := range provider.TranscriptRoots(task.Provider) {
		filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
				return nil
			}
			if task.SessionID != "" {
				if strings.TrimSuffix(d.Name(), ".jsonl") == task.SessionID {
					newest = path
					return filepath.SkipAll
				}
				return nil
			}
			info, err := d.Info()
			if err != nil || info.ModTime().Before(since) {
				return nil
			}
			if info.ModTime().After(newestMod) {
				newest = path
				newestMod = info.ModTime()
			}
			return nil
		})
	}
	return newest
}
