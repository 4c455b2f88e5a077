package queue

import (
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicehq/alice/internal/bus"
	"github.com/alicehq/alice/internal/config"
	"github.com/alicehq/alice/internal/models"
	"github.com/alicehq/alice/internal/store"
)

func newTestRunner(t *testing.T) (*Runner, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "alice.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	r := NewRunner(s, bus.New(), nil, cfg)
	r.poll = 10 * time.Millisecond
	r.grace = 100 * time.Millisecond
	r.transcriptUsage = func(*models.Task, time.Time) (models.TokenUsage, float64, string) {
		return models.TokenUsage{}, 0, ""
	}
	return r, s
}

func queueTask(t *testing.T, s *store.Store, prompt string) *models.Task {
	t.Helper()
	task, err := s.CreateTask(&models.Task{
		Provider: models.ProviderClaude,
		Prompt:   prompt,
		Status:   models.TaskQueued,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func waitTaskTerminal(t *testing.T, s *store.Store, id string) *models.Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		task, err := s.GetTask(id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		switch task.Status {
		case models.TaskCompleted, models.TaskFailed, models.TaskSkipped:
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("task %s stuck in %s", id, task.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartQueueIsIdempotent(t *testing.T) {
	r, _ := newTestRunner(t)
	r.StartQueue()
	r.StartQueue()
	if !r.IsQueueRunning() {
		t.Fatal("queue should be running")
	}
	r.StopQueue()
	if r.IsQueueRunning() {
		t.Fatal("queue should be stopped")
	}
	// Stopping twice is harmless.
	r.StopQueue()
}

func TestTaskCompletesOnExitZero(t *testing.T) {
	r, s := newTestRunner(t)
	r.command = func(task *models.Task) *exec.Cmd {
		return exec.Command("sh", "-c", "echo done")
	}
	r.transcriptUsage = func(*models.Task, time.Time) (models.TokenUsage, float64, string) {
		return models.TokenUsage{Input: 100, Output: 50}, 0.42, "sess-1"
	}

	task := queueTask(t, s, "say done")
	r.StartQueue()
	defer r.StopQueue()

	got := waitTaskTerminal(t, s, task.ID)
	if got.Status != models.TaskCompleted {
		t.Fatalf("status = %s, want completed (%s)", got.Status, got.ErrorMessage)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", got.ExitCode)
	}
	if got.Output != "done\n" {
		t.Errorf("output = %q", got.Output)
	}
	if got.Tokens.Input != 100 || got.CostUSD != 0.42 {
		t.Errorf("usage = %+v cost %v", got.Tokens, got.CostUSD)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("session id = %q, want sess-1", got.SessionID)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("timestamps not stamped")
	}
}

func TestTaskFailsOnNonZeroExit(t *testing.T) {
	r, s := newTestRunner(t)
	r.command = func(task *models.Task) *exec.Cmd {
		return exec.Command("sh", "-c", "echo boom >&2; exit 3")
	}

	task := queueTask(t, s, "fail")
	r.StartQueue()
	defer r.StopQueue()

	got := waitTaskTerminal(t, s, task.ID)
	if got.Status != models.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", got.ExitCode)
	}
	if got.Output != "boom\n" {
		t.Errorf("stderr not captured: %q", got.Output)
	}
}

func TestSpawnErrorFailsTaskAndQueueContinues(t *testing.T) {
	r, s := newTestRunner(t)
	calls := 0
	r.command = func(task *models.Task) *exec.Cmd {
		calls++
		if calls == 1 {
			return exec.Command("/definitely/not/a/cli")
		}
		return exec.Command("sh", "-c", "true")
	}

	bad := queueTask(t, s, "first")
	good := queueTask(t, s, "second")
	r.StartQueue()
	defer r.StopQueue()

	gotBad := waitTaskTerminal(t, s, bad.ID)
	if gotBad.Status != models.TaskFailed {
		t.Fatalf("bad status = %s, want failed", gotBad.Status)
	}
	if gotBad.ErrorMessage == "" {
		t.Error("spawn failure should carry an error message")
	}

	gotGood := waitTaskTerminal(t, s, good.ID)
	if gotGood.Status != models.TaskCompleted {
		t.Fatalf("good status = %s, want completed", gotGood.Status)
	}
}

func TestStopQueueSkipsInFlightTask(t *testing.T) {
	r, s := newTestRunner(t)
	started := make(chan struct{})
	r.command = func(task *models.Task) *exec.Cmd {
		close(started)
		return exec.Command("sleep", "60")
	}

	task := queueTask(t, s, "long running")
	r.StartQueue()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	// Give the subprocess a moment to exist before signalling.
	time.Sleep(50 * time.Millisecond)
	r.StopQueue()

	got := waitTaskTerminal(t, s, task.ID)
	if got.Status != models.TaskSkipped {
		t.Fatalf("status = %s, want skipped", got.Status)
	}
	if r.IsQueueRunning() {
		t.Error("queue should be stopped")
	}
}

func TestTasksRunSerially(t *testing.T) {
	r, s := newTestRunner(t)
	running := make(chan string, 10)
	r.command = func(task *models.Task) *exec.Cmd {
		// If two tasks overlapped, both would be in Running at once.
		tasks, err := s.ListTasks(models.TaskRunning)
		if err != nil {
			t.Errorf("list running: %v", err)
		}
		if len(tasks) > 1 {
			t.Errorf("running tasks = %d, want at most 1", len(tasks))
		}
		running <- task.ID
		return exec.Command("sh", "-c", "true")
	}

	a := queueTask(t, s, "a")
	b := queueTask(t, s, "b")
	c := queueTask(t, s, "c")

	r.StartQueue()
	defer r.StopQueue()

	waitTaskTerminal(t, s, a.ID)
	waitTaskTerminal(t, s, b.ID)
	waitTaskTerminal(t, s, c.ID)

	// Order follows (sort_order, created_at).
	wantOrder := []string{a.ID, b.ID, c.ID}
	for _, want := range wantOrder {
		select {
		case got := <-running:
			if got != want {
				t.Fatalf("ran %s before %s", got, want)
			}
		default:
			t.Fatal("fewer runs than tasks")
		}
	}
}

func TestBudgetOverrunFailsTask(t *testing.T) {
	r, s := newTestRunner(t)
	r.command = func(task *models.Task) *exec.Cmd {
		return exec.Command("sh", "-c", "true")
	}
	r.transcriptUsage = func(*models.Task, time.Time) (models.TokenUsage, float64, string) {
		return models.TokenUsage{Input: 10}, 5.00, "sess-2"
	}

	task, err := s.CreateTask(&models.Task{
		Provider:     models.ProviderClaude,
		Prompt:       "expensive",
		Status:       models.TaskQueued,
		MaxBudgetUSD: 1.00,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	r.StartQueue()
	defer r.StopQueue()

	got := waitTaskTerminal(t, s, task.ID)
	if got.Status != models.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.CostUSD != 5.00 {
		t.Errorf("cost = %v, want the observed spend recorded", got.CostUSD)
	}
}

func TestPanicInRunnerFailsTaskAndContinues(t *testing.T) {
	r, s := newTestRunner(t)
	calls := 0
	r.command = func(task *models.Task) *exec.Cmd {
		calls++
		if calls == 1 {
			panic("bad task state")
		}
		return exec.Command("sh", "-c", "true")
	}

	bad := queueTask(t, s, "panics")
	good := queueTask(t, s, "fine")

	r.StartQueue()
	defer r.StopQueue()

	gotBad := waitTaskTerminal(t, s, bad.ID)
	if gotBad.Status != models.TaskFailed {
		t.Fatalf("bad status = %s, want failed", gotBad.Status)
	}
	gotGood := waitTaskTerminal(t, s, good.ID)
	if gotGood.Status != models.TaskCompleted {
		t.Fatalf("good status = %s, want completed", gotGood.Status)
	}
}

func TestBuildCommandResumeFlag(t *testing.T) {
	cmd := buildCommand(&models.Task{
		Provider:      models.ProviderClaude,
		Prompt:        "continue the work",
		ExecutionMode: models.ExecModeResume,
		SessionID:     "abc123",
	})
	joined := ""
	for _, a := range cmd.Args[1:] {
		joined += a + " "
	}
	for _, want := range []string{"--resume", "abc123", "-p", "continue the work"} {
		found := false
		for _, a := range cmd.Args {
			if a == want {
				found = true
			}
		}
		if !found {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func TestBuildCommandCaps(t *testing.T) {
	cmd := buildCommand(&models.Task{
		Provider:     models.ProviderClaude,
		Prompt:       "p",
		MaxTurns:     7,
		AllowedTools: []string{"Read", "Bash"},
		ProjectPath:  "/tmp/proj",
	})
	var hasTurns, hasTools bool
	for i, a := range cmd.Args {
		if a == "--max-turns" && i+1 < len(cmd.Args) && cmd.Args[i+1] == "7" {
			hasTurns = true
		}
		if a == "--allowedTools" && i+1 < len(cmd.Args) && cmd.Args[i+1] == "Read,Bash" {
			hasTools = true
		}
	}
	if !hasTurns || !hasTools {
		t.Errorf("args = %q", cmd.Args)
	}
	if cmd.Dir != "/tmp/proj" {
		t.Errorf("dir = %q", cmd.Dir)
	}
}

func TestTaskLabelKeepsRuneBoundaries(t *testing.T) {
	label := taskLabel(&models.Task{Prompt: strings.Repeat("répare", 20)})
	if !utf8.ValidString(label) {
		t.Errorf("label is not valid UTF-8: %q", label)
	}
	if len(label) > 60 {
		t.Errorf("label length = %d bytes, want at most 60", len(label))
	}

	if got := taskLabel(&models.Task{ID: "t1", Prompt: "   "}); got != "t1" {
		t.Errorf("blank prompt label = %q, want the task id", got)
	}
}
