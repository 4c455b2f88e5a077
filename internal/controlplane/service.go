// Package controlplane provides the loopback HTTP API and service layer
// for alice.
package controlplane

import (
	"errors"
	"strings"

	"github.com/alicehq/alice/internal/autoaction"
	"github.com/alicehq/alice/internal/bus"
	"github.com/alicehq/alice/internal/hooks"
	"github.com/alicehq/alice/internal/models"
	"github.com/alicehq/alice/internal/notify"
	"github.com/alicehq/alice/internal/queue"
	"github.com/alicehq/alice/internal/store"
)

// Service provides the control plane business logic.
type Service struct {
	store    *store.Store
	runner   *queue.Runner
	timer    *autoaction.Timer
	notifier *notify.Notifier
	bus      *bus.Bus
	version  string
}

// NewService creates a new control plane service.
func NewService(s *store.Store, r *queue.Runner, t *autoaction.Timer, n *notify.Notifier, b *bus.Bus, version string) *Service {
	return &Service{
		store:    s,
		runner:   r,
		timer:    t,
		notifier: n,
		bus:      b,
		version:  version,
	}
}

// Version reports the daemon version string.
func (s *Service) Version() string {
	return s.version
}

// --- Notifications ---

// Notify validates and dispatches a remote hook notification.
func (s *Service) Notify(title, body, event, sessionID string) error {
	title = strings.TrimSpace(title)
	body = strings.TrimSpace(body)
	if title == "" || body == "" {
		return ErrEmptyNotification
	}

	s.bus.Publish(bus.TopicHookNotification, &hooks.NotificationPayload{
		Title:     title,
		Body:      body,
		Event:     event,
		SessionID: sessionID,
	})
	if s.notifier != nil {
		s.notifier.Notify(title, body)
	}
	return nil
}

// --- Tasks ---

// CreateTask validates and stores a new task.
func (s *Service) CreateTask(task *models.Task) (*models.Task, error) {
	if strings.TrimSpace(task.Prompt) == "" {
		return nil, ErrPromptRequired
	}
	if task.Provider == "" {
		task.Provider = models.ProviderClaude
	}
	if !knownProvider(task.Provider) {
		return nil, ErrUnknownProvider
	}
	if task.ExecutionMode == "" {
		task.ExecutionMode = models.ExecModeNew
	}
	return s.store.CreateTask(task)
}

// GetTask retrieves a task by id.
func (s *Service) GetTask(id string) (*models.Task, error) {
	task, err := s.store.GetTask(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// ListTasks returns tasks, optionally filtered by status.
func (s *Service) ListTasks(status models.TaskStatus) ([]models.Task, error) {
	return s.store.ListTasks(status)
}

// QueueTask moves a backlog task into the queue.
func (s *Service) QueueTask(id string) error {
	if _, err := s.GetTask(id); err != nil {
		return err
	}
	return s.store.UpdateTaskStatus(id, models.TaskQueued)
}

// CancelTask skips a task that has not run yet. A running task is
// stopped by stopping the queue, not through this call.
func (s *Service) CancelTask(id string) error {
	task, err := s.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status == models.TaskRunning {
		return ErrTaskRunning
	}
	return s.store.UpdateTaskStatus(id, models.TaskSkipped)
}

// DeleteTask removes a task entirely.
func (s *Service) DeleteTask(id string) error {
	task, err := s.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status == models.TaskRunning {
		return ErrTaskRunning
	}
	if err := s.store.DeleteTask(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTaskNotFound
		}
		return err
	}
	return nil
}

// ReorderTasks applies a new dense ordering.
func (s *Service) ReorderTasks(ids []string) error {
	return s.store.ReorderTasks(ids)
}

// --- Queue ---

// StartQueue begins queue processing.
func (s *Service) StartQueue() {
	s.runner.StartQueue()
}

// StopQueue halts queue processing, skipping the in-flight task.
func (s *Service) StopQueue() {
	s.runner.StopQueue()
}

// QueueStatus reports whether the queue loop is active.
func (s *Service) QueueStatus() queue.Status {
	return queue.Status{Running: s.runner.IsQueueRunning()}
}

// --- Sessions ---

// ListSessions returns sessions, optionally scoped to a project.
func (s *Service) ListSessions(projectPath string, limit int) ([]models.Session, error) {
	return s.store.GetSessions(projectPath, limit)
}

// SearchSessions runs a filtered full-text search.
func (s *Service) SearchSessions(f store.SessionFilter) ([]models.Session, error) {
	return s.store.SearchSessionsFiltered(f)
}

// GetSession returns one session with its messages.
func (s *Service) GetSession(p models.Provider, id string) (*models.Session, []models.SessionMessage, error) {
	sess, msgs, err := s.store.GetSessionDetail(p, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrSessionNotFound
	}
	return sess, msgs, err
}

// SetSessionLabel updates the user label.
func (s *Service) SetSessionLabel(p models.Provider, id, label string) error {
	err := s.store.UpdateSessionLabel(p, id, label)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// SetSessionTags replaces the tag list.
func (s *Service) SetSessionTags(p models.Provider, id string, tags []string) error {
	err := s.store.UpdateSessionTags(p, id, tags)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// DeleteSession removes a session and its messages from the index.
func (s *Service) DeleteSession(p models.Provider, id string) error {
	err := s.store.DeleteSession(p, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// --- Auto-action ---

// StartAutoAction arms the countdown from the persisted config.
func (s *Service) StartAutoAction() error {
	return s.timer.Start()
}

// CancelAutoAction stops a running countdown.
func (s *Service) CancelAutoAction() {
	s.timer.Cancel()
}

// AutoActionStatus returns the last published countdown state.
func (s *Service) AutoActionStatus() autoaction.State {
	return s.timer.Status()
}

func knownProvider(p models.Provider) bool {
	for _, known := range models.AllProviders {
		if p == known {
			return true
		}
	}
	return false
}
