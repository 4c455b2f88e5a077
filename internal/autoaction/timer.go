// Package autoaction runs a single cancellable countdown that executes a
// system sleep or shutdown command when it expires.
package autoaction

import (
	"errors"
	"log"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicehq/alice/internal/bus"
	"github.com/alicehq/alice/internal/config"
	"github.com/alicehq/alice/internal/models"
)

var (
	// ErrTimerActive is returned when a countdown is already running.
	ErrTimerActive = errors.New("auto-action timer already active")
	// ErrTimerDisabled is returned when auto-action is off or has no action.
	ErrTimerDisabled = errors.New("auto-action is disabled")
)

// State is the auto-action-state bus payload, published once per tick.
type State struct {
	Active           bool                  `json:"active"`
	ActionType       models.AutoActionType `json:"action_type,omitempty"`
	RemainingSeconds int                   `json:"remaining_seconds"`
	TotalSeconds     int                   `json:"total_seconds"`
}

// Timer is the single global countdown.
type Timer struct {
	cfg *config.Config
	bus *bus.Bus

	active    atomic.Bool
	cancelled atomic.Bool

	mu    sync.Mutex
	state State

	// Swappable for tests.
	tick    time.Duration
	execute func(models.AutoActionType)
}

// New creates a timer over the given config.
func New(cfg *config.Config, b *bus.Bus) *Timer {
	t := &Timer{
		cfg:  cfg,
		bus:  b,
		tick: time.Second,
	}
	t.execute = t.runPlatformCommand
	return t
}

// Start begins the countdown from the persisted configuration. It rejects
// a disabled config, an action of none, and concurrent starts.
func (t *Timer) Start() error {
	ac := t.cfg.AutoAction
	if !ac.Enabled || ac.ActionType == models.AutoActionNone || ac.ActionType == "" {
		return ErrTimerDisabled
	}
	if !t.active.CompareAndSwap(false, true) {
		return ErrTimerActive
	}
	t.cancelled.Store(false)

	total := ac.DelayMinutes * 60
	if total <= 0 {
		total = 60
	}
	t.setState(State{Active: true, ActionType: ac.ActionType, RemainingSeconds: total, TotalSeconds: total})

	go t.run(ac.ActionType, total)
	return nil
}

// Cancel stops a running countdown. Cancelling an idle timer is a no-op.
func (t *Timer) Cancel() {
	t.cancelled.Store(true)
}

// Status returns the last published state.
func (t *Timer) Status() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsActive reports whether a countdown is running.
func (t *Timer) IsActive() bool {
	return t.active.Load()
}

func (t *Timer) run(action models.AutoActionType, totalSeconds int) {
	defer func() {
		t.setState(State{Active: false, RemainingSeconds: 0, TotalSeconds: totalSeconds})
		t.publish()
		t.active.Store(false)
	}()

	start := time.Now()
	for {
		if t.cancelled.Load() {
			log.Printf("autoaction: countdown cancelled")
			return
		}

		elapsed := int(time.Since(start).Seconds())
		remaining := totalSeconds - elapsed
		if remaining < 0 {
			remaining = 0
		}
		t.setState(State{Active: true, ActionType: action, RemainingSeconds: remaining, TotalSeconds: totalSeconds})
		t.publish()

		if remaining == 0 {
			break
		}
		time.Sleep(t.tick)
	}

	// Clear the persisted flag first so the next launch does not re-arm
	// a countdown the user already spent.
	if err := t.cfg.DisableAutoAction(); err != nil {
		log.Printf("autoaction: clear enabled flag: %v", err)
	}
	log.Printf("autoaction: executing %s", action)
	t.execute(action)
}

func (t *Timer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Timer) publish() {
	t.bus.Publish(bus.TopicAutoActionState, t.Status())
}

// runPlatformCommand issues the OS sleep or shutdown command. Spawn
// failures are logged; there is nothing further to do at that point.
func (t *Timer) runPlatformCommand(action models.AutoActionType) {
	name, args := platformCommand(runtime.GOOS, action)
	if name == "" {
		log.Printf("autoaction: no %s command for %s", action, runtime.GOOS)
		return
	}
	if err := exec.Command(name, args...).Start(); err != nil {
		log.Printf("autoaction: run %s: %v", name, err)
	}
}

func platformCommand(goos string, action models.AutoActionType) (string, []string) {
	switch goos {
	case "darwin":
		if action == models.AutoActionSleep {
			return "pmset", []string{"sleepnow"}
		}
		return "osascript", []string{"-e", `tell app "System Events" to shut down`}
	case "windows":
		if action == models.AutoActionSleep {
			return "powershell", []string{"-Command", "Add-Type -AssemblyName System.Windows.Forms; [System.Windows.Forms.Application]::SetSuspendState('Suspend', $false, $false)"}
		}
		return "shutdown", []string{"/s", "/t", "60"}
	default:
		if action == models.AutoActionSleep {
			return "systemctl", []string{"suspend"}
		}
		return "systemctl", []string{"poweroff"}
	}
}
