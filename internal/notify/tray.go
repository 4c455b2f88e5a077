package notify

import (
	"sync"
	"time"

	"github.com/alicehq/alice/internal/bus"
	"github.com/alicehq/alice/internal/models"
)

// TrayState is the small state machine behind the tray icon. Rendering is
// the shell's job; the core only publishes state and tooltip.
type TrayState string

const (
	TrayIdle    TrayState = "idle"
	TrayActive  TrayState = "active"
	TraySuccess TrayState = "success"
	TrayWarning TrayState = "warning"
	TrayError   TrayState = "error"
)

// TrayStateForSession maps a session status to a tray state.
func TrayStateForSession(status models.SessionStatus) TrayState {
	switch status {
	case models.SessionActive:
		return TrayActive
	case models.SessionNeedsInput:
		return TrayWarning
	case models.SessionError:
		return TrayError
	case models.SessionCompleted:
		return TraySuccess
	default:
		return TrayIdle
	}
}

// TrayUpdate is the payload published on tray-state-changed.
type TrayUpdate struct {
	State   TrayState `json:"state"`
	Tooltip string    `json:"tooltip"`
}

// Tray tracks the current tray state and publishes transitions.
type Tray struct {
	bus *bus.Bus

	mu      sync.Mutex
	state   TrayState
	resetTm *time.Timer
}

// NewTray creates a tray in the idle state.
func NewTray(b *bus.Bus) *Tray {
	return &Tray{bus: b, state: TrayIdle}
}

// State returns the current tray state.
func (t *Tray) State() TrayState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Set transitions to a new state and publishes the update. Setting the
// current state again is a no-op.
func (t *Tray) Set(state TrayState, tooltip string) {
	t.mu.Lock()
	if t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	if t.resetTm != nil {
		t.resetTm.Stop()
		t.resetTm = nil
	}
	t.mu.Unlock()

	t.bus.Publish(bus.TopicTrayStateChanged, TrayUpdate{State: state, Tooltip: tooltip})
}

// ScheduleReset arranges a transition back to idle after d, unless another
// Set happens first. Used after transient success states.
func (t *Tray) ScheduleReset(d time.Duration) {
	t.mu.Lock()
	if t.resetTm != nil {
		t.resetTm.Stop()
	}
	t.resetTm = time.AfterFunc(d, func() {
		t.Set(TrayIdle, "")
	})
	t.mu.Unlock()
}
