// Package hooks tails the append-only hook event log written by provider
// hook scripts and turns its entries into notifications and bus events.
package hooks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alicehq/alice/internal/bus"
	"github.com/alicehq/alice/internal/models"
	"github.com/alicehq/alice/internal/notify"
)

const (
	// EventLogName is the well-known hook log file under the alice home dir.
	EventLogName = "hooks-events.jsonl"

	pollInterval = 500 * time.Millisecond
)

// Tailer polls the hook event log and dispatches each new entry.
type Tailer struct {
	path     string
	bus      *bus.Bus
	notifier *notify.Notifier

	offset int64
}

// NewTailer creates a tailer over the given log file.
func NewTailer(path string, b *bus.Bus, n *notify.Notifier) *Tailer {
	return &Tailer{path: path, bus: b, notifier: n}
}

// Run polls the log until ctx is cancelled. The log may not exist yet;
// missing files are treated as empty.
func (t *Tailer) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Poll(); err != nil {
				log.Printf("hooks: poll %s: %v", filepath.Base(t.path), err)
			}
		}
	}
}

// Poll reads every complete line appended since the last poll. A file
// shorter than the saved offset means rotation or truncation; the offset
// resets to 0 and the whole file is read again.
func (t *Tailer) Poll() error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.offset = 0
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < t.offset {
		t.offset = 0
	}
	if info.Size() == t.offset {
		return nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	pos := t.offset
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// A partial trailing line stays unread until the writer
			// finishes it.
			break
		}
		if err != nil {
			return err
		}
		pos += int64(len(line))

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var ev models.HookEvent
		if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
			log.Printf("hooks: skip malformed line: %v", err)
			continue
		}
		t.dispatch(&ev)
	}
	t.offset = pos
	return nil
}

func (t *Tailer) dispatch(ev *models.HookEvent) {
	t.bus.Publish(bus.TopicHookEvent, ev)

	title, body, ok := Describe(ev)
	if !ok {
		return
	}
	t.bus.Publish(bus.TopicHookNotification, &NotificationPayload{
		Title:     title,
		Body:      body,
		Event:     ev.Event,
		SessionID: ev.SessionID,
	})
	if t.notifier != nil {
		t.notifier.Notify(title, body)
	}
}

// NotificationPayload is the hook-notification bus payload.
type NotificationPayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
}

// Describe maps a hook event to notification text. Events with no user
// facing meaning return ok=false.
func Describe(ev *models.HookEvent) (title, body string, ok bool) {
	switch ev.Event {
	case "stop", "session_end":
		return "Session ended", projectLine(ev), true
	case "pre_tool_use":
		tool := ev.Tool
		if tool == "" {
			tool = "a tool"
		}
		return fmt.Sprintf("Wants to use: %s", tool), projectLine(ev), true
	case "notification":
		return "Attention needed", projectLine(ev), true
	default:
		return "", "", false
	}
}

func projectLine(ev *models.HookEvent) string {
	if ev.Project != "" {
		return ev.Project
	}
	if ev.SessionID != "" {
		return "session " + ev.SessionID
	}
	return "alice"
}
