package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicehq/alice/internal/bus"
	"github.com/alicehq/alice/internal/models"
	"github.com/alicehq/alice/internal/notify"
	"github.com/alicehq/alice/internal/store"
)

func newTestWatcher(t *testing.T, roots []Root) (*Watcher, *store.Store, *bus.Bus) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "alice.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	b := bus.New()
	return New(s, b, nil, roots), s, b
}

func writeClaudeFixture(t *testing.T, root, sessionID string, lines ...string) string {
	t.Helper()
	dir := filepath.Join(root, "-home-user-myproj")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestDebounceRejectsRapidReprocessing(t *testing.T) {
	w, _, _ := newTestWatcher(t, nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if !w.shouldProcess("/tmp/s.jsonl") {
		t.Fatal("first sighting should process")
	}
	now = now.Add(200 * time.Millisecond)
	if w.shouldProcess("/tmp/s.jsonl") {
		t.Error("sighting within the window should be rejected")
	}
	now = now.Add(400 * time.Millisecond)
	if !w.shouldProcess("/tmp/s.jsonl") {
		t.Error("sighting past the window should process")
	}
}

func TestDebounceIsPerPath(t *testing.T) {
	w, _, _ := newTestWatcher(t, nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if !w.shouldProcess("/tmp/a.jsonl") {
		t.Fatal("first sighting of a should process")
	}
	if !w.shouldProcess("/tmp/b.jsonl") {
		t.Error("a fresh path is not debounced by another path")
	}
}

func TestEvictStaleDropsOldEntries(t *testing.T) {
	w, _, _ := newTestWatcher(t, nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	w.shouldProcess("/tmp/old.jsonl")
	now = now.Add(2 * time.Minute)
	w.shouldProcess("/tmp/new.jsonl")
	w.evictStale()

	w.mu.Lock()
	_, oldKept := w.lastProcessed["/tmp/old.jsonl"]
	_, newKept := w.lastProcessed["/tmp/new.jsonl"]
	w.mu.Unlock()

	if oldKept {
		t.Error("stale entry should be evicted")
	}
	if !newKept {
		t.Error("recent entry should survive housekeeping")
	}
}

func TestScanAllIngestsTranscripts(t *testing.T) {
	root := t.TempDir()
	w, s, _ := newTestWatcher(t, []Root{{Provider: models.ProviderClaude, Dir: root}})

	writeClaudeFixture(t, root, "s1",
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","sessionId":"s1","message":{"role":"user","content":[{"type":"text","text":"hello"}]}}`,
		`{"type":"assistant","timestamp":"2026-01-02T10:00:05Z","requestId":"r1","message":{"id":"m1","role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":10,"output_tokens":20}}}`,
	)

	w.ScanAll()

	sessions, err := s.GetSessions("", 10)
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].ID != "s1" {
		t.Errorf("id = %q, want s1", sessions[0].ID)
	}
	if sessions[0].FirstPrompt != "hello" {
		t.Errorf("first prompt = %q", sessions[0].FirstPrompt)
	}

	detail, msgs, err := s.GetSessionDetail(models.ProviderClaude, "s1")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail == nil || len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
}

func TestRecentWriteOverridesCompletedStatus(t *testing.T) {
	root := t.TempDir()
	w, s, _ := newTestWatcher(t, []Root{{Provider: models.ProviderClaude, Dir: root}})

	// Resolved tool use plus a trailing assistant turn derives as completed.
	path := writeClaudeFixture(t, root, "s2",
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":[{"type":"text","text":"do it"}]}}`,
		`{"type":"assistant","timestamp":"2026-01-02T10:00:05Z","requestId":"r1","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"done"}],"usage":{"input_tokens":1,"output_tokens":1}}}`,
	)

	w.processFile(models.ProviderClaude, path)

	sessions, err := s.GetSessions("", 10)
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].Status != models.SessionActive {
		t.Errorf("status = %q, want active for a just-written transcript", sessions[0].Status)
	}

	// The same transcript seen long after its last write stays completed.
	w.now = func() time.Time { return time.Now().Add(time.Hour) }
	w.processFile(models.ProviderClaude, path)

	sessions, err = s.GetSessions("", 10)
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	if sessions[0].Status != models.SessionCompleted {
		t.Errorf("status = %q, want completed once the transcript is cold", sessions[0].Status)
	}
}

func TestSuccessTrayStateResetsToIdle(t *testing.T) {
	root := t.TempDir()
	w, _, b := newTestWatcher(t, []Root{{Provider: models.ProviderClaude, Dir: root}})
	w.tray = notify.NewTray(b)
	w.trayReset = 10 * time.Millisecond

	path := writeClaudeFixture(t, root, "s6",
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":[{"type":"text","text":"do it"}]}}`,
		`{"type":"assistant","timestamp":"2026-01-02T10:00:05Z","requestId":"r1","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"done"}],"usage":{"input_tokens":1,"output_tokens":1}}}`,
	)

	// Seen long after its last write, the transcript derives as completed.
	w.now = func() time.Time { return time.Now().Add(time.Hour) }
	w.processFile(models.ProviderClaude, path)

	if got := w.tray.State(); got != notify.TraySuccess {
		t.Fatalf("tray state = %q, want success right after completion", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for w.tray.State() != notify.TrayIdle {
		if time.Now().After(deadline) {
			t.Fatalf("tray state = %q, never reset to idle", w.tray.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcessPublishesSessionUpdate(t *testing.T) {
	root := t.TempDir()
	w, _, b := newTestWatcher(t, []Root{{Provider: models.ProviderClaude, Dir: root}})

	events, cancel := b.Subscribe()
	defer cancel()

	path := writeClaudeFixture(t, root, "s3",
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":[{"type":"text","text":"ping"}]}}`,
	)
	w.processFile(models.ProviderClaude, path)

	select {
	case ev := <-events:
		if ev.Topic != bus.TopicSessionUpdated {
			t.Errorf("topic = %q, want %q", ev.Topic, bus.TopicSessionUpdated)
		}
		sess, ok := ev.Payload.(*models.Session)
		if !ok || sess.ID != "s3" {
			t.Errorf("payload = %#v, want session s3", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no session update published")
	}
}

func TestMalformedTranscriptDoesNotStopScan(t *testing.T) {
	root := t.TempDir()
	w, s, _ := newTestWatcher(t, []Root{{Provider: models.ProviderClaude, Dir: root}})

	writeClaudeFixture(t, root, "bad") // empty transcript, parser rejects it
	writeClaudeFixture(t, root, "good",
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":[{"type":"text","text":"ok"}]}}`,
	)

	w.ScanAll()

	sessions, err := s.GetSessions("", 10)
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "good" {
		t.Fatalf("sessions = %+v, want only the parseable one", sessions)
	}
}

func TestProviderForMatchesOwningRoot(t *testing.T) {
	claudeRoot := filepath.Join(t.TempDir(), "claude")
	codexRoot := filepath.Join(t.TempDir(), "codex")
	w, _, _ := newTestWatcher(t, []Root{
		{Provider: models.ProviderClaude, Dir: claudeRoot},
		{Provider: models.ProviderCodex, Dir: codexRoot},
	})

	p, ok := w.providerFor(filepath.Join(codexRoot, "2026", "s.jsonl"))
	if !ok || p != models.ProviderCodex {
		t.Errorf("providerFor codex path = %v %v", p, ok)
	}
	if _, ok := w.providerFor("/elsewhere/s.jsonl"); ok {
		t.Error("path outside every root must not match")
	}
}
