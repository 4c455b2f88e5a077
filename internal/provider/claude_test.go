package provider

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicehq/alice/internal/models"
)

func writeTranscript(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func TestClaudeDedupByMessageAndRequestID(t *testing.T) {
	dir := t.TempDir()
	line := `{"type":"assistant","timestamp":"2026-01-02T10:00:00Z","requestId":"r1","message":{"id":"m1","role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":10,"output_tokens":20}}}`
	path := writeTranscript(t, dir, "s1.jsonl", line, line, line)

	sess, err := parseClaudeSession(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sess.Tokens.Input != 10 {
		t.Errorf("input tokens = %d, want 10", sess.Tokens.Input)
	}
	if sess.Tokens.Output != 20 {
		t.Errorf("output tokens = %d, want 20", sess.Tokens.Output)
	}
	if sess.Tokens.Total() != 30 {
		t.Errorf("total tokens = %d, want 30", sess.Tokens.Total())
	}
	if sess.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", sess.MessageCount)
	}
}

func TestClaudeNoDedupWithoutKeys(t *testing.T) {
	dir := t.TempDir()
	// Older transcripts carry neither message.id nor requestId.
	line := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"a"}],"usage":{"input_tokens":5,"output_tokens":5}}}`
	path := writeTranscript(t, dir, "old.jsonl", line, line)

	sess, err := parseClaudeSession(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sess.Tokens.Input != 10 {
		t.Errorf("input tokens = %d, want 10 (no dedup without keys)", sess.Tokens.Input)
	}
}

func TestClaudeSonnetCost(t *testing.T) {
	dir := t.TempDir()
	line := `{"type":"assistant","requestId":"r1","message":{"id":"m1","role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"x"}],"usage":{"input_tokens":1000000,"output_tokens":1000000,"cache_read_input_tokens":1000000,"cache_creation_input_tokens":2000000,"cache_creation":{"ephemeral_5m_input_tokens":1000000,"ephemeral_1h_input_tokens":1000000}}}}`
	path := writeTranscript(t, dir, "cost.jsonl", line)

	sess, err := parseClaudeSession(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// 3 + 15 + 0.30 + 3.75 + 6.00
	if math.Abs(sess.TotalCostUSD-28.05) > 1e-9 {
		t.Errorf("cost = %f, want 28.05", sess.TotalCostUSD)
	}
}

func TestClaudeCacheCreationFallbackBillsOneHour(t *testing.T) {
	dir := t.TempDir()
	// No cache_creation split: the whole cache_creation_input_tokens count
	// is billed at the 1-hour rate.
	line := `{"type":"assistant","requestId":"r1","message":{"id":"m1","role":"assistant","model":"claude-sonnet-4","content":[],"usage":{"cache_creation_input_tokens":1000000}}}`
	path := writeTranscript(t, dir, "fallback.jsonl", line)

	sess, err := parseClaudeSession(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if math.Abs(sess.TotalCostUSD-6.0) > 1e-9 {
		t.Errorf("cost = %f, want 6.00 (1h rate)", sess.TotalCostUSD)
	}
}

func TestClaudeStatusDerivation(t *testing.T) {
	userLine := `{"type":"user","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":[{"type":"text","text":"do the thing"}]}}`
	toolUse := `{"type":"assistant","timestamp":"2026-01-02T10:00:01Z","requestId":"r1","message":{"id":"m1","role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash"}]}}`
	toolResult := `{"type":"user","timestamp":"2026-01-02T10:00:02Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`
	assistantDone := `{"type":"assistant","timestamp":"2026-01-02T10:00:03Z","requestId":"r2","message":{"id":"m2","role":"assistant","content":[{"type":"text","text":"done"}]}}`
	systemError := `{"type":"system","timestamp":"2026-01-02T10:00:04Z","content":"API Error: overloaded"}`

	cases := []struct {
		name  string
		lines []string
		want  models.SessionStatus
	}{
		{"user only, no assistant yet", []string{userLine}, models.SessionActive},
		{"pending tool use", []string{userLine, toolUse}, models.SessionActive},
		{"all tools resolved, assistant last", []string{userLine, toolUse, toolResult, assistantDone}, models.SessionCompleted},
		{"system error line", []string{userLine, assistantDone, systemError}, models.SessionError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTranscript(t, t.TempDir(), "status.jsonl", tc.lines...)
			sess, err := parseClaudeSession(path)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if sess.Status != tc.want {
				t.Errorf("status = %s, want %s", sess.Status, tc.want)
			}
		})
	}
}

func TestClaudeFirstPromptSkipsIDEContext(t *testing.T) {
	dir := t.TempDir()
	line := `{"type":"user","message":{"role":"user","content":[{"type":"text","text":"<ide_opened_file>main.go</ide_opened_file>"},{"type":"text","text":"fix the bug"}]}}`
	path := writeTranscript(t, dir, "prompt.jsonl", line)

	sess, err := parseClaudeSession(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sess.FirstPrompt != "fix the bug" {
		t.Errorf("first prompt = %q, want %q", sess.FirstPrompt, "fix the bug")
	}
}

func TestClaudeFirstPromptStringContent(t *testing.T) {
	dir := t.TempDir()
	line := `{"type":"user","message":{"role":"user","content":"plain prompt"}}`
	path := writeTranscript(t, dir, "plain.jsonl", line)

	sess, err := parseClaudeSession(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sess.FirstPrompt != "plain prompt" {
		t.Errorf("first prompt = %q, want %q", sess.FirstPrompt, "plain prompt")
	}
}

func TestClaudeEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.jsonl")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := parseClaudeSession(path); err == nil {
		t.Fatal("expected parse error for empty file")
	}
}

func TestClaudeMalformedLinesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "mixed.jsonl",
		`{not json`,
		`{"type":"user","message":{"role":"user","content":"hello"}}`,
	)
	sess, err := parseClaudeSession(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sess.FirstPrompt != "hello" {
		t.Errorf("first prompt = %q, want %q", sess.FirstPrompt, "hello")
	}
}

func TestClaudeReprocessingIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "idem.jsonl",
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":"go"}}`,
		`{"type":"assistant","timestamp":"2026-01-02T10:00:05Z","requestId":"r1","message":{"id":"m1","role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":25}}}`,
	)

	first, err := parseClaudeSession(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := parseClaudeSession(path)
		if err != nil {
			t.Fatalf("reparse: %v", err)
		}
		if again.Tokens != first.Tokens {
			t.Errorf("tokens changed across reprocessing: %+v vs %+v", again.Tokens, first.Tokens)
		}
		if again.TotalCostUSD != first.TotalCostUSD {
			t.Errorf("cost changed across reprocessing: %f vs %f", again.TotalCostUSD, first.TotalCostUSD)
		}
		if again.Status != first.Status {
			t.Errorf("status changed across reprocessing: %s vs %s", again.Status, first.Status)
		}
		if again.LastActiveAt < first.LastActiveAt {
			t.Errorf("last_active_at went backwards: %d < %d", again.LastActiveAt, first.LastActiveAt)
		}
	}
}

func TestClaudeMessages(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "msgs.jsonl",
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":"question"}}`,
		`{"type":"assistant","timestamp":"2026-01-02T10:00:05Z","requestId":"r1","message":{"id":"m1","role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"answer"},{"type":"tool_use","id":"t1","name":"Read"}],"usage":{"input_tokens":10,"output_tokens":5}}}`,
		`{"type":"assistant","timestamp":"2026-01-02T10:00:05Z","requestId":"r1","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"answer"}]}}`,
	)

	msgs, err := claudeMessages(path)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (duplicate chunk collapsed)", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "question" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || !strings.Contains(msgs[1].Content, "answer") {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}
	if !strings.Contains(msgs[1].Content, "[tool: Read]") {
		t.Errorf("tool use not rendered: %q", msgs[1].Content)
	}
	if msgs[0].TimestampMS >= msgs[1].TimestampMS {
		t.Errorf("messages out of timestamp order")
	}
}
