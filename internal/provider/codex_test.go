package provider

import (
	"math"
	"testing"
)

func TestCodex2026CumulativeTokenCounts(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "rollout.jsonl",
		`{"timestamp":"2026-03-01T09:00:00Z","type":"session_meta","payload":{"id":"sess-1","cwd":"/home/jane/app"}}`,
		`{"timestamp":"2026-03-01T09:00:01Z","type":"turn_context","payload":{"model":"gpt-5.2"}}`,
		`{"timestamp":"2026-03-01T09:00:02Z","type":"event_msg","payload":{"type":"user_message","message":"hello"}}`,
		`{"timestamp":"2026-03-01T09:00:03Z","type":"event_msg","payload":{"type":"token_count","info":{"total_token_usage":{"input_tokens":100,"cached_input_tokens":0,"output_tokens":40,"reasoning_output_tokens":10,"total_tokens":140}}}}`,
		`{"timestamp":"2026-03-01T09:00:04Z","type":"event_msg","payload":{"type":"token_count","info":{"total_token_usage":{"input_tokens":250,"cached_input_tokens":50,"output_tokens":90,"reasoning_output_tokens":20,"total_tokens":340}}}}`,
	)

	sess, err := parseCodexSession(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// Counts are cumulative for the session: the last occurrence wins.
	if got := sess.Tokens.Input + sess.Tokens.CacheRead; got != 250 {
		t.Errorf("input tokens = %d, want 250 (not 350)", got)
	}
	if sess.Tokens.CacheRead != 50 {
		t.Errorf("cached tokens = %d, want 50", sess.Tokens.CacheRead)
	}
	if sess.Tokens.Output != 90 {
		t.Errorf("output tokens = %d, want 90", sess.Tokens.Output)
	}
	// Cached and reasoning are subsets, never added on top.
	if sess.Tokens.Total() != 250+90 {
		t.Errorf("total = %d, want %d", sess.Tokens.Total(), 250+90)
	}
	if sess.ID != "sess-1" {
		t.Errorf("session id = %q, want sess-1", sess.ID)
	}
	if sess.ProjectPath != "/home/jane/app" {
		t.Errorf("project path = %q", sess.ProjectPath)
	}
	if sess.Model != "gpt-5.2" {
		t.Errorf("model = %q, want gpt-5.2", sess.Model)
	}
	if sess.FirstPrompt != "hello" {
		t.Errorf("first prompt = %q, want hello", sess.FirstPrompt)
	}
}

func TestCodex2025IncrementalTokenCounts(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "legacy.jsonl",
		`{"timestamp":1735689600000,"turn_context":{"model":"gpt-4o"},"event_msg":{"type":"user_message","message":"hi"}}`,
		`{"timestamp":1735689601000,"token_count":{"input":100,"output":30,"cached":20}}`,
		`{"timestamp":1735689602000,"token_count":{"input":50,"output":20,"cached":10}}`,
	)

	sess, err := parseCodexSession(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// Incremental counters sum across lines.
	if got := sess.Tokens.Input + sess.Tokens.CacheRead; got != 150 {
		t.Errorf("input tokens = %d, want 150", got)
	}
	if sess.Tokens.Output != 50 {
		t.Errorf("output tokens = %d, want 50", sess.Tokens.Output)
	}
	if sess.Tokens.CacheRead != 30 {
		t.Errorf("cached tokens = %d, want 30", sess.Tokens.CacheRead)
	}
	if sess.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", sess.Model)
	}
	if sess.StartedAt != 1735689600000 {
		t.Errorf("started_at = %d", sess.StartedAt)
	}
	if sess.LastActiveAt != 1735689602000 {
		t.Errorf("last_active_at = %d", sess.LastActiveAt)
	}
}

func TestCodexCostSeparatesCachedInput(t *testing.T) {
	// gpt-5.2: $1.25/M input, $0.125/M cached input, $10/M output.
	got := codexCost("gpt-5.2", 2_000_000, 1_000_000, 500_000)
	want := 1.25 + 0.125 + 5.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("cost = %f, want %f", got, want)
	}
}

func TestCodexModelTierSelection(t *testing.T) {
	cases := []struct {
		model string
		want  codexRates
	}{
		{"gpt-5.2-codex", gpt52Rates},
		{"gpt-5", gpt52Rates},
		{"o3-5.2-preview", gpt52Rates},
		{"gpt-4o-mini", gpt4oRates},
		{"", gpt4oRates},
	}
	for _, tc := range cases {
		if got := codexRatesFor(tc.model); got != tc.want {
			t.Errorf("ratesFor(%q) = %+v, want %+v", tc.model, got, tc.want)
		}
	}
}

func TestCodexEmptyFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "empty.jsonl", "")
	if _, err := parseCodexSession(path); err == nil {
		t.Fatal("expected parse error for empty file")
	}
}

func TestCodexMessagesBothDialects(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "both.jsonl",
		`{"timestamp":"2026-03-01T09:00:00Z","type":"event_msg","payload":{"type":"user_message","message":"new format"}}`,
		`{"timestamp":1735689600000,"event_msg":{"type":"agent_message","message":"old format"}}`,
	)
	msgs, err := codexMessages(path)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "new format" {
		t.Errorf("unexpected 2026 message: %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "old format" {
		t.Errorf("unexpected 2025 message: %+v", msgs[1])
	}
}
