package provider

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/alicehq/alice/internal/models"
)

// Codex writes two JSONL dialects into the same session tree. The 2025
// format carries incremental token counts per line; the 2026 format wraps
// everything in typed payloads and reports cumulative token usage. A single
// file holds one dialect, but the parser discriminates per line: a known
// 2026 type plus a payload means 2026, anything else falls back to 2025.
type codexLine struct {
	// Shared
	Timestamp json.RawMessage `json:"timestamp"` // int ms (2025) or RFC3339 (2026)

	// 2026
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`

	// 2025
	EventMsg    json.RawMessage  `json:"event_msg"`
	TokenCount  *codexTokens2025 `json:"token_count"`
	TurnContext *codexTurnCtx    `json:"turn_context"`
}

type codexTokens2025 struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Cached int64 `json:"cached"`
}

type codexTurnCtx struct {
	Model string `json:"model"`
}

type codexPayload struct {
	Type    string          `json:"type"`
	Model   string          `json:"model"`
	Message string          `json:"message"`
	Info    *codexUsageInfo `json:"info"`
	ID      string          `json:"id"`
	CWD     string          `json:"cwd"`
}

type codexUsageInfo struct {
	TotalTokenUsage *codexTokens2026 `json:"total_token_usage"`
}

type codexTokens2026 struct {
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens"`
	TotalTokens           int64 `json:"total_tokens"`
}

var codex2026Types = map[string]bool{
	"session_meta":  true,
	"turn_context":  true,
	"event_msg":     true,
	"item":          true,
	"response_item": true,
}

func is2026Line(l *codexLine) bool {
	return codex2026Types[l.Type] && len(l.Payload) > 0
}

// parseCodexSession reads a Codex transcript and derives the canonical
// session. 2025 counters are summed line by line; 2026 counters are
// cumulative for the session, so only the last occurrence is kept.
// cached_input_tokens is a subset of input_tokens and reasoning a subset of
// output_tokens: neither is added on top.
func parseCodexSession(path string) (*models.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sess := &models.Session{
		ID:       strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		Provider: models.ProviderCodex,
		FilePath: path,
	}

	var (
		parsedAny  bool
		cumulative *codexTokens2026 // last 2026 token_count wins
		sum2025    codexTokens2025
		saw2025    bool
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line codexLine
		if err := json.Unmarshal(raw, &line); err != nil {
			log.Printf("codex: skip malformed line in %s: %v", filepath.Base(path), err)
			continue
		}
		parsedAny = true

		ts := parseFlexTimestamp(line.Timestamp)
		if ts > 0 {
			if sess.StartedAt == 0 || ts < sess.StartedAt {
				sess.StartedAt = ts
			}
			if ts > sess.LastActiveAt {
				sess.LastActiveAt = ts
			}
		}

		if is2026Line(&line) {
			var p codexPayload
			if err := json.Unmarshal(line.Payload, &p); err != nil {
				continue
			}
			switch line.Type {
			case "session_meta":
				if p.ID != "" {
					sess.ID = p.ID
				}
				if p.CWD != "" {
					sess.ProjectPath = p.CWD
				}
			case "turn_context":
				if p.Model != "" {
					sess.Model = p.Model
				}
			case "event_msg":
				switch p.Type {
				case "token_count":
					if p.Info != nil && p.Info.TotalTokenUsage != nil {
						cumulative = p.Info.TotalTokenUsage
					}
				case "user_message":
					sess.MessageCount++
					if ts > sess.LastHumanMessageAt {
						sess.LastHumanMessageAt = ts
					}
					if sess.FirstPrompt == "" {
						sess.FirstPrompt = strings.TrimSpace(p.Message)
					}
				case "agent_message":
					sess.MessageCount++
				}
			}
			continue
		}

		// 2025 shape: incremental counters.
		if line.TokenCount != nil {
			saw2025 = true
			sum2025.Input += line.TokenCount.Input
			sum2025.Output += line.TokenCount.Output
			sum2025.Cached += line.TokenCount.Cached
		}
		if line.TurnContext != nil && line.TurnContext.Model != "" {
			sess.Model = line.TurnContext.Model
		}
		if len(line.EventMsg) > 0 {
			var ev struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(line.EventMsg, &ev); err == nil {
				switch ev.Type {
				case "user_message":
					sess.MessageCount++
					if ts > sess.LastHumanMessageAt {
						sess.LastHumanMessageAt = ts
					}
					if sess.FirstPrompt == "" {
						sess.FirstPrompt = strings.TrimSpace(ev.Message)
					}
				case "agent_message":
					sess.MessageCount++
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !parsedAny {
		return nil, fmt.Errorf("%w: %s is empty", ErrSessionParse, filepath.Base(path))
	}

	switch {
	case cumulative != nil:
		sess.Tokens.Input = cumulative.InputTokens - cumulative.CachedInputTokens
		sess.Tokens.CacheRead = cumulative.CachedInputTokens
		sess.Tokens.Output = cumulative.OutputTokens
		sess.TotalCostUSD = codexCost(sess.Model, cumulative.InputTokens, cumulative.CachedInputTokens, cumulative.OutputTokens)
	case saw2025:
		sess.Tokens.Input = sum2025.Input - sum2025.Cached
		sess.Tokens.CacheRead = sum2025.Cached
		sess.Tokens.Output = sum2025.Output
		sess.TotalCostUSD = codexCost(sess.Model, sum2025.Input, sum2025.Cached, sum2025.Output)
	}

	if sess.ProjectPath == "" {
		sess.ProjectPath = filepath.Dir(path)
	}
	sess.ProjectName = ProjectName(sess.ProjectPath)

	fillFileTimes(sess, path)

	// Codex transcripts carry no tool-pending markers; liveness comes from
	// the watcher's mtime override.
	sess.Status = models.SessionCompleted
	return sess, nil
}

// codexMessages extracts user and agent messages from either dialect.
func codexMessages(path string) ([]models.SessionMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []models.SessionMessage

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line codexLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		ts := parseFlexTimestamp(line.Timestamp)

		var evType, evMessage string
		if is2026Line(&line) {
			if line.Type != "event_msg" {
				continue
			}
			var p codexPayload
			if err := json.Unmarshal(line.Payload, &p); err != nil {
				continue
			}
			evType, evMessage = p.Type, p.Message
		} else if len(line.EventMsg) > 0 {
			var ev struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(line.EventMsg, &ev); err != nil {
				continue
			}
			evType, evMessage = ev.Type, ev.Message
		}

		role := ""
		switch evType {
		case "user_message":
			role = "user"
		case "agent_message":
			role = "assistant"
		}
		if role == "" || strings.TrimSpace(evMessage) == "" {
			continue
		}
		msgs = append(msgs, models.SessionMessage{
			Role:        role,
			Content:     strings.TrimSpace(evMessage),
			TimestampMS: ts,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return msgs, nil
}
