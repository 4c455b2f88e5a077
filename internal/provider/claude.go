package provider

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alicehq/alice/internal/models"
)

// maxLineSize bounds a single transcript line. Tool results with embedded
// file contents get large.
const maxLineSize = 10 * 1024 * 1024

// claudeLine is one line of a Claude JSONL transcript. Content may be a
// string, an array of typed blocks, or arbitrary JSON depending on the CLI
// version, so the raw form is kept and decoded per use.
type claudeLine struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"` // RFC3339 string or epoch ms
	Message   *claudeMessage  `json:"message"`
	Content   json.RawMessage `json:"content"`
	RequestID string          `json:"requestId"`
}

type claudeMessage struct {
	ID         string          `json:"id"`
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Model      string          `json:"model"`
	Usage      *claudeUsage    `json:"usage"`
	StopReason string          `json:"stop_reason"`
}

type claudeUsage struct {
	InputTokens              int64                `json:"input_tokens"`
	OutputTokens             int64                `json:"output_tokens"`
	CacheReadInputTokens     int64                `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64                `json:"cache_creation_input_tokens"`
	CacheCreation            *claudeCacheCreation `json:"cache_creation"`
}

type claudeCacheCreation struct {
	Ephemeral5m int64 `json:"ephemeral_5m_input_tokens"`
	Ephemeral1h int64 `json:"ephemeral_1h_input_tokens"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	ToolUseID string          `json:"tool_use_id"`
	Source    json.RawMessage `json:"source"`
}

// dedupKey collapses streamed chunk duplicates. Older transcripts carry
// neither field; those lines are never deduplicated.
func dedupKey(l *claudeLine) string {
	msgID := ""
	if l.Message != nil {
		msgID = l.Message.ID
	}
	if msgID == "" && l.RequestID == "" {
		return ""
	}
	return msgID + "\x00" + l.RequestID
}

// parseClaudeSession reads a Claude transcript end to end and derives the
// canonical session record.
func parseClaudeSession(path string) (*models.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sess := &models.Session{
		ID:       strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		Provider: models.ProviderClaude,
		FilePath: path,
	}
	sess.ProjectPath = DecodeProjectPath(filepath.Base(filepath.Dir(path)))
	sess.ProjectName = ProjectName(sess.ProjectPath)

	seen := make(map[string]bool)
	pendingTools := make(map[string]bool)
	var (
		parsedAny    bool
		sawAssistant bool
		sawError     bool
		lastRole     string
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line claudeLine
		if err := json.Unmarshal(raw, &line); err != nil {
			log.Printf("claude: skip malformed line in %s: %v", filepath.Base(path), err)
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

		if key := dedupKey(&line); key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}

		switch line.Type {
		case "user":
			lastRole = "user"
			sess.MessageCount++
			if ts > sess.LastHumanMessageAt {
				sess.LastHumanMessageAt = ts
			}
			if sess.FirstPrompt == "" {
				sess.FirstPrompt = extractFirstPrompt(&line)
			}
			for _, b := range messageBlocks(line.Message) {
				if b.Type == "tool_result" && b.ToolUseID != "" {
					delete(pendingTools, b.ToolUseID)
				}
			}

		case "assistant":
			lastRole = "assistant"
			sawAssistant = true
			sess.MessageCount++
			if line.Message != nil {
				if line.Message.Model != "" {
					sess.Model = line.Message.Model
				}
				accumulateClaudeUsage(sess, line.Message)
			}
			for _, b := range messageBlocks(line.Message) {
				if b.Type == "tool_use" && b.ID != "" {
					pendingTools[b.ID] = true
				}
			}

		case "system":
			if strings.Contains(strings.ToLower(systemText(&line)), "error") {
				// Substring match inherited from the hook scripts; it can
				// false-positive on benign mentions of "error".
				sawError = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !parsedAny {
		return nil, fmt.Errorf("%w: %s is empty", ErrSessionParse, filepath.Base(path))
	}

	fillFileTimes(sess, path)

	switch {
	case sawError:
		sess.Status = models.SessionError
	case len(pendingTools) > 0 || (lastRole == "user" && !sawAssistant):
		sess.Status = models.SessionActive
	default:
		sess.Status = models.SessionCompleted
	}

	return sess, nil
}

// accumulateClaudeUsage adds one deduplicated message's usage to the
// session totals and prices it. Without a cache_creation split all
// cache-creation tokens are billed at the 1-hour rate.
func accumulateClaudeUsage(sess *models.Session, msg *claudeMessage) {
	u := msg.Usage
	if u == nil {
		return
	}
	sess.Tokens.Input += u.InputTokens
	sess.Tokens.Output += u.OutputTokens
	sess.Tokens.CacheRead += u.CacheReadInputTokens
	sess.Tokens.CacheWrite += u.CacheCreationInputTokens

	var write5m, write1h int64
	if u.CacheCreation != nil {
		write5m = u.CacheCreation.Ephemeral5m
		write1h = u.CacheCreation.Ephemeral1h
	} else {
		write1h = u.CacheCreationInputTokens
	}

	model := msg.Model
	if model == "" {
		model = sess.Model
	}
	sess.TotalCostUSD += claudeCost(model, u.InputTokens, u.OutputTokens, u.CacheReadInputTokens, write5m, write1h)
}

// extractFirstPrompt pulls the prompt text from a user line. Editor context
// blocks (tagged <ide_...>) are injected by IDE integrations and skipped.
func extractFirstPrompt(line *claudeLine) string {
	if line.Message != nil && len(line.Message.Content) > 0 {
		var blocks []claudeBlock
		if err := json.Unmarshal(line.Message.Content, &blocks); err == nil {
			for _, b := range blocks {
				if b.Type != "text" {
					continue
				}
				text := strings.TrimSpace(b.Text)
				if strings.HasPrefix(text, "<ide_") {
					continue
				}
				if text != "" {
					return text
				}
			}
		}
		var s string
		if err := json.Unmarshal(line.Message.Content, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	var s string
	if err := json.Unmarshal(line.Content, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

// systemText renders a system line's content for error sniffing.
func systemText(line *claudeLine) string {
	var s string
	if err := json.Unmarshal(line.Content, &s); err == nil {
		return s
	}
	if line.Message != nil {
		if err := json.Unmarshal(line.Message.Content, &s); err == nil {
			return s
		}
	}
	return string(line.Content)
}

func messageBlocks(msg *claudeMessage) []claudeBlock {
	if msg == nil || len(msg.Content) == 0 {
		return nil
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// parseFlexTimestamp accepts RFC3339 strings and integer epoch
// milliseconds, returning epoch ms or 0.
func parseFlexTimestamp(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UnixMilli()
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UnixMilli()
		}
		return 0
	}
	if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return ms
	}
	return 0
}

// fillFileTimes backfills missing timestamps from file metadata: transcripts
// from some CLI versions carry no timestamps at all.
func fillFileTimes(sess *models.Session, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mtime := info.ModTime().UnixMilli()
	if sess.LastActiveAt == 0 {
		sess.LastActiveAt = mtime
	}
	if sess.StartedAt == 0 {
		// Go exposes no portable file birth time; the modification time is
		// the closest stand-in for single-shot transcripts.
		sess.StartedAt = mtime
	}
	if sess.LastHumanMessageAt == 0 {
		sess.LastHumanMessageAt = sess.StartedAt
	}
	if sess.LastHumanMessageAt > sess.LastActiveAt {
		sess.LastActiveAt = sess.LastHumanMessageAt
	}
	if sess.StartedAt > sess.LastHumanMessageAt {
		sess.LastHumanMessageAt = sess.StartedAt
	}
}

// claudeMessages extracts the message sequence from a Claude transcript.
func claudeMessages(path string) ([]models.SessionMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []models.SessionMessage
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line claudeLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		if line.Type != "user" && line.Type != "assistant" && line.Type != "system" {
			continue
		}
		if key := dedupKey(&line); key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}

		msg := models.SessionMessage{
			Role:        line.Type,
			TimestampMS: parseFlexTimestamp(line.Timestamp),
		}
		if line.Message != nil {
			msg.ID = line.Message.ID
			msg.Model = line.Message.Model
			if u := line.Message.Usage; u != nil {
				msg.TokensIn = u.InputTokens
				msg.TokensOut = u.OutputTokens
			}
		}
		msg.Content, msg.Images = renderClaudeContent(&line)
		if msg.Content == "" && len(msg.Images) == 0 {
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return msgs, nil
}

// renderClaudeContent flattens a line's content blocks into display text
// and collects image references.
func renderClaudeContent(line *claudeLine) (string, []models.ImageRef) {
	content := line.Content
	if line.Message != nil && len(line.Message.Content) > 0 {
		content = line.Message.Content
	}
	if len(content) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return strings.TrimSpace(s), nil
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return "", nil
	}

	var parts []string
	var images []models.ImageRef
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if t := strings.TrimSpace(b.Text); t != "" {
				parts = append(parts, t)
			}
		case "tool_use":
			if b.Name != "" {
				parts = append(parts, "[tool: "+b.Name+"]")
			}
		case "image":
			var src struct {
				MediaType string `json:"media_type"`
			}
			_ = json.Unmarshal(b.Source, &src)
			images = append(images, models.ImageRef{MediaType: src.MediaType})
		}
	}
	return strings.Join(parts, "\n"), images
}
