// Package provider implements the closed set of supported AI CLIs:
// transcript discovery and parsing, pricing, and CLI command resolution.
package provider

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/alicehq/alice/internal/models"
)

// ErrSessionParse indicates a transcript that could not be parsed into a
// session: empty file, unknown format, or an unsupported provider.
var ErrSessionParse = errors.New("session parse failed")

// CLICommand returns the executable name used to spawn the provider.
// On Windows the CLIs install as .cmd shims.
func CLICommand(p models.Provider) string {
	name := string(p)
	if runtime.GOOS == "windows" {
		if _, err := exec.LookPath(name + ".cmd"); err == nil {
			return name + ".cmd"
		}
		return name + ".exe"
	}
	return name
}

// IsInstalled reports whether the provider CLI is on PATH.
func IsInstalled(p models.Provider) bool {
	_, err := exec.LookPath(CLICommand(p))
	return err == nil
}

// TranscriptRoots returns the directories under which the provider writes
// session transcripts. Missing directories are returned anyway; callers
// skip roots that do not exist.
func TranscriptRoots(p models.Provider) []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	switch p {
	case models.ProviderClaude:
		return []string{filepath.Join(home, ".claude", "projects")}
	case models.ProviderCodex:
		return []string{
			filepath.Join(home, ".codex", "sessions"),
			filepath.Join(home, ".codex", "archived_sessions"),
		}
	default:
		return nil
	}
}

// ProviderForPath guesses which provider owns a transcript path by matching
// it against each provider's roots.
func ProviderForPath(path string) (models.Provider, bool) {
	for _, p := range models.AllProviders {
		for _, root := range TranscriptRoots(p) {
			if rel, err := filepath.Rel(root, path); err == nil && rel != ".." && !filepath.IsAbs(rel) && len(rel) > 0 && rel[0] != '.' {
				return p, true
			}
		}
	}
	return "", false
}

// ParseSession parses a transcript file into a canonical session.
// Gemini transcripts are not supported in this revision; the provider still
// participates in task execution.
func ParseSession(p models.Provider, path string) (*models.Session, error) {
	switch p {
	case models.ProviderClaude:
		return parseClaudeSession(path)
	case models.ProviderCodex:
		return parseCodexSession(path)
	default:
		return nil, fmt.Errorf("%w: provider %s has no transcript parser", ErrSessionParse, p)
	}
}

// Messages parses the message sequence of a transcript on demand.
func Messages(p models.Provider, path string) ([]models.SessionMessage, error) {
	switch p {
	case models.ProviderClaude:
		return claudeMessages(path)
	case models.ProviderCodex:
		return codexMessages(path)
	default:
		return nil, fmt.Errorf("%w: provider %s has no transcript parser", ErrSessionParse, p)
	}
}
