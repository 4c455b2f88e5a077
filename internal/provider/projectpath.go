package provider

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// DecodeProjectPath reconstructs an absolute project path from the encoded
// directory name a provider uses under its projects root (e.g.
// "-Users-jane-src-app" -> "/Users/jane/src/app").
//
// The encoding replaces path separators with '-', so the reconstruction is
// heuristic: a project whose name literally contains '-' cannot be told
// apart from a nested directory. Keep the decode deterministic; it is the
// project identity used by the store.
func DecodeProjectPath(encoded string) string {
	if decoded, err := url.PathUnescape(encoded); err == nil {
		encoded = decoded
	}

	switch {
	case isWindowsDrive(encoded):
		// "-C-Users-jane-proj" -> "C:\Users\jane\proj"
		rest := encoded[1:] // drop leading '-'
		drive := rest[:1]
		parts := splitEncoded(rest[2:])
		return drive + ":\\" + strings.Join(parts, "\\")

	case strings.HasPrefix(encoded, "-Users-") || strings.HasPrefix(encoded, "-home-"):
		return "/" + strings.Join(splitEncoded(encoded[1:]), "/")

	case filepath.IsAbs(encoded):
		return encoded

	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return encoded
		}
		return filepath.Join(home, encoded)
	}
}

// isWindowsDrive reports whether the encoded name looks like
// "-<drive>-...", e.g. "-C-Users-...".
func isWindowsDrive(s string) bool {
	return len(s) >= 3 && s[0] == '-' && s[2] == '-' &&
		unicode.IsUpper(rune(s[1]))
}

func splitEncoded(s string) []string {
	return strings.Split(s, "-")
}

// ProjectName returns the basename of a decoded project path.
func ProjectName(projectPath string) string {
	name := filepath.Base(filepath.ToSlash(projectPath))
	if name == "." || name == "/" || name == "" {
		return "unknown"
	}
	// Windows paths parsed on Unix keep backslashes.
	if i := strings.LastIndex(name, "\\"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
