// Package notify is the single sink for outgoing notifications: OS toast,
// optional voice, and tray state.
package notify

import (
	"log"
	"os/exec"
	"runtime"
	"strings"
	"unicode"

	"github.com/gen2brain/beeep"
)

// Byte budgets for notification text. Both are enforced at UTF-8 rune
// boundaries so a cut never produces invalid text.
const (
	maxTitleBytes = 80
	maxBodyBytes  = 200
)

// Notifier dispatches notifications to the OS notifier and, when enabled,
// a detached TTS process.
type Notifier struct {
	// VoiceEnabled is consulted per notification; nil means off.
	VoiceEnabled func() bool

	// speak is swappable for tests.
	speak func(text string)
}

// New creates a Notifier.
func New(voiceEnabled func() bool) *Notifier {
	return &Notifier{
		VoiceEnabled: voiceEnabled,
		speak:        speakSystem,
	}
}

// Notify sends a notification. Delivery is best-effort; failures are
// logged, never returned to event sources.
func (n *Notifier) Notify(title, body string) {
	title = Truncate(title, maxTitleBytes)
	body = Truncate(body, maxBodyBytes)

	if err := beeep.Notify(title, body, ""); err != nil {
		log.Printf("notify: os notification: %v", err)
	}

	if n.VoiceEnabled != nil && n.VoiceEnabled() {
		text := Speakable(title)
		if body != "" {
			text += ". " + Speakable(body)
		}
		go n.speak(text)
	}
}

// Truncate cuts s to at most max bytes at a rune boundary, appending "..."
// when anything was removed.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	const ellipsis = "..."
	budget := max - len(ellipsis)
	if budget < 0 {
		budget = 0
	}
	cut := 0
	for i := range s {
		if i > budget {
			break
		}
		cut = i
	}
	return s[:cut] + ellipsis
}

// emojiWords translates the emoji prefixes the dispatcher itself uses into
// words the TTS engine can say.
var emojiWords = map[string]string{
	"✅": "done",
	"❌": "failed",
	"⚠️": "warning",
	"🔔": "",
	"🚀": "started",
}

// Speakable rewrites a notification string for speech: known emoji become
// words, remaining symbols are dropped.
func Speakable(s string) string {
	for emoji, word := range emojiWords {
		s = strings.ReplaceAll(s, emoji, " "+word+" ")
	}
	var b strings.Builder
	for _, r := range s {
		if r < 128 || unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// speakSystem launches the platform TTS command fire-and-forget.
func speakSystem(text string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("say", text)
	case "windows":
		cmd = exec.Command("powershell", "-NoProfile", "-Command",
			"Add-Type -AssemblyName System.Speech; (New-Object System.Speech.Synthesis.SpeechSynthesizer).Speak("+psQuote(text)+")")
	default:
		cmd = exec.Command("espeak", text)
	}
	if err := cmd.Start(); err != nil {
		log.Printf("notify: tts spawn: %v", err)
		return
	}
	// Detach; we never wait on the speech process.
	_ = cmd.Process.Release()
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
