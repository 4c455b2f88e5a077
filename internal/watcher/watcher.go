// Package watcher monitors provider transcript roots, debounces rapid
// writes, and feeds changed transcripts through the parser into the store.
package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alicehq/alice/internal/bus"
	"github.com/alicehq/alice/internal/models"
	"github.com/alicehq/alice/internal/notify"
	"github.com/alicehq/alice/internal/provider"
	"github.com/alicehq/alice/internal/store"
)

const (
	// debounceWindow rejects reprocessing of a path seen this recently.
	debounceWindow = 500 * time.Millisecond
	// debounceMaxAge is the housekeeping horizon for debounce entries.
	debounceMaxAge = 60 * time.Second
	// liveWindow: a transcript modified this recently is considered live,
	// overriding a derived Completed status.
	liveWindow = 2 * time.Minute

	// trayResetDelay: how long the tray shows success before falling back
	// to idle.
	trayResetDelay = 10 * time.Second
)

// Root binds a transcript directory to its provider.
type Root struct {
	Provider models.Provider
	Dir      string
}

// EnabledRoots returns the transcript roots of every installed provider.
func EnabledRoots(providers []models.Provider) []Root {
	var roots []Root
	for _, p := range providers {
		for _, dir := range provider.TranscriptRoots(p) {
			roots = append(roots, Root{Provider: p, Dir: dir})
		}
	}
	return roots
}

// Watcher ingests transcripts for a set of provider roots.
type Watcher struct {
	store *store.Store
	bus   *bus.Bus
	tray  *notify.Tray
	roots []Root

	mu            sync.Mutex
	lastProcessed map[string]time.Time

	// now and trayReset are swappable for tests.
	now       func() time.Time
	trayReset time.Duration
}

// New creates a Watcher wired to the given store, bus and tray.
func New(s *store.Store, b *bus.Bus, tray *notify.Tray, roots []Root) *Watcher {
	return &Watcher{
		store:         s,
		bus:           b,
		tray:          tray,
		roots:         roots,
		lastProcessed: make(map[string]time.Time),
		now:           time.Now,
		trayReset:     trayResetDelay,
	}
}

// Start walks every root once, then watches for file-system events. It
// blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.ScanAll()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	for _, root := range w.roots {
		if err := addDirRecursive(fsw, root.Dir); err != nil {
			log.Printf("watcher: watch %s: %v", root.Dir, err)
		}
	}

	housekeeping := time.NewTicker(debounceMaxAge)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addDirRecursive(fsw, ev.Name)
					continue
				}
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			if p, ok := w.providerFor(ev.Name); ok && w.shouldProcess(ev.Name) {
				w.processFile(p, ev.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Printf("watcher: fsnotify error: %v", err)

		case <-housekeeping.C:
			w.evictStale()
		}
	}
}

// ScanAll walks every root and ingests each transcript found.
func (w *Watcher) ScanAll() {
	for _, root := range w.roots {
		w.scanRoot(root)
	}
}

func (w *Watcher) scanRoot(root Root) {
	err := filepath.WalkDir(root.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // root may not exist yet
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		w.processFile(root.Provider, path)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		log.Printf("watcher: walk %s: %v", root.Dir, err)
	}
}

// providerFor matches an event path back to the root that owns it.
func (w *Watcher) providerFor(path string) (models.Provider, bool) {
	for _, root := range w.roots {
		rel, err := filepath.Rel(root.Dir, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel) {
			return root.Provider, true
		}
	}
	return "", false
}

// shouldProcess applies the per-path debounce: a path processed within the
// window is rejected.
func (w *Watcher) shouldProcess(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if last, ok := w.lastProcessed[path]; ok && now.Sub(last) < debounceWindow {
		return false
	}
	w.lastProcessed[path] = now
	return true
}

// evictStale drops debounce entries past the housekeeping horizon.
func (w *Watcher) evictStale() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-debounceMaxAge)
	for path, last := range w.lastProcessed {
		if last.Before(cutoff) {
			delete(w.lastProcessed, path)
		}
	}
}

// processFile runs one transcript end-to-end: parse, upsert, messages,
// events. Parse failures are logged and skipped; the watcher never stops
// over a single bad file.
func (w *Watcher) processFile(p models.Provider, path string) {
	sess, err := provider.ParseSession(p, path)
	if err != nil {
		log.Printf("watcher: parse %s: %v", filepath.Base(path), err)
		return
	}

	// A transcript still being written counts as active even when the
	// derived status says completed.
	if sess.Status == models.SessionCompleted {
		if info, err := os.Stat(path); err == nil && w.now().Sub(info.ModTime()) < liveWindow {
			sess.Status = models.SessionActive
		}
	}

	if err := w.store.UpsertSession(sess); err != nil {
		log.Printf("watcher: upsert %s/%s: %v", sess.Provider, sess.ID, err)
		return
	}
	if msgs, err := provider.Messages(p, path); err == nil {
		if err := w.store.ReplaceMessages(sess.Provider, sess.ID, msgs); err != nil {
			log.Printf("watcher: messages %s/%s: %v", sess.Provider, sess.ID, err)
		}
	}

	w.bus.Publish(bus.TopicSessionUpdated, sess)
	if w.tray != nil {
		state := notify.TrayStateForSession(sess.Status)
		w.tray.Set(state, sess.ProjectName)
		// Success is transient; fall back to idle unless something else
		// takes over first.
		if state == notify.TraySuccess {
			w.tray.ScheduleReset(w.trayReset)
		}
	}
}

func addDirRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = fsw.Add(path)
		}
		return nil
	})
}
