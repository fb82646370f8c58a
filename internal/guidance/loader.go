// Package guidance loads the markdown bundle that shapes an agent's
// behavior: the system document, per-topic documents, and skill files. The
// bundle lives in a directory; documents are cached and the cache is
// invalidated by a filesystem watcher so long-lived sessions pick up edits.
package guidance

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SystemDocument is the bundle's entry point, injected into every session's
// system prompt when present.
const SystemDocument = "AGENTS.md"

// SkillsDir is the subdirectory scanned for skill documents.
const SkillsDir = "skills"

// Skill is a named capability document an adapter may surface to the model.
type Skill struct {
	Name    string
	Path    string
	Content string
}

// Loader reads markdown documents from a guidance directory with caching.
// It implements the tool-facing guidance interface.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]string

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	watchWg   sync.WaitGroup
}

// NewLoader creates a loader for the given directory. The directory does not
// need to exist; lookups against a missing directory report not-found.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:    dir,
		logger: logger.With("component", "guidance"),
		cache:  make(map[string]string),
	}
}

// Path returns the bundle's root directory.
func (l *Loader) Path() string { return l.dir }

// Document returns the named document's content. Names are relative to the
// bundle root; path traversal outside the bundle is rejected.
func (l *Loader) Document(name string) (string, error) {
	cleaned, err := l.resolve(name)
	if err != nil {
		return "", err
	}

	l.mu.RLock()
	content, ok := l.cache[cleaned]
	l.mu.RUnlock()
	if ok {
		return content, nil
	}

	data, err := os.ReadFile(filepath.Join(l.dir, cleaned))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("guidance: document %q not found", name)
		}
		return "", fmt.Errorf("guidance: read %q: %w", name, err)
	}

	l.mu.Lock()
	l.cache[cleaned] = string(data)
	l.mu.Unlock()
	return string(data), nil
}

// SystemContext returns the system document, or "" when the bundle has none.
func (l *Loader) SystemContext() string {
	content, err := l.Document(SystemDocument)
	if err != nil {
		return ""
	}
	return content
}

// Documents lists the markdown documents at the bundle root, sorted.
func (l *Loader) Documents() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("guidance: list documents: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Skills loads every markdown file under the skills subdirectory. Files that
// fail to read are logged and skipped.
func (l *Loader) Skills() []Skill {
	return LoadSkills(filepath.Join(l.dir, SkillsDir), l.logger)
}

// LoadSkills reads every markdown file in dir as a skill. A missing directory
// yields no skills.
func LoadSkills(dir string, logger *slog.Logger) []Skill {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var skills []Skill
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("failed to read skill", "path", path, "error", err)
			continue
		}
		skills = append(skills, Skill{
			Name:    strings.TrimSuffix(e.Name(), ".md"),
			Path:    path,
			Content: string(data),
		})
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}

// Invalidate drops the document cache. The next Document call re-reads from
// disk.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cache = make(map[string]string)
	l.mu.Unlock()
}

// Watch starts a filesystem watcher that invalidates the cache when any file
// in the bundle changes. Events within the debounce window coalesce into one
// invalidation. Idempotent; Close stops the watcher.
func (l *Loader) Watch(debounce time.Duration) error {
	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("guidance: create watcher: %w", err)
	}
	l.watcher = watcher
	l.watchDone = make(chan struct{})
	l.mu.Unlock()

	for _, path := range []string{l.dir, filepath.Join(l.dir, SkillsDir)} {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := watcher.Add(path); err != nil {
				l.logger.Debug("failed to watch guidance path", "path", path, "error", err)
			}
		}
	}

	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	l.watchWg.Add(1)
	go l.watchLoop(watcher, debounce)
	return nil
}

// Close stops the watcher if one is running.
func (l *Loader) Close() error {
	l.mu.Lock()
	watcher := l.watcher
	done := l.watchDone
	l.watcher = nil
	l.mu.Unlock()

	if watcher == nil {
		return nil
	}
	close(done)
	err := watcher.Close()
	l.watchWg.Wait()
	return err
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher, debounce time.Duration) {
	defer l.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleInvalidate := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			l.Invalidate()
			l.logger.Debug("guidance cache invalidated")
		})
	}

	l.mu.RLock()
	done := l.watchDone
	l.mu.RUnlock()

	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleInvalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("guidance watch error", "error", err)
		}
	}
}

// ToolView adapts a Loader to the error-free document lookup the tool
// contract expects: missing documents read as "".
type ToolView struct {
	Loader *Loader
}

func (v ToolView) Path() string { return v.Loader.Path() }

func (v ToolView) Document(name string) string {
	content, err := v.Loader.Document(name)
	if err != nil {
		return ""
	}
	return content
}

// resolve normalizes a document name and rejects traversal outside the
// bundle.
func (l *Loader) resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("guidance: empty document name")
	}
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("guidance: document name %q escapes the bundle", name)
	}
	return cleaned, nil
}
