// Package watcher recursively watches every source directory of every
// configured backup set for filesystem activity and forwards a coalesced
// (set name) token to the job manager for each leaf-file change that
// survives exclusion filtering.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/backutil/backutil/internal/config"
	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

// ChangeHandler is invoked once per change event that belongs to a set and
// survives exclusion filtering. Called from the watcher's event loop
// goroutine; implementations must not block.
type ChangeHandler func(setName string)

// setRoot binds a watched source root to the set it belongs to.
type setRoot struct {
	setName string
	root    string
}

// Watcher owns a single fsnotify watcher instance and the per-set
// exclusion globs, path-to-set mapping, and change callback. It is
// rebuilt wholesale on every config reload rather than patched in place.
type Watcher struct {
	logger  zerolog.Logger
	fsw     *fsnotify.Watcher
	roots   []setRoot
	exclude map[string]glob.Glob // set name -> combined exclusion glob, nil if none
	onEvent ChangeHandler

	mu      sync.Mutex
	closed  bool
	watched map[string]bool // directories already under fsnotify.Add
}

// New builds a Watcher for every backup set in cfg and starts watching
// their source trees. A source directory that does not exist logs a
// warning and is skipped rather than failing the whole daemon.
func New(logger zerolog.Logger, cfg *config.Config, onEvent ChangeHandler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		logger:  logger,
		fsw:     fsw,
		exclude: make(map[string]glob.Glob),
		onEvent: onEvent,
		watched: make(map[string]bool),
	}

	for _, set := range cfg.BackupSets {
		if len(set.Exclude) > 0 {
			g, globErr := compileExcludeSet(set.Exclude)
			if globErr != nil {
				fsw.Close()
				return nil, globErr
			}
			w.exclude[set.Name] = g
		}
		for _, src := range set.SourcePaths() {
			w.roots = append(w.roots, setRoot{setName: set.Name, root: filepath.Clean(src)})
		}
	}

	for _, r := range w.roots {
		if err := w.watchTree(r.root); err != nil {
			logger.Warn().Err(err).Str("path", r.root).Msg("source path does not exist or cannot be watched, skipping")
		}
	}

	go w.loop()
	return w, nil
}

// compileExcludeSet builds one glob matching any of patterns, since
// gobwas/glob has no built-in "any of N patterns" combinator the way
// globset does; patterns are joined with the library's alternation form.
func compileExcludeSet(patterns []string) (glob.Glob, error) {
	joined := "{" + joinPatterns(patterns) + "}"
	return glob.Compile(joined)
}

func joinPatterns(patterns []string) string {
	out := ""
	for i, p := range patterns {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// watchTree adds root and every subdirectory beneath it to the fsnotify
// watch set. fsnotify has no recursive watch mode, so subdirectories are
// discovered with a walk at construction time and incrementally as new
// directories are created (see handleEvent's handling of fsnotify.Create).
func (w *Watcher) watchTree(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.addWatch(filepath.Dir(root))
	}

	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort: skip unreadable subtrees
		}
		if d.IsDir() {
			return w.addWatch(path)
		}
		return nil
	})
}

func (w *Watcher) addWatch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = true
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// handleEvent maps one fsnotify event to its owning set, applies the
// three-way exclusion check, and discards directory-only events; only
// leaf-file creates/modifies/deletes/renames are forwarded.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addWatch(event.Name)
			return
		}
	}
	if w.isDirOnlyOp(event) {
		return
	}

	root, setName, ok := w.ownerOf(event.Name)
	if !ok {
		return
	}

	if w.isExcluded(setName, root, event.Name) {
		return
	}

	w.onEvent(setName)
}

// isDirOnlyOp reports whether event looks like it targets a directory
// rather than a leaf file. fsnotify doesn't tell us the removed/renamed
// path's type after the fact, so a best-effort Stat is used when the path
// still exists; a vanished path falls back to the watch set itself, since a
// directory that was being watched is known to have been a directory even
// after its removal makes it unstattable.
func (w *Watcher) isDirOnlyOp(event fsnotify.Event) bool {
	if info, err := os.Lstat(event.Name); err == nil {
		return info.IsDir()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watched[event.Name]
}

// ownerOf finds the watched root whose tree contains path, canonicalizing
// both sides so symlinked sources still match.
func (w *Watcher) ownerOf(path string) (root, setName string, ok bool) {
	canon := canonicalize(path)
	for _, r := range w.roots {
		rootCanon := canonicalize(r.root)
		if within(canon, rootCanon) {
			return r.root, r.setName, true
		}
	}
	return "", "", false
}

// canonicalize resolves symlinks in path so a symlinked source root still
// matches events reported against its real path. A path that no longer
// exists (a delete or a rename-away) can't be resolved directly; its parent
// directory almost always still can be, so that is resolved instead and the
// leaf name reattached, keeping symlinked roots matching even for their
// last event.
func canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	dir, base := filepath.Split(filepath.Clean(path))
	if resolvedDir, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(resolvedDir, base)
	}
	return filepath.Clean(path)
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel))
}

// isExcluded matches against the relative path, the absolute path, and
// the file name, as spec.md's watcher contract requires.
func (w *Watcher) isExcluded(setName, root, path string) bool {
	g, ok := w.exclude[setName]
	if !ok {
		return false
	}
	if g.Match(path) {
		return true
	}
	if rel, err := filepath.Rel(root, path); err == nil && g.Match(rel) {
		return true
	}
	return g.Match(filepath.Base(path))
}

// Close stops the underlying fsnotify watcher. Safe to call once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fsw.Close()
}
