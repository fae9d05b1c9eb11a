package definition

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/flowd-io/flowd/dsl"
)

// filePattern matches workflow documents under the definitions root.
const filePattern = "**/*.{yaml,yml,json}"

// watchDebounce batches rapid editor writes into one reload.
const watchDebounce = 500 * time.Millisecond

// File serves definitions from a directory tree. Documents are discovered
// once at load and kept in memory; Watch keeps the in-memory view in sync
// with the filesystem. Put writes a document file so posted definitions
// survive restarts.
type File struct {
	root   string
	mem    *Memory
	logger *slog.Logger

	// byPath maps an absolute file path to the definition it produced,
	// so deletions and renames can evict the right entry.
	pathMu sync.Mutex
	byPath map[string]Ref

	watcher *fsnotify.Watcher
}

// NewFile loads every matching document under root. Files that fail to
// parse are skipped with a warning so one broken document cannot take the
// store down.
func NewFile(root string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving definitions root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating definitions root: %w", err)
	}
	f := &File{
		root:   abs,
		mem:    NewMemory(),
		logger: logger,
		byPath: make(map[string]Ref),
	}
	if err := f.loadAll(); err != nil {
		return nil, err
	}
	return f, nil
}

// OnChange registers the change callback. Wire during setup.
func (f *File) OnChange(fn ChangeFunc) {
	f.mem.OnChange(fn)
}

func (f *File) loadAll() error {
	matches, err := doublestar.Glob(os.DirFS(f.root), filePattern)
	if err != nil {
		return fmt.Errorf("scanning definitions root: %w", err)
	}
	for _, rel := range matches {
		path := filepath.Join(f.root, rel)
		f.loadFile(path)
	}
	f.logger.Info("definitions loaded", "root", f.root, "files", len(matches))
	return nil
}

// loadFile parses one document file into the store.
func (f *File) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		f.logger.Warn("skipping unreadable definition", "path", path, "error", err)
		return
	}
	wf, err := f.mem.Put(context.Background(), data)
	if err != nil {
		f.logger.Warn("skipping invalid definition", "path", path, "error", err)
		return
	}
	ref := Ref{Name: wf.Document.Name, Version: wf.Document.Version}
	f.pathMu.Lock()
	f.byPath[path] = ref
	f.pathMu.Unlock()
	f.logger.Debug("definition loaded", "path", path, "workflow", ref)
}

// evictFile drops the definition a removed file held, if any.
func (f *File) evictFile(path string) {
	f.pathMu.Lock()
	ref, ok := f.byPath[path]
	delete(f.byPath, path)
	f.pathMu.Unlock()
	if !ok {
		return
	}
	if err := f.mem.Delete(context.Background(), ref.Name, ref.Version); err == nil {
		f.logger.Info("definition removed with file", "path", path, "workflow", ref)
	}
}

// Get implements Store.
func (f *File) Get(ctx context.Context, name, version string) (*dsl.Workflow, error) {
	return f.mem.Get(ctx, name, version)
}

// Put implements Store. The document is written under the root as
// <name>-<version>.<ext> before the in-memory view updates.
func (f *File) Put(ctx context.Context, doc []byte) (*dsl.Workflow, error) {
	wf, err := dsl.Parse(doc)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(f.root, definitionFileName(wf, doc))
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return nil, fmt.Errorf("writing definition file: %w", err)
	}
	if _, err := f.mem.Put(ctx, doc); err != nil {
		return nil, err
	}
	f.pathMu.Lock()
	f.byPath[path] = Ref{Name: wf.Document.Name, Version: wf.Document.Version}
	f.pathMu.Unlock()
	return wf, nil
}

// Delete implements Store. Files that produced the deleted versions are
// removed as well.
func (f *File) Delete(ctx context.Context, name, version string) error {
	if err := f.mem.Delete(ctx, name, version); err != nil {
		return err
	}
	f.pathMu.Lock()
	var victims []string
	for path, ref := range f.byPath {
		if ref.Name == name && (version == "" || ref.Version == version) {
			victims = append(victims, path)
			delete(f.byPath, path)
		}
	}
	f.pathMu.Unlock()
	for _, path := range victims {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			f.logger.Warn("removing definition file", "path", path, "error", err)
		}
	}
	return nil
}

// List implements Store.
func (f *File) List(ctx context.Context) ([]Ref, error) {
	return f.mem.List(ctx)
}

// Source returns the stored raw document.
func (f *File) Source(name, version string) ([]byte, bool) {
	return f.mem.Source(name, version)
}

// Watch follows filesystem changes under the root until ctx is cancelled.
// Events are debounced so editors that write in several syscalls trigger
// one reload.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting definitions watcher: %w", err)
	}
	f.watcher = watcher
	if err := f.addWatchesRecursive(f.root); err != nil {
		watcher.Close()
		return err
	}
	go f.processEvents(ctx)
	f.logger.Info("watching definitions", "root", f.root)
	return nil
}

// Close stops the watcher, if running.
func (f *File) Close() error {
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

func (f *File) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if strings.HasPrefix(base, ".") && path != root {
			return filepath.SkipDir
		}
		if err := f.watcher.Add(path); err != nil {
			f.logger.Warn("watching directory", "path", path, "error", err)
		}
		return nil
	})
}

func (f *File) processEvents(ctx context.Context) {
	pending := make(map[string]fsnotify.Op)
	ticker := time.NewTicker(watchDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				// New subdirectories need their own watch.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = f.addWatchesRecursive(event.Name)
					continue
				}
			}
			if !matchesPattern(event.Name) {
				continue
			}
			pending[event.Name] |= event.Op
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("definitions watcher error", "error", err)
		case <-ticker.C:
			for path, op := range pending {
				delete(pending, path)
				switch {
				case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
					f.evictFile(path)
				case op.Has(fsnotify.Create) || op.Has(fsnotify.Write):
					f.loadFile(path)
				}
			}
		}
	}
}

func matchesPattern(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

// definitionFileName builds a stable file name for a posted document.
func definitionFileName(wf *dsl.Workflow, doc []byte) string {
	ext := ".yaml"
	if trimmed := strings.TrimSpace(string(doc)); strings.HasPrefix(trimmed, "{") {
		ext = ".json"
	}
	name := sanitizeFileName(wf.Document.Name) + "-" + sanitizeFileName(wf.Document.Version)
	return name + ext
}

func sanitizeFileName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
