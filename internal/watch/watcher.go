// Package watch mirrors a folder of plain-text diagram files into one project
// of the local store.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"diagramsync/internal/dsync"
)

// Ext is the extension of the diagram files the watcher picks up.
const Ext = ".mmd"

// Op is what happened to a diagram file.
type Op int

const (
	OpImport Op = iota + 1
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpImport:
		return "import"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change reports a diagram the watcher added, updated or removed.
type Change struct {
	Op      Op
	Path    string
	Title   string
	Created bool // set for an import that added a new diagram
}

// Options configures a Watcher.
type Options struct {
	Logger dsync.Logger
	// Ignore holds glob patterns applied in addition to the directory's
	// ignore file.
	Ignore []string
	// OnChange is called after each change was applied to the store.
	OnChange func(ctx context.Context, c Change)
}

// Watcher applies file events in a directory to a project: a created or
// written file adds or updates the diagram titled after the file's base name,
// a removed or renamed file deletes it. Subdirectories are not watched.
type Watcher struct {
	dir       string
	projectID int64
	store     dsync.Store
	transfer  *dsync.Transfer
	logger    dsync.Logger
	onChange  func(ctx context.Context, c Change)

	extraIgnore []string
	ignore      *ignoreMatcher
}

// New creates a Watcher for dir feeding the project with id projectID.
func New(dir string, projectID int64, store dsync.Store, opts Options) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = dsync.NewNopLogger()
	}
	return &Watcher{
		dir:       dir,
		projectID: projectID,
		store:     store,
		transfer:  dsync.NewTransfer(store, logger),
		logger:    logger,
		onChange:  opts.OnChange,

		extraIgnore: opts.Ignore,
		ignore:      newIgnoreMatcher(opts.Ignore),
	}
}

// loadIgnore rereads the directory's ignore file.
func (w *Watcher) loadIgnore() error {
	lines, err := readIgnoreFile(w.dir)
	if err != nil {
		return err
	}
	w.ignore = newIgnoreMatcher(append(append([]string(nil), w.extraIgnore...), lines...))
	return nil
}

func (w *Watcher) wants(path string) bool {
	return isDiagramFile(path) && !w.ignore.Match(path)
}

// Scan imports every diagram file already in the directory that the ignore
// patterns do not exclude.
func (w *Watcher) Scan(ctx context.Context) error {
	if err := w.loadIgnore(); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !w.wants(e.Name()) {
			continue
		}
		if err := w.importFile(ctx, filepath.Join(w.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Run scans the directory and then applies events until ctx is done. A file
// that fails to import is logged and skipped.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	if err := w.Scan(ctx); err != nil {
		return err
	}
	w.logger.Info("watching for diagram changes", "dir", w.dir, "project", w.projectID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if err := w.handle(ctx, ev); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				w.logger.Warn("applying file change", "path", ev.Name, "op", ev.Op.String(), "error", err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) error {
	if filepath.Dir(ev.Name) != filepath.Clean(w.dir) {
		return nil
	}
	if filepath.Base(ev.Name) == IgnoreFile {
		// Applies to later events; files already imported stay.
		return w.loadIgnore()
	}
	if !w.wants(ev.Name) {
		return nil
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return w.removeFile(ctx, ev.Name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		return w.importFile(ctx, ev.Name)
	}
	return nil
}

func (w *Watcher) importFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Gone again before we got to it; the remove event follows.
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	title := dsync.TitleFromFile(path)
	d, created, err := w.transfer.ImportDiagram(ctx, w.projectID, title, string(data))
	if err != nil {
		return fmt.Errorf("importing %s: %w", path, err)
	}
	if d == nil {
		return nil
	}
	w.notify(ctx, Change{Op: OpImport, Path: path, Title: title, Created: created})
	return nil
}

func (w *Watcher) removeFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		// Rename onto the same name, as editors do when saving.
		return w.importFile(ctx, path)
	}

	title := dsync.TitleFromFile(path)
	d, err := w.store.GetDiagramByTitle(ctx, w.projectID, title)
	if err != nil {
		return fmt.Errorf("finding diagram %q: %w", title, err)
	}
	if d == nil {
		return nil
	}
	if err := w.store.DeleteDiagram(ctx, d.ID); err != nil {
		return fmt.Errorf("deleting diagram %q: %w", title, err)
	}
	w.logger.Info("diagram removed", "project", w.projectID, "title", title)
	w.notify(ctx, Change{Op: OpDelete, Path: path, Title: title})
	return nil
}

func (w *Watcher) notify(ctx context.Context, c Change) {
	if w.onChange != nil {
		w.onChange(ctx, c)
	}
}

func isDiagramFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), Ext)
}
