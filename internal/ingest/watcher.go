package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/kalambet/kbchat/internal/storage"
)

// SourceFile is the document source recorded for watched files.
const SourceFile = "file"

// Forgetter drops a document's vectors from the index.
type Forgetter interface {
	Forget(ctx context.Context, sourceID string) error
}

// Watcher keeps the documents of one directory in the local index. Files are
// submitted on create and write and forgotten on remove and rename.
type Watcher struct {
	dir    string
	store  DocumentStore
	forget Forgetter
	logger *slog.Logger
}

func NewWatcher(dir string, store DocumentStore, forget Forgetter) *Watcher {
	return &Watcher{
		dir:    dir,
		store:  store,
		forget: forget,
		logger: slog.Default().With("component", "watcher", "dir", dir),
	}
}

// DocumentID derives a stable document ID from a file path.
func DocumentID(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+path)).String()
}

// Run submits every existing file and then follows changes until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	if err := w.Sync(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.Handle(ctx, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// Sync submits every supported file currently in the directory.
func (w *Watcher) Sync(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || KindForPath(e.Name()) == "" {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if err := w.submit(ctx, path); err != nil {
			w.logger.Warn("submitting file failed", "path", path, "error", err)
		}
	}
	return nil
}

// Handle applies one file system event.
func (w *Watcher) Handle(ctx context.Context, ev fsnotify.Event) {
	if KindForPath(ev.Name) == "" {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		if err := w.submit(ctx, ev.Name); err != nil {
			w.logger.Warn("submitting file failed", "path", ev.Name, "error", err)
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if err := w.remove(ctx, ev.Name); err != nil {
			w.logger.Warn("removing file failed", "path", ev.Name, "error", err)
		}
	}
}

func (w *Watcher) submit(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	text, err := ExtractText(KindForPath(path), data)
	if err != nil {
		return err
	}
	if text == "" {
		w.logger.Debug("skipping empty file", "path", path)
		return nil
	}

	doc := storage.ContextDoc{
		ID:        DocumentID(path),
		Title:     filepath.Base(path),
		Content:   text,
		Source:    SourceFile,
		SourceURL: "file://" + path,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := Submit(ctx, w.store, doc); err != nil {
		return err
	}
	w.logger.Info("file queued for indexing", "path", path)
	return nil
}

func (w *Watcher) remove(ctx context.Context, path string) error {
	id := DocumentID(path)
	if err := w.store.DeleteContextDoc(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return w.forget.Forget(ctx, id)
}
