package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/kbchat/internal/storage"
)

type mockForgetter struct {
	forgotten []string
}

func (m *mockForgetter) Forget(_ context.Context, id string) error {
	m.forgotten = append(m.forgotten, id)
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWatcher_SyncSubmitsSupportedFiles(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t)
	faq := writeFile(t, dir, "faq.md", "Shipping takes two days.")
	writeFile(t, dir, "logo.png", "binary")
	writeFile(t, dir, "empty.txt", "   ")

	w := NewWatcher(dir, store, &mockForgetter{})
	if err := w.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	docs, err := store.ListContextDocs(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("stored %d documents, want 1", len(docs))
	}
	d := docs[0]
	if d.ID != DocumentID(faq) || d.Source != SourceFile || d.Title != "faq.md" || d.Content != "Shipping takes two days." {
		t.Errorf("doc = %+v", d)
	}

	job, err := store.ClaimNextJob(context.Background(), []string{storage.JobIngestDocument})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v", job, err)
	}
}

func TestWatcher_WriteReplacesDocument(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t)
	w := NewWatcher(dir, store, &mockForgetter{})
	ctx := context.Background()

	path := writeFile(t, dir, "page.html", "<p>old</p>")
	w.Handle(ctx, fsnotify.Event{Name: path, Op: fsnotify.Create})
	writeFile(t, dir, "page.html", "<p>new</p>")
	w.Handle(ctx, fsnotify.Event{Name: path, Op: fsnotify.Write})

	doc, err := store.GetContextDoc(ctx, DocumentID(path))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Content != "new" {
		t.Errorf("content = %q, want new", doc.Content)
	}
}

func TestWatcher_RemoveForgets(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t)
	forget := &mockForgetter{}
	w := NewWatcher(dir, store, forget)
	ctx := context.Background()

	path := writeFile(t, dir, "faq.txt", "Returns within 30 days.")
	w.Handle(ctx, fsnotify.Event{Name: path, Op: fsnotify.Create})
	os.Remove(path)
	w.Handle(ctx, fsnotify.Event{Name: path, Op: fsnotify.Remove})

	if _, err := store.GetContextDoc(ctx, DocumentID(path)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetContextDoc err = %v, want ErrNotFound", err)
	}
	if !slices.Equal(forget.forgotten, []string{DocumentID(path)}) {
		t.Errorf("forgotten = %v", forget.forgotten)
	}
}

func TestWatcher_IgnoresUnsupportedFiles(t *testing.T) {
	forget := &mockForgetter{}
	w := NewWatcher(t.TempDir(), openTestStore(t), forget)
	w.Handle(context.Background(), fsnotify.Event{Name: "photo.jpg", Op: fsnotify.Remove})
	if len(forget.forgotten) != 0 {
		t.Error("unsupported file was forgotten")
	}
}

func TestDocumentIDIsStable(t *testing.T) {
	if DocumentID("/kb/faq.md") != DocumentID("/kb/faq.md") {
		t.Error("DocumentID not deterministic")
	}
	if DocumentID("/kb/faq.md") == DocumentID("/kb/terms.md") {
		t.Error("DocumentID collides")
	}
}
