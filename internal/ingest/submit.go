package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/kbchat/internal/storage"
)

// DocumentStore persists documents and queues their indexing.
type DocumentStore interface {
	SaveContextDoc(ctx context.Context, doc storage.ContextDoc) error
	DeleteContextDoc(ctx context.Context, id string) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Submit stores doc, replacing any document with the same ID, and queues it
// for indexing. It returns the job ID.
func Submit(ctx context.Context, store DocumentStore, doc storage.ContextDoc) (string, error) {
	if err := store.DeleteContextDoc(ctx, doc.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("replacing document %s: %w", doc.ID, err)
	}
	if err := store.SaveContextDoc(ctx, doc); err != nil {
		return "", fmt.Errorf("saving document: %w", err)
	}
	job, err := NewJob(doc.ID)
	if err != nil {
		return "", err
	}
	if err := store.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}
	return job.ID, nil
}
