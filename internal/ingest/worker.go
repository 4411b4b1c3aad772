// Package ingest feeds documents into the local retrieval index: a job
// worker that chunks and embeds stored documents, text extraction for the
// supported formats, and a directory watcher.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

// JobStore abstracts the job queue and document table.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetContextDoc(ctx context.Context, id string) (storage.ContextDoc, error)
}

// Indexer writes a document's chunks into the vector index.
type Indexer interface {
	Index(ctx context.Context, src retrieval.Source) (int, error)
}

// Payload is the JSON body of an ingest_document job.
type Payload struct {
	DocumentID string `json:"document_id"`
}

// NewJob builds an ingest_document job for a stored document.
func NewJob(docID string) (storage.Job, error) {
	payload, err := json.Marshal(Payload{DocumentID: docID})
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding job payload: %w", err)
	}
	return storage.Job{
		ID:          uuid.NewString(),
		Type:        storage.JobIngestDocument,
		PayloadJSON: string(payload),
	}, nil
}

// Worker processes ingest_document jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	indexer Indexer
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker. A non-positive pollInterval defaults to 500ms.
func NewWorker(store JobStore, indexer Indexer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		indexer: indexer,
		poll:    pollInterval,
		logger:  slog.Default().With("component", "ingest"),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. It reports whether a job was
// claimed, regardless of its outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobIngestDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.process(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetContextDoc(ctx, payload.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
	}

	n, err := w.indexer.Index(ctx, retrieval.Source{
		ID:   doc.ID,
		Type: doc.Source,
		URL:  doc.SourceURL,
		Text: doc.Content,
		Tags: doc.Tags,
	})
	if err != nil {
		return fmt.Errorf("indexing document %s: %w", doc.ID, err)
	}
	w.logger.Info("document indexed", "document_id", doc.ID, "chunks", n)
	return nil
}
