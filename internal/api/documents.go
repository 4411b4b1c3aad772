package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/kbchat/internal/ingest"
	"github.com/kalambet/kbchat/internal/storage"
)

const (
	maxIngestBodySize = 10 << 20 // 10MB
	maxURLFetchSize   = 5 << 20  // 5MB
)

// DocumentStore is the document table plus the job queue.
type DocumentStore interface {
	ingest.DocumentStore
	GetContextDoc(ctx context.Context, id string) (storage.ContextDoc, error)
	ListContextDocs(ctx context.Context, limit int) ([]storage.ContextDoc, error)
}

type DocumentDeps struct {
	Store      DocumentStore
	Index      ingest.Forgetter
	Token      string
	HTTPClient *http.Client
}

// DocumentRequest is the body of POST /documents. Type is one of text, html,
// pdf (base64 content) or url.
type DocumentRequest struct {
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	URL     string   `json:"url"`
	Tags    []string `json:"tags"`
}

type documentSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Source    string `json:"source"`
	SourceURL string `json:"source_url,omitempty"`
	Tags      string `json:"tags"`
	Size      int    `json:"size"`
	CreatedAt string `json:"created_at"`
}

func newDocumentHandler(deps DocumentDeps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/", handleAddDocument(deps))
	r.Get("/", handleListDocuments(deps))
	r.Delete("/{id}", handleDeleteDocument(deps))
	return r
}

func handleAddDocument(deps DocumentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req DocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Type == "" {
			req.Type = ingest.KindText
		}

		var kind string
		var data []byte
		switch req.Type {
		case "url":
			if req.URL == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required for url documents")
				return
			}
			var err error
			kind, data, err = fetch(r.Context(), deps.HTTPClient, req.URL)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", err)
				return
			}
			if req.Title == "" {
				req.Title = req.URL
			}
		case ingest.KindPDF:
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			kind, data = ingest.KindPDF, decoded
		case ingest.KindText, ingest.KindHTML:
			kind, data = req.Type, []byte(req.Content)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported document type %q", req.Type)
			return
		}

		text, err := ingest.ExtractText(kind, data)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "extracting text: %v", err)
			return
		}
		if text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document has no text content")
			return
		}

		tagsJSON := "[]"
		if len(req.Tags) > 0 {
			b, err := json.Marshal(req.Tags)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to marshal tags: %v", err)
				return
			}
			tagsJSON = string(b)
		}

		doc := storage.ContextDoc{
			ID:        uuid.NewString(),
			Title:     req.Title,
			Content:   text,
			Source:    "api",
			SourceURL: req.URL,
			Tags:      tagsJSON,
			CreatedAt: time.Now().UTC(),
		}
		jobID, err := ingest.Submit(r.Context(), deps.Store, doc)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     doc.ID,
			"job_id": jobID,
			"status": "queued",
		})
	}
}

// fetch downloads a URL and picks the extraction kind from its content type.
func fetch(ctx context.Context, client *http.Client, url string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("url returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return "", nil, fmt.Errorf("reading response: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/pdf":
		return ingest.KindPDF, body, nil
	case mediaType == "text/html", mediaType == "application/xhtml+xml":
		return ingest.KindHTML, body, nil
	case strings.HasPrefix(mediaType, "text/"), mediaType == "":
		return ingest.KindText, body, nil
	}
	return "", nil, fmt.Errorf("unsupported content type %q", mediaType)
}

func handleListDocuments(deps DocumentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Store.ListContextDocs(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		out := make([]documentSummary, len(docs))
		for i, d := range docs {
			out[i] = documentSummary{
				ID:        d.ID,
				Title:     d.Title,
				Source:    d.Source,
				SourceURL: d.SourceURL,
				Tags:      d.Tags,
				Size:      len(d.Content),
				CreatedAt: d.CreatedAt.Format(time.RFC3339),
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDeleteDocument(deps DocumentDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteContextDoc(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}
		if deps.Index != nil {
			if err := deps.Index.Forget(r.Context(), id); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "document deleted but vectors remain: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
