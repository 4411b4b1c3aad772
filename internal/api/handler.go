// Package api exposes the answer pipeline, the product catalog and the
// document index over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/kbchat/internal/catalog"
	"github.com/kalambet/kbchat/internal/conversation"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/storage"
	"github.com/kalambet/kbchat/internal/stream"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Chat answers one chat request onto a sink.
type Chat interface {
	Handle(ctx context.Context, req pipeline.ChatRequest, sink stream.Sink) error
}

// ProductDiscovery streams discovered products.
type ProductDiscovery interface {
	Discover(ctx context.Context, limit int, emit func(catalog.Product) error) error
}

// ProductDetails streams the sections of one product page.
type ProductDetails interface {
	Details(ctx context.Context, name string, sink stream.Sink) error
}

// Suggestions returns starter questions.
type Suggestions interface {
	Questions(ctx context.Context) []string
}

// ProductStore persists catalog records.
type ProductStore interface {
	PutProduct(ctx context.Context, p storage.Product) error
	ListProducts(ctx context.Context, limit int) ([]storage.Product, error)
}

type Deps struct {
	Chat        Chat
	Discovery   ProductDiscovery
	Details     ProductDetails
	Suggestions Suggestions
	Products    ProductStore

	// Documents enables the /documents routes when set.
	Documents *DocumentDeps
}

// NewHandler returns the HTTP surface of the service.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/chat", handleChat(deps.Chat))
	r.Get("/products", handleListProducts(deps.Discovery))
	r.Post("/products", handleAddProduct(deps.Products))
	r.Get("/product-details/{name}", handleProductDetails(deps.Details))
	r.Get("/chat-suggested-questions", handleSuggestions(deps.Suggestions))

	if deps.Documents != nil {
		r.Mount("/documents", newDocumentHandler(*deps.Documents))
	}
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatBody struct {
	Question       string               `json:"question"`
	ChatHistory    conversation.History `json:"chat_history"`
	PromptModifier string               `json:"prompt_modifier"`
}

func handleChat(chat Chat) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body chatBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		body.Question = strings.TrimSpace(body.Question)
		if body.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		enc := startStream(w)
		req := pipeline.ChatRequest{
			Question: body.Question,
			History:  body.ChatHistory,
			Tone:     strings.TrimSpace(body.PromptModifier),
		}
		finish(r.Context(), enc, "chat", chat.Handle(r.Context(), req, enc))
	}
}

func handleListProducts(d ProductDiscovery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = v
		}

		enc := startStream(w)
		err := d.Discover(r.Context(), limit, func(p catalog.Product) error {
			return enc.Send(stream.Product(p))
		})
		finish(r.Context(), enc, "products", err)
	}
}

func handleProductDetails(d ProductDetails) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := url.PathUnescape(chi.URLParam(r, "name"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "malformed product name")
			return
		}
		if catalog.CanonicalKey(name) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "product name is required")
			return
		}

		enc := startStream(w)
		finish(r.Context(), enc, "product details", d.Details(r.Context(), name, enc))
	}
}

type addProductBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Link        string `json:"link"`
	Icon        string `json:"icon"`
}

func handleAddProduct(store ProductStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body addProductBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		p, err := addProduct(r.Context(), store, body)
		if errors.Is(err, catalog.ErrInvalidName) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store product: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"key": p.Key})
	}
}

func addProduct(ctx context.Context, store ProductStore, body addProductBody) (catalog.Product, error) {
	p := catalog.Product{
		Name:        body.Name,
		Description: strings.TrimSpace(body.Description),
		Link:        strings.TrimSpace(body.Link),
		Icon:        strings.TrimSpace(body.Icon),
	}.Normalize()
	if p.Key == "" {
		return catalog.Product{}, catalog.ErrInvalidName
	}
	if err := store.PutProduct(ctx, p.Record()); err != nil {
		return catalog.Product{}, err
	}
	return p, nil
}

func handleSuggestions(s Suggestions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Questions(r.Context()))
	}
}

func startStream(w http.ResponseWriter) *stream.Encoder {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return stream.NewEncoder(w)
}

// finish terminates the stream after a component returns.
func finish(ctx context.Context, enc *stream.Encoder, what string, err error) {
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("client went away", "stream", what, "error", err)
		} else {
			slog.Error("stream failed", "stream", what, "error", err)
		}
	}
	if ferr := enc.Finish(err); ferr != nil {
		slog.Debug("terminating stream failed", "stream", what, "error", ferr)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
