package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kalambet/kbchat/internal/cache"
	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/llm"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
	"github.com/kalambet/kbchat/internal/stream"
)

// SectionNames are the detail sections in generation order.
var SectionNames = []string{"overview", "features", "benefits", "pricing"}

// Sections maps a section name to its markdown.
type Sections map[string]string

// ErrInvalidName is returned for a product name with an empty key.
var ErrInvalidName = errors.New("invalid product name")

// SectionStore reads products and updates their generated sections.
type SectionStore interface {
	GetProduct(ctx context.Context, key string) (storage.Product, error)
	UpdateProductField(ctx context.Context, key, field, value string) error
}

var sectionParams = llm.Params{MaxTokens: 1000, Temperature: 0}

type Detailer struct {
	provider  llm.Provider
	retriever retrieval.Retriever
	store     SectionStore
	cache     *cache.Cache[Sections]
	customer  string
	topK      int
}

func NewDetailer(p llm.Provider, r retrieval.Retriever, store SectionStore, c *cache.Cache[Sections], customer string, topK int) *Detailer {
	return &Detailer{provider: p, retriever: r, store: store, cache: c, customer: customer, topK: topK}
}

// Details streams the four sections of a product page, one complete section
// at a time. A fresh cached page is replayed without model calls; otherwise
// each finished section is written to the product store and the full page
// is cached once every section is done. The stream is not terminated.
func (d *Detailer) Details(ctx context.Context, name string, sink stream.Sink) error {
	key := CanonicalKey(name)
	if key == "" {
		return ErrInvalidName
	}

	if cached, ok := d.cache.Get(ctx, key); ok {
		slog.Debug("serving cached product details", "key", key)
		for _, section := range SectionNames {
			if err := replay(sink, section, cached[section]); err != nil {
				return err
			}
		}
		return nil
	}

	display := strings.TrimSpace(name)
	if p, err := d.store.GetProduct(ctx, key); err == nil && p.Name != "" {
		display = p.Name
	}

	sections := make(Sections, len(SectionNames))
	for _, section := range SectionNames {
		text, err := d.section(ctx, display, section, sink)
		if err != nil {
			return fmt.Errorf("generating %s section: %w", section, err)
		}
		sections[section] = text

		err = d.store.UpdateProductField(ctx, key, section, text)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			slog.Info("product not in store, section not persisted", "key", key, "section", section)
		case err != nil:
			slog.Warn("persisting section failed", "key", key, "section", section, "error", err)
		}

		if err := sink.Send(stream.SectionEnd(section)); err != nil {
			return err
		}
	}

	if err := d.cache.Set(ctx, key, sections); err != nil {
		slog.Warn("caching product details failed", "key", key, "error", err)
	}
	return nil
}

// section streams one section body after its start event and returns the
// accumulated text.
func (d *Detailer) section(ctx context.Context, product, section string, sink stream.Sink) (string, error) {
	passages, err := d.retriever.Retrieve(ctx, product+" "+section, d.topK)
	if err != nil {
		return "", fmt.Errorf("retrieving passages: %w", err)
	}
	if err := sink.Send(stream.SectionStart(section)); err != nil {
		return "", err
	}

	s, err := d.provider.Stream(ctx, llm.Prompt(composer.SectionPrompt(d.customer, product, section, composer.JoinContext(passages)), sectionParams))
	if err != nil {
		return "", err
	}
	defer s.Close()

	var b strings.Builder
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return strings.TrimSpace(b.String()), nil
		}
		if err != nil {
			return "", err
		}
		if chunk == "" {
			continue
		}
		b.WriteString(chunk)
		if err := sink.Send(stream.Content(chunk)); err != nil {
			return "", err
		}
	}
}

func replay(sink stream.Sink, section, text string) error {
	if err := sink.Send(stream.SectionStart(section)); err != nil {
		return err
	}
	if text != "" {
		if err := sink.Send(stream.Content(text)); err != nil {
			return err
		}
	}
	return sink.Send(stream.SectionEnd(section))
}
