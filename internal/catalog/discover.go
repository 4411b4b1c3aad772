package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/kbchat/internal/cache"
	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/jsonscan"
	"github.com/kalambet/kbchat/internal/llm"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

const (
	unknownProduct  = "unknown product"
	maxSubQuestions = 5
)

var (
	subQuestionParams = llm.Params{MaxTokens: 512, Temperature: 0}
	extractParams     = llm.Params{MaxTokens: 1000, Temperature: 0}
)

// ProductWriter persists discovered products.
type ProductWriter interface {
	PutProduct(ctx context.Context, p storage.Product) error
}

type DiscoverConfig struct {
	Customer      string
	ContextTopK   int
	DiscoveryTopK int
	DefaultLimit  int
}

// Discoverer builds the product catalog from the knowledge base with a chain
// of model calls.
type Discoverer struct {
	provider  llm.Provider
	retriever retrieval.Retriever
	describer *Describer
	store     ProductWriter
	cache     *cache.Cache[[]Product]
	cfg       DiscoverConfig
}

func NewDiscoverer(p llm.Provider, r retrieval.Retriever, d *Describer, store ProductWriter, c *cache.Cache[[]Product], cfg DiscoverConfig) *Discoverer {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	return &Discoverer{provider: p, retriever: r, describer: d, store: store, cache: c, cfg: cfg}
}

type cacheKey struct {
	Customer string `json:"customer"`
	Limit    int    `json:"limit"`
}

type candidate struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Link        string `json:"link"`
	Icon        string `json:"icon"`
}

// Discover emits at most limit products, each with a distinct key, in
// discovery order. A cached run is replayed without model calls. A
// non-positive limit selects the configured default.
func (d *Discoverer) Discover(ctx context.Context, limit int, emit func(Product) error) error {
	if limit <= 0 {
		limit = d.cfg.DefaultLimit
	}
	key, err := cache.Key(cacheKey{Customer: d.cfg.Customer, Limit: limit})
	if err != nil {
		return err
	}
	if cached, ok := d.cache.Get(ctx, key); ok {
		slog.Debug("serving cached products", "count", len(cached))
		for _, p := range cached {
			if err := emit(p); err != nil {
				return err
			}
		}
		return nil
	}

	run := &discoveryRun{limit: limit, seen: make(map[string]bool), emit: emit, store: d.store}

	questions, err := d.subQuestions(ctx)
	if err != nil {
		return err
	}
	for _, q := range questions {
		if run.full() {
			break
		}
		passages, err := d.retriever.Retrieve(ctx, q, d.cfg.DiscoveryTopK)
		if err != nil {
			return fmt.Errorf("retrieving passages for %q: %w", q, err)
		}
		for _, p := range passages {
			if run.full() {
				break
			}
			if err := d.extract(ctx, run, q, p); err != nil {
				return err
			}
		}
	}

	if len(run.accepted) > 0 {
		if err := d.cache.Set(ctx, key, run.accepted); err != nil {
			slog.Warn("caching products failed", "error", err)
		}
	}
	slog.Info("product discovery finished", "products", len(run.accepted), "limit", limit)
	return nil
}

// subQuestions asks for 3 to 5 catalog questions. Unparseable replies fall
// back to one default question; a retrieval failure is returned.
func (d *Discoverer) subQuestions(ctx context.Context) ([]string, error) {
	fallback := []string{composer.DefaultSubQuestion(d.cfg.Customer)}
	desc := d.describer.Describe(ctx)

	passages, err := d.retriever.Retrieve(ctx, desc, d.cfg.ContextTopK)
	if err != nil {
		return nil, fmt.Errorf("retrieving context for sub-questions: %w", err)
	}
	out, err := d.provider.Complete(ctx, llm.Prompt(composer.SubQuestionsPrompt(d.cfg.Customer, desc, composer.JoinContext(passages)), subQuestionParams))
	if err != nil {
		slog.Warn("sub-question generation failed", "error", err)
		return fallback, nil
	}
	qs, ok := jsonscan.StringList(out)
	qs = nonEmpty(qs)
	if !ok || len(qs) == 0 {
		slog.Warn("sub-question reply is not a list, using default question")
		return fallback, nil
	}
	if len(qs) > maxSubQuestions {
		qs = qs[:maxSubQuestions]
	}
	return qs, nil
}

// extract runs one extraction call over a passage and accepts its
// candidates until the run is full.
func (d *Discoverer) extract(ctx context.Context, run *discoveryRun, question string, passage retrieval.Passage) error {
	out, err := d.provider.Complete(ctx, llm.Prompt(composer.ExtractionPrompt(d.cfg.Customer, question, passage.Text), extractParams))
	if err != nil {
		slog.Warn("product extraction failed, skipping passage", "error", err)
		return nil
	}
	elems, ok := jsonscan.FirstArray(out)
	if !ok {
		slog.Warn("extraction reply holds no JSON array, skipping passage")
		return nil
	}

	for _, raw := range elems {
		if run.full() {
			return nil
		}
		var c candidate
		if err := json.Unmarshal(raw, &c); err != nil {
			slog.Debug("skipping malformed candidate", "error", err)
			continue
		}
		link := passage.SourceURL
		if link == "" {
			link = strings.TrimSpace(c.Link)
		}
		p := Product{Name: c.Name, Description: strings.TrimSpace(c.Description), Link: link, Icon: strings.TrimSpace(c.Icon)}
		if err := run.accept(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

type discoveryRun struct {
	limit    int
	seen     map[string]bool
	accepted []Product
	emit     func(Product) error
	store    ProductWriter
}

func (r *discoveryRun) full() bool {
	return len(r.accepted) >= r.limit
}

// accept normalizes p and keeps it unless it is unnamed, the unknown
// sentinel or a repeat key. Only emit errors are returned.
func (r *discoveryRun) accept(ctx context.Context, p Product) error {
	name := strings.TrimSpace(p.Name)
	if name == "" || strings.EqualFold(name, unknownProduct) {
		return nil
	}
	p = p.Normalize()
	if p.Key == "" || r.seen[p.Key] {
		return nil
	}
	r.seen[p.Key] = true
	r.accepted = append(r.accepted, p)

	if err := r.store.PutProduct(ctx, p.Record()); err != nil {
		slog.Warn("storing product failed", "key", p.Key, "error", err)
	}
	return r.emit(p)
}
