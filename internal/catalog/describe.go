package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/kbchat/internal/cache"
	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/jsonscan"
	"github.com/kalambet/kbchat/internal/llm"
	"github.com/kalambet/kbchat/internal/retrieval"
)

var describeParams = llm.Params{MaxTokens: 300, Temperature: 0}

// Describer resolves a short description of the customer once and keeps it
// in an existence cache.
type Describer struct {
	provider  llm.Provider
	retriever retrieval.Retriever
	cache     *cache.Cache[string]
	customer  string
	topK      int
}

func NewDescriber(p llm.Provider, r retrieval.Retriever, c *cache.Cache[string], customer string, topK int) *Describer {
	return &Describer{provider: p, retriever: r, cache: c, customer: customer, topK: topK}
}

// Describe returns the cached description, generating it on first use. When
// generation fails the customer name is returned and nothing is cached.
func (d *Describer) Describe(ctx context.Context) string {
	desc, err := d.cache.GetOrCompute(ctx, d.customer, d.generate)
	if err != nil {
		slog.Warn("customer description unavailable", "customer", d.customer, "error", err)
		return d.customer
	}
	return desc
}

func (d *Describer) generate(ctx context.Context) (string, error) {
	passages, err := d.retriever.Retrieve(ctx, d.customer, d.topK)
	if err != nil {
		return "", fmt.Errorf("retrieving customer passages: %w", err)
	}
	out, err := d.provider.Complete(ctx, llm.Prompt(composer.DescribePrompt(d.customer, composer.JoinContext(passages)), describeParams))
	if err != nil {
		return "", fmt.Errorf("describing customer: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("describing customer: empty reply")
	}
	return out, nil
}

var suggestParams = llm.Params{MaxTokens: 300, Temperature: 0}

// Suggester produces the starter questions shown next to the chat box.
type Suggester struct {
	provider  llm.Provider
	describer *Describer
	cache     *cache.Cache[[]string]
	customer  string
}

func NewSuggester(p llm.Provider, d *Describer, c *cache.Cache[[]string], customer string) *Suggester {
	return &Suggester{provider: p, describer: d, cache: c, customer: customer}
}

// Questions returns the cached suggestions or generates them. Failures fall
// back to a fixed list that is not cached, so a later call retries.
func (s *Suggester) Questions(ctx context.Context) []string {
	qs, err := s.cache.GetOrCompute(ctx, s.customer, func(ctx context.Context) ([]string, error) {
		out, err := s.provider.Complete(ctx, llm.Prompt(composer.SuggestionsPrompt(s.customer, s.describer.Describe(ctx)), suggestParams))
		if err != nil {
			return nil, err
		}
		qs, ok := jsonscan.StringList(out)
		qs = nonEmpty(qs)
		if !ok || len(qs) == 0 {
			return nil, fmt.Errorf("no question list in reply")
		}
		return qs, nil
	})
	if err != nil {
		slog.Warn("suggested questions unavailable", "error", err)
		return DefaultQuestions(s.customer)
	}
	return qs
}

func DefaultQuestions(customer string) []string {
	return []string{
		"What do you sell?",
		fmt.Sprintf("What makes %s different?", customer),
		"How can I contact support?",
		"Where can I find pricing?",
	}
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
