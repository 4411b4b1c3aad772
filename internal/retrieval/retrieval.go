// Package retrieval turns a query into ranked passages from a knowledge
// backend and derives citations from them.
package retrieval

import "context"

// Passage is one retrieved fragment. SourceURL is empty when the backend has
// no location for it.
type Passage struct {
	Text      string
	SourceURL string
	Score     float64
}

// Retriever returns up to topK passages in backend relevance order.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Passage, error)
}

// Citations returns the distinct non-empty source URLs of passages in first
// occurrence order.
func Citations(passages []Passage) []string {
	seen := make(map[string]struct{}, len(passages))
	urls := make([]string, 0, len(passages))
	for _, p := range passages {
		if p.SourceURL == "" {
			continue
		}
		if _, ok := seen[p.SourceURL]; ok {
			continue
		}
		seen[p.SourceURL] = struct{}{}
		urls = append(urls, p.SourceURL)
	}
	return urls
}
