package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var _ Retriever = (*LocalRetriever)(nil)

// LocalRetriever answers queries from the SQLite vector index.
type LocalRetriever struct {
	embedder *Embedder
	store    VectorStore
}

func NewLocalRetriever(embedder *Embedder, store VectorStore) *LocalRetriever {
	return &LocalRetriever{embedder: embedder, store: store}
}

func (r *LocalRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Passage, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	scored, err := r.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}

	passages := make([]Passage, len(scored))
	for i, s := range scored {
		passages[i] = Passage{Text: s.Text, SourceURL: s.SourceURL, Score: float64(s.Score)}
	}
	return passages, nil
}

// Source is a document to index.
type Source struct {
	ID   string
	Type string
	URL  string
	Text string
	Tags string
}

// Index chunks src, embeds the chunks and replaces any vectors previously
// stored for src.ID. It returns the number of chunks written.
func (r *LocalRetriever) Index(ctx context.Context, src Source) (int, error) {
	chunks := Chunk(src.Text, defaultChunkSize)
	if len(chunks) == 0 {
		return 0, nil
	}

	vecs, err := r.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	records := make([]Record, len(chunks))
	for i, c := range chunks {
		records[i] = Record{
			ID:         uuid.NewString(),
			SourceID:   src.ID,
			SourceType: src.Type,
			SourceURL:  src.URL,
			Text:       c,
			Embedding:  vecs[i],
			CreatedAt:  now,
			Tags:       src.Tags,
		}
	}

	if _, err := r.store.DeleteBySource(ctx, src.ID); err != nil {
		return 0, err
	}
	if err := r.store.Insert(ctx, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Forget removes all vectors of a source.
func (r *LocalRetriever) Forget(ctx context.Context, sourceID string) error {
	_, err := r.store.DeleteBySource(ctx, sourceID)
	return err
}

const defaultChunkSize = 1200

// Chunk splits text into pieces of at most size runes, breaking on blank
// lines first and on whitespace when a paragraph is too long.
func Chunk(text string, size int) []string {
	var chunks []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if utf8.RuneCountInString(para) > size {
			flush()
			for _, w := range strings.Fields(para) {
				if cur.Len() > 0 && utf8.RuneCountInString(cur.String())+1+utf8.RuneCountInString(w) > size {
					flush()
				}
				if cur.Len() > 0 {
					cur.WriteByte(' ')
				}
				cur.WriteString(w)
			}
			flush()
			continue
		}
		if cur.Len() > 0 && utf8.RuneCountInString(cur.String())+2+utf8.RuneCountInString(para) > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return chunks
}
