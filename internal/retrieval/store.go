package retrieval

import (
	"cmp"
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Record is one embedded chunk in the local vector index.
type Record struct {
	ID         string
	SourceID   string
	SourceType string
	SourceURL  string
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
	Tags       string
}

type ScoredRecord struct {
	Record
	Score float32
}

// VectorStore holds embedded chunks and answers nearest-neighbour queries.
type VectorStore interface {
	Insert(ctx context.Context, records []Record) error
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)
	DeleteBySource(ctx context.Context, sourceID string) (int64, error)
	Count(ctx context.Context) (int, error)
}

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps vectors in the context_vectors table and searches them
// by brute-force cosine similarity.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a database that already has the context_vectors
// table (see storage migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Insert(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO context_vectors (id, source_id, source_type, source_url, text_chunk, embedding, created_at, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		tags := r.Tags
		if tags == "" {
			tags = "[]"
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.SourceID, r.SourceType, r.SourceURL, r.Text,
			encodeFloat32s(r.Embedding), createdAt.Format(time.RFC3339), tags); err != nil {
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

type idScore struct {
	ID    string
	Score float32
}

// Search scans id and embedding only, keeps the best topK in a min-heap, and
// then loads the full rows for the winners.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 || topK <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM context_vectors`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	scores := make(map[string]float32, h.Len())
	args := make([]any, 0, h.Len())
	for _, item := range *h {
		scores[item.ID] = item.Score
		args = append(args, item.ID)
	}

	full, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, source_type, source_url, text_chunk, created_at, tags
		FROM context_vectors WHERE id IN (?`+strings.Repeat(",?", len(args)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-k records: %w", err)
	}
	defer full.Close()

	var results []ScoredRecord
	for full.Next() {
		var r Record
		var createdAt string
		if err := full.Scan(&r.ID, &r.SourceID, &r.SourceType, &r.SourceURL, &r.Text, &createdAt, &r.Tags); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		results = append(results, ScoredRecord{Record: r, Score: scores[r.ID]})
	}
	if err := full.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}

	slices.SortFunc(results, func(a, b ScoredRecord) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return results, nil
}

// DeleteBySource removes every chunk of one source document.
func (s *SQLiteStore) DeleteBySource(ctx context.Context, sourceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM context_vectors WHERE source_id = ?`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("deleting vectors for %s: %w", sourceID, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM context_vectors`).Scan(&n)
	return n, err
}

func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian floats into buf, growing it when
// needed.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	}
	buf = buf[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine returns the cosine similarity of a and b given the norm of a.
// Vectors of different dimension score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bSq += float64(b[i]) * float64(b[i])
	}
	if bSq == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * math.Sqrt(bSq)))
}

// idScoreHeap is a min-heap on Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	item := old[len(old)-1]
	*h = old[:len(old)-1]
	return item
}
