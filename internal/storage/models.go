package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Product is a catalog record keyed by its canonical key. Section columns are
// filled in lazily by product-detail generation.
type Product struct {
	Key          string
	Name         string
	Description  string
	Link         string
	InternalLink string
	Icon         string
	Overview     string
	Features     string
	Benefits     string
	Pricing      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

type ContextDoc struct {
	ID        string
	Title     string
	Content   string
	Source    string
	SourceURL string
	Tags      string // JSON array stored as text
	CreatedAt time.Time
}
