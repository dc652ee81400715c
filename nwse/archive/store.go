// Package archive persists genomes of a run in their text form.
package archive

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/baldhumanity/nwse-go/nwse"
)

// Entry is one archived genome.
type Entry struct {
	RunID       string
	GenomeID    int
	Generation  int
	Fitness     float64
	Reliability float64 // NaN when unknown
	Genome      *nwse.Genome
}

// Store defines persistence of archived genomes.
type Store interface {
	Init(ctx context.Context) error
	SaveGenome(ctx context.Context, entry Entry) error
	GetGenome(ctx context.Context, runID string, genomeID int) (Entry, bool, error)
	ListRun(ctx context.Context, runID string) ([]Entry, error)
}

// NewStore creates a store backend by kind: memory (or empty), file or sqlite.
// path is the directory of a file store and the database path of a sqlite store.
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(path), nil
	case "sqlite":
		return NewSQLiteStore(path), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

// CloseIfSupported closes stores that hold resources.
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}
