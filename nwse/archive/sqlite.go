package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/baldhumanity/nwse-go/nwse"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps entries in a SQLite database through the pure-Go driver.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveGenome(ctx context.Context, entry Entry) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO genomes (run_id, genome_id, generation, fitness, reliability, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, genome_id) DO UPDATE SET
			generation = excluded.generation,
			fitness = excluded.fitness,
			reliability = excluded.reliability,
			payload = excluded.payload
	`, entry.RunID, entry.GenomeID, entry.Generation, nullable(entry.Fitness), nullable(entry.Reliability),
		string(nwse.MarshalGenome(entry.Genome)))
	return err
}

func (s *SQLiteStore) GetGenome(ctx context.Context, runID string, genomeID int) (Entry, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Entry{}, false, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT run_id, genome_id, generation, fitness, reliability, payload
		FROM genomes WHERE run_id = ? AND genome_id = ?
	`, runID, genomeID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *SQLiteStore) ListRun(ctx context.Context, runID string) ([]Entry, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT run_id, genome_id, generation, fitness, reliability, payload
		FROM genomes WHERE run_id = ?
		ORDER BY generation, genome_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry       Entry
		fitness     sql.NullFloat64
		reliability sql.NullFloat64
		payload     string
	)
	if err := row.Scan(&entry.RunID, &entry.GenomeID, &entry.Generation, &fitness, &reliability, &payload); err != nil {
		return Entry{}, err
	}
	entry.Fitness = fromNullable(fitness)
	entry.Reliability = fromNullable(reliability)
	g, err := nwse.UnmarshalGenome([]byte(payload))
	if err != nil {
		return Entry{}, fmt.Errorf("decode genome %d: %w", entry.GenomeID, err)
	}
	entry.Genome = g
	return entry, nil
}

// nullable stores NaN as NULL.
func nullable(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: !math.IsNaN(f)}
}

func fromNullable(f sql.NullFloat64) float64 {
	if !f.Valid {
		return math.NaN()
	}
	return f.Float64
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS genomes (
			run_id TEXT NOT NULL,
			genome_id INTEGER NOT NULL,
			generation INTEGER NOT NULL,
			fitness REAL,
			reliability REAL,
			payload TEXT NOT NULL,
			PRIMARY KEY (run_id, genome_id)
		);
	`)
	return err
}
