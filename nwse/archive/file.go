package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/baldhumanity/nwse-go/nwse"
)

// FileStore writes one gzip-compressed text genome per file, named
// <genome>_<generation>_<fitness>.ind, in one directory per run.
type FileStore struct {
	dir string

	mu          sync.Mutex
	initialized bool
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir == "" {
		return errors.New("file store directory is required")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory '%s': %w", s.dir, err)
	}
	s.initialized = true
	return nil
}

func (s *FileStore) SaveGenome(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	runDir := filepath.Join(s.dir, entry.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory '%s': %w", runDir, err)
	}
	// A genome is stored once per run; drop earlier files of the same genome.
	if old, err := filepath.Glob(filepath.Join(runDir, fmt.Sprintf("%d_*.ind", entry.GenomeID))); err == nil {
		for _, f := range old {
			_ = os.Remove(f)
		}
	}

	path := filepath.Join(runDir, fileName(entry))
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create genome file '%s': %w", path, err)
	}
	defer file.Close()

	gzWriter := gzip.NewWriter(file)
	fmt.Fprintf(gzWriter, "# fitness=%s reliability=%s\n",
		strconv.FormatFloat(entry.Fitness, 'g', -1, 64), strconv.FormatFloat(entry.Reliability, 'g', -1, 64))
	if err := nwse.WriteGenome(gzWriter, entry.Genome); err != nil {
		_ = gzWriter.Close()
		return fmt.Errorf("failed to encode genome %d: %w", entry.GenomeID, err)
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("failed to flush genome file '%s': %w", path, err)
	}
	return nil
}

func (s *FileStore) GetGenome(_ context.Context, runID string, genomeID int) (Entry, bool, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, runID, fmt.Sprintf("%d_*.ind", genomeID)))
	if err != nil {
		return Entry{}, false, err
	}
	if len(matches) == 0 {
		return Entry{}, false, nil
	}
	entry, err := readEntry(runID, matches[0])
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *FileStore) ListRun(_ context.Context, runID string) ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, runID, "*.ind"))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(matches))
	for _, path := range matches {
		entry, err := readEntry(runID, path)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

func fileName(entry Entry) string {
	return fmt.Sprintf("%d_%d_%s.ind", entry.GenomeID, entry.Generation, formatFloat(entry.Fitness))
}

// formatFloat is the rounded fitness used in file names; the header keeps exact values.
func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	return strconv.FormatFloat(f, 'f', 4, 64)
}

func readEntry(runID, path string) (Entry, error) {
	base := strings.TrimSuffix(filepath.Base(path), ".ind")
	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 {
		return Entry{}, fmt.Errorf("malformed genome file name '%s'", filepath.Base(path))
	}
	genomeID, err := strconv.Atoi(parts[0])
	if err != nil {
		return Entry{}, fmt.Errorf("genome file '%s': %w", path, err)
	}
	generation, err := strconv.Atoi(parts[1])
	if err != nil {
		return Entry{}, fmt.Errorf("genome file '%s': %w", path, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open genome file '%s': %w", path, err)
	}
	defer file.Close()
	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to create gzip reader for '%s': %w", path, err)
	}
	defer gzReader.Close()
	data, err := io.ReadAll(gzReader)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read genome file '%s': %w", path, err)
	}

	entry := Entry{RunID: runID, GenomeID: genomeID, Generation: generation, Fitness: math.NaN(), Reliability: math.NaN()}
	if header, _, ok := bytes.Cut(data, []byte("\n")); ok && bytes.HasPrefix(header, []byte("# ")) {
		for _, field := range strings.Fields(string(header[2:])) {
			k, v, _ := strings.Cut(field, "=")
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			switch k {
			case "fitness":
				entry.Fitness = f
			case "reliability":
				entry.Reliability = f
			}
		}
	}
	g, err := nwse.UnmarshalGenome(data)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to decode genome file '%s': %w", path, err)
	}
	entry.Genome = g
	return entry, nil
}
