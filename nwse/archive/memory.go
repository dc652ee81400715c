package archive

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]map[int]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]map[int]Entry)
	return nil
}

func (s *MemoryStore) SaveGenome(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	run, ok := s.runs[entry.RunID]
	if !ok {
		run = make(map[int]Entry)
		s.runs[entry.RunID] = run
	}
	entry.Genome = entry.Genome.Clone()
	run[entry.GenomeID] = entry
	return nil
}

func (s *MemoryStore) GetGenome(_ context.Context, runID string, genomeID int) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.runs[runID][genomeID]
	if !ok {
		return Entry{}, false, nil
	}
	entry.Genome = entry.Genome.Clone()
	return entry, true, nil
}

func (s *MemoryStore) ListRun(_ context.Context, runID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.runs[runID]))
	for _, entry := range s.runs[runID] {
		entry.Genome = entry.Genome.Clone()
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

// sortEntries orders entries by generation, then genome id.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Generation != entries[j].Generation {
			return entries[i].Generation < entries[j].Generation
		}
		return entries[i].GenomeID < entries[j].GenomeID
	})
}
