package contract

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/floorline/assemblyline/atomicstore"
)

// NewTaskID formats the deterministic task_id of the form
// {PROJECT}-{SEQ}-{SLUG} from (project, monotonic-sequence-in-project,
// slug), per spec.md §4.2. The project and slug are upper-cased and
// restricted to the sandbox's filename-safe alphabet so the id is always
// usable as a branch name and a draft filename component.
func NewTaskID(project string, seq int, slug string) string {
	return fmt.Sprintf("%s-%03d-%s", safeIDPart(project), seq, safeIDPart(slug))
}

func safeIDPart(s string) string {
	s = strings.ToUpper(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Sequencer hands out the next monotonic per-project sequence number,
// persisted through the Atomic Store so task IDs survive process restarts
// without colliding. One Sequencer is shared by every contract creation
// call within a process; a mutex serializes read-modify-write since the
// Atomic Store itself has no compare-and-swap primitive.
type Sequencer struct {
	store *atomicstore.Store
	path  string

	mu     sync.Mutex
	counts map[string]int
	loaded bool
}

// NewSequencer returns a Sequencer backed by path, a single JSON file of
// per-project counters written atomically on every allocation.
func NewSequencer(store *atomicstore.Store, path string) *Sequencer {
	return &Sequencer{store: store, path: path, counts: map[string]int{}}
}

// Next returns the next sequence number for project, starting at 1, and
// persists the updated counter before returning.
func (s *Sequencer) Next(project string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.load(); err != nil {
			return 0, err
		}
		s.loaded = true
	}

	s.counts[project]++
	n := s.counts[project]

	data, err := json.MarshalIndent(s.counts, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("sequencer: marshal counters: %w", err)
	}
	if err := s.store.Write(s.path, data); err != nil {
		return 0, fmt.Errorf("sequencer: persist counters: %w", err)
	}
	return n, nil
}

func (s *Sequencer) load() error {
	data, err := s.store.Read(s.path)
	if err != nil {
		if atomicstore.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sequencer: read counters: %w", err)
	}
	var counts map[string]int
	if err := json.Unmarshal(data, &counts); err != nil {
		return fmt.Errorf("sequencer: corrupt counters file %s: %w", s.path, err)
	}
	s.counts = counts
	return nil
}
