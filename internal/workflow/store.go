package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Kristopherlb/harmony-sub001/internal/errs"
)

var (
	// ErrTransition marks an illegal status change.
	ErrTransition = errors.New("illegal transition")
	// ErrNoChange aborts an Update without writing.
	ErrNoChange = errors.New("no change")
)

// Filter narrows List results; zero fields match everything.
type Filter struct {
	Status     Status
	ActionID   string
	ExecutedBy string
	Limit      int
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Execution) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.ActionID != "" && e.ActionID != f.ActionID {
		return false
	}
	if f.ExecutedBy != "" && e.ExecutedBy != f.ExecutedBy {
		return false
	}
	return true
}

// Store is the execution ledger.
type Store interface {
	// Create inserts a new run; it fails with errs.ErrDuplicateRun if the run id exists.
	Create(ctx context.Context, exec Execution) error
	// Get returns a run or errs.ErrNotFound.
	Get(ctx context.Context, runID string) (Execution, error)
	// Update applies fn atomically. If fn returns an error nothing is written and the
	// current record is returned together with that error.
	Update(ctx context.Context, runID string, fn func(*Execution) error) (Execution, error)
	// List returns runs newest first.
	List(ctx context.Context, filter Filter) ([]Execution, error)
}

// MemoryStore keeps the ledger in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Execution
}

// NewMemoryStore returns an empty ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Execution)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, exec Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[exec.RunID]; exists {
		return errs.ErrDuplicateRun
	}
	stored := exec.Clone()
	s.runs[exec.RunID] = &stored
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, runID string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.runs[runID]
	if !ok {
		return Execution{}, errs.ErrNotFound
	}
	return exec.Clone(), nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, runID string, fn func(*Execution) error) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.runs[runID]
	if !ok {
		return Execution{}, errs.ErrNotFound
	}
	working := exec.Clone()
	if err := fn(&working); err != nil {
		return exec.Clone(), err
	}
	s.runs[runID] = &working
	return working.Clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Execution, error) {
	s.mu.RLock()
	out := make([]Execution, 0, len(s.runs))
	for _, exec := range s.runs {
		if filter.Matches(*exec) {
			out = append(out, exec.Clone())
		}
	}
	s.mu.RUnlock()
	SortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Reset drops every run. Test harnesses only.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]*Execution)
}

// SortNewestFirst orders runs by start time, newest first.
func SortNewestFirst(items []Execution) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].StartedAt.Equal(items[j].StartedAt) {
			return items[i].RunID > items[j].RunID
		}
		return items[i].StartedAt.After(items[j].StartedAt)
	})
}
