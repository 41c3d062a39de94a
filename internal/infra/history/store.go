// Package history keeps the most recent finished scans in memory and mirrors
// them to a JSON file so they survive a restart.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"go.uber.org/zap"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// DefaultLimit is the number of jobs kept.
const DefaultLimit = 15

// Store is a bounded, insertion-ordered job history. The oldest entry is
// evicted first; re-putting an id makes it the newest.
type Store struct {
	mu    sync.RWMutex
	path  string
	limit int
	jobs  *linkedhashmap.Map // ScanID -> *domain.Job, oldest first
	log   *zap.Logger
}

var _ domain.HistoryRepository = (*Store)(nil)

// NewStore loads path if it exists. An empty path keeps history in memory only.
// A corrupt file is logged and ignored rather than blocking startup.
func NewStore(path string, limit int, log *zap.Logger) (*Store, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{path: path, limit: limit, jobs: linkedhashmap.New(), log: log}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	if err := s.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("history file unreadable, starting empty", zap.String("path", path), zap.Error(err))
		}
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var jobs []*domain.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return err
	}
	// file is newest first
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i] == nil || jobs[i].ID == "" {
			continue
		}
		s.put(jobs[i])
	}
	return nil
}

func (s *Store) put(j *domain.Job) {
	s.jobs.Remove(j.ID)
	s.jobs.Put(j.ID, j)
	for s.jobs.Size() > s.limit {
		s.jobs.Remove(s.jobs.Keys()[0])
	}
}

// newestFirst must be called with mu held.
func (s *Store) newestFirst() []*domain.Job {
	vals := s.jobs.Values()
	out := make([]*domain.Job, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		out = append(out, vals[i].(*domain.Job))
	}
	return out
}

// save writes the file atomically (tmp + rename). Caller holds mu.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.newestFirst(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// Put stores a snapshot of j as the newest entry.
func (s *Store) Put(_ context.Context, j *domain.Job) error {
	if j == nil || j.ID == "" {
		return errors.New("history: job without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(j.Clone())
	return s.save()
}

func (s *Store) Get(_ context.Context, id domain.ScanID) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, found := s.jobs.Get(id)
	if !found {
		return nil, fmt.Errorf("scan %s: %w", id, domain.ErrNotFound)
	}
	return v.(*domain.Job).Clone(), nil
}

// List returns all jobs, newest first.
func (s *Store) List(_ context.Context) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := s.newestFirst()
	for i, j := range jobs {
		jobs[i] = j.Clone()
	}
	return jobs, nil
}

func (s *Store) Evict(_ context.Context, id domain.ScanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.jobs.Get(id); !found {
		return fmt.Errorf("scan %s: %w", id, domain.ErrNotFound)
	}
	s.jobs.Remove(id)
	return s.save()
}

// FindByTarget returns the newest job for targetID.
func (s *Store) FindByTarget(_ context.Context, targetID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.newestFirst() {
		if j.Target.ID == targetID {
			return j.Clone(), nil
		}
	}
	return nil, fmt.Errorf("target %s: %w", targetID, domain.ErrNotFound)
}
