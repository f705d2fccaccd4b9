// Package memory provides an in-memory meta.Store used by tests and as
// the fallback when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"framestore/internal/meta"
	"framestore/pkg/domain"
)

var _ meta.Store = (*Store)(nil)

type entry struct {
	ds     domain.DatasetRecord
	frames []domain.FrameRecord
}

// Store holds dataset and frame records in process memory.
type Store struct {
	mu       sync.RWMutex
	datasets map[string]entry
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{datasets: make(map[string]entry)}
}

// InsertFrameDataset registers a frames-type dataset with its frame rows.
func (s *Store) InsertFrameDataset(_ context.Context, ds domain.DatasetRecord, frames []domain.FrameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ds.ID.String()
	if _, ok := s.datasets[key]; ok {
		return &domain.DuplicateError{ID: ds.ID}
	}
	cp := make([]domain.FrameRecord, len(frames))
	copy(cp, frames)
	sortFrames(cp)
	s.datasets[key] = entry{ds: ds, frames: cp}
	return nil
}

// InsertFileDataset registers a file-type dataset.
func (s *Store) InsertFileDataset(ctx context.Context, ds domain.DatasetRecord) error {
	return s.InsertFrameDataset(ctx, ds, nil)
}

// Dataset returns one dataset record.
func (s *Store) Dataset(_ context.Context, id domain.DatasetID) (domain.DatasetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.datasets[id.String()]
	if !ok {
		return domain.DatasetRecord{}, &domain.NotFoundError{ID: id}
	}
	return e.ds, nil
}

// Frames returns the dataset's frames matching sel in axis order.
func (s *Store) Frames(_ context.Context, id domain.DatasetID, sel domain.Selection) ([]domain.FrameRecord, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.datasets[id.String()]
	if !ok {
		return nil, &domain.NotFoundError{ID: id}
	}
	out := make([]domain.FrameRecord, 0, len(e.frames))
	for _, fr := range e.frames {
		if sel.Matches(fr.Index) {
			out = append(out, fr)
		}
	}
	return out, nil
}

// Datasets returns records matching the filter ordered by identifier.
func (s *Store) Datasets(_ context.Context, f meta.Filter) ([]domain.DatasetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DatasetRecord
	for _, e := range s.datasets {
		if f.MatchesDataset(e.ds) {
			out = append(out, e.ds)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// DeleteDataset removes the dataset and its frames.
func (s *Store) DeleteDataset(_ context.Context, id domain.DatasetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := id.String()
	if _, ok := s.datasets[key]; !ok {
		return &domain.NotFoundError{ID: id}
	}
	delete(s.datasets, key)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func sortFrames(frames []domain.FrameRecord) {
	sort.Slice(frames, func(i, j int) bool {
		a, b := frames[i].Index.Key(), frames[j].Index.Key()
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}
