// Package meta defines the metadata store contract: dataset and frame
// records keyed by dataset identifier, with query support over the
// acquisition axes. Implementations live in the memory, sqlite and
// postgres subpackages.
package meta

import (
	"context"
	"strings"
	"time"

	"framestore/pkg/domain"
)

// Filter narrows a dataset query. Zero-valued fields match everything.
type Filter struct {
	// Project matches the dataset identifier's project code exactly.
	Project string
	// Microscope matches exactly.
	Microscope string
	// Description matches as a case-insensitive substring.
	Description string
	// From / To bound the acquisition timestamp (inclusive).
	From time.Time
	To   time.Time
}

// Store is the metadata persistence contract. InsertFrameDataset commits
// the dataset row and all frame rows atomically: either every record is
// visible afterwards or none is.
type Store interface {
	// InsertFrameDataset records a frames-type dataset with its per-frame
	// rows in one transaction. Returns domain.DuplicateError if the
	// identifier is already registered.
	InsertFrameDataset(ctx context.Context, ds domain.DatasetRecord, frames []domain.FrameRecord) error
	// InsertFileDataset records a file-type dataset.
	InsertFileDataset(ctx context.Context, ds domain.DatasetRecord) error
	// Dataset returns one dataset record, or domain.NotFoundError.
	Dataset(ctx context.Context, id domain.DatasetID) (domain.DatasetRecord, error)
	// Frames returns the dataset's frame records matching sel, ordered by
	// (slice, channel, time, pos). Returns domain.NotFoundError when the
	// dataset does not exist; an empty slice when it exists but nothing
	// matches.
	Frames(ctx context.Context, id domain.DatasetID, sel domain.Selection) ([]domain.FrameRecord, error)
	// Datasets returns dataset records matching the filter, ordered by
	// identifier.
	Datasets(ctx context.Context, f Filter) ([]domain.DatasetRecord, error)
	// DeleteDataset removes the dataset and its frame rows. Returns
	// domain.NotFoundError when absent.
	DeleteDataset(ctx context.Context, id domain.DatasetID) error
	Close() error
}

// MatchesDataset reports whether a record satisfies the filter. Shared by
// the in-memory store and tests.
func (f Filter) MatchesDataset(ds domain.DatasetRecord) bool {
	if f.Project != "" && ds.ID.Project != f.Project {
		return false
	}
	if f.Microscope != "" && ds.Microscope != f.Microscope {
		return false
	}
	if f.Description != "" && !containsFold(ds.Description, f.Description) {
		return false
	}
	if !f.From.IsZero() && ds.ID.Time.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ds.ID.Time.After(f.To) {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
