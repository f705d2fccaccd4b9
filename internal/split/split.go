// Package split decomposes acquisition sources (multi-page TIFF files or
// frame-per-file directories) into a global metadata record plus a
// single-pass stream of indexed 2D planes. Formats are a closed set of
// tagged variants behind one capability interface; new formats are added
// as new variants.
package split

import (
	"context"
	"errors"
	"fmt"
	"io"

	"framestore/internal/codec"
	"framestore/internal/schema"
	"framestore/internal/tiff"
	"framestore/pkg/domain"
)

// Format tags a splitter variant.
type Format string

const (
	// FormatOmeTiff reads ome.tif files carrying MicroManagerMetadata on
	// every page; one file per stage position.
	FormatOmeTiff Format = "ome_tiff"
	// FormatTifFolder reads a directory of one-frame tif files with a
	// metadata.txt companion; indices come from file names.
	FormatTifFolder Format = "tif_folder"
	// FormatTifID reads a single multi-page file whose first-page
	// ImageDescription declares the axis sizes.
	FormatTifID Format = "tif_id"
)

// Options configures a splitter variant.
type Options struct {
	// FilenameParser names a registered parser hook. For tif_folder it
	// derives frame indices from file names (default parse_idx_from_name);
	// for tif_id it enriches global metadata from the source name.
	FilenameParser string
	// Schema, when non-nil, is applied to every frame's metadata; the
	// whole split fails with domain.SchemaError naming the first
	// offending frame.
	Schema *schema.Schema
	// Positions restricts an ome_tiff directory source to the listed
	// stage positions. Empty means all.
	Positions []int
}

// Frame is one decoded plane with its index and unstructured metadata.
type Frame struct {
	Index    domain.FrameIndex
	Plane    codec.Plane
	Metadata map[string]any
}

// Splitter converts one source into global metadata and a frame stream.
type Splitter interface {
	// Split pre-scans the source's cheap metadata (IFDs, tags, file
	// names) to derive the index set and global metadata, then returns a
	// lazy stream that decodes one plane at a time. Restarting requires
	// re-splitting the source.
	Split(ctx context.Context, src string) (domain.GlobalMetadata, *Stream, error)
}

// New selects a splitter variant by format tag.
func New(format Format, opts Options) (Splitter, error) {
	switch format {
	case FormatOmeTiff:
		return &omeTiffSplitter{opts: opts}, nil
	case FormatTifFolder:
		return &tifFolderSplitter{opts: opts}, nil
	case FormatTifID:
		return &tifIDSplitter{opts: opts}, nil
	default:
		return nil, &domain.FormatError{Value: string(format), Reason: "unknown frames format"}
	}
}

// Stream yields frames one at a time. It is finite and single-pass; Next
// returns io.EOF after the last frame.
type Stream struct {
	count int
	pos   int
	next  func(i int) (Frame, error)
	close func() error
	done  bool
}

// Len returns the total number of frames the stream will yield.
func (s *Stream) Len() int { return s.count }

// Next returns the next frame, or io.EOF when exhausted.
func (s *Stream) Next() (Frame, error) {
	if s.done || s.pos >= s.count {
		return Frame{}, io.EOF
	}
	fr, err := s.next(s.pos)
	if err != nil {
		s.done = true
		return Frame{}, err
	}
	s.pos++
	return fr, nil
}

// Close releases the stream and any source file handles held for lazy
// plane decoding. Further Next calls return io.EOF. Close is idempotent.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Collect drains the stream into memory. Intended for tests and small
// sources; production paths consume frames one at a time.
func Collect(s *Stream) ([]Frame, error) {
	var out []Frame
	for {
		fr, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
}

// validateFrameMeta applies the optional schema to one frame's metadata,
// wrapping field failures with the frame's position in the stream.
func validateFrameMeta(s *schema.Schema, frame int, ix domain.FrameIndex, meta map[string]any) error {
	if s == nil {
		return nil
	}
	err := s.Validate(meta)
	if err == nil {
		return nil
	}
	var fe *schema.FieldError
	if errors.As(err, &fe) {
		return &domain.SchemaError{Frame: frame, Index: ix, Field: fe.Field, Reason: fe.Reason}
	}
	return &domain.SchemaError{Frame: frame, Index: ix, Reason: err.Error()}
}

// checkUnique verifies that the derived index set has no duplicates.
func checkUnique(indices []domain.FrameIndex) error {
	seen := make(map[[4]int]int, len(indices))
	for i, ix := range indices {
		if j, ok := seen[ix.Key()]; ok {
			return &domain.FormatError{
				Value:  ix.String(),
				Reason: fmt.Sprintf("duplicate frame index (frames %d and %d)", j, i),
			}
		}
		seen[ix.Key()] = i
	}
	return nil
}

// axisSizes counts the distinct values along each axis of the index set.
func axisSizes(indices []domain.FrameIndex) (slices, channels, times, positions int) {
	var z, c, t, p = map[int]struct{}{}, map[int]struct{}{}, map[int]struct{}{}, map[int]struct{}{}
	for _, ix := range indices {
		z[ix.Slice] = struct{}{}
		c[ix.Channel] = struct{}{}
		t[ix.Time] = struct{}{}
		p[ix.Pos] = struct{}{}
	}
	return len(z), len(c), len(t), len(p)
}

// pageMetadata flattens a page's readable tags into one metadata map,
// merging embedded MicroManagerMetadata keys at the top level so schema
// checks can address acquisition fields directly.
func pageMetadata(p *tiff.Page) (map[string]any, error) {
	m := map[string]any{}
	if w, h, dtype, err := p.Shape(); err == nil {
		m["ImageWidth"] = w
		m["ImageLength"] = h
		m["BitDepth"] = dtype
	}
	if desc, ok := p.Description(); ok {
		m["ImageDescription"] = desc
	}
	mm, ok, err := p.MicroManagerMetadata()
	if err != nil {
		return nil, err
	}
	if ok {
		for k, v := range mm {
			m[k] = v
		}
	}
	return m, nil
}

// intFromMeta pulls an integer out of decoded JSON metadata, which
// renders numbers as float64.
func intFromMeta(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
