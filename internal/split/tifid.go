package split

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"framestore/internal/tiff"
	"framestore/pkg/domain"
)

// tifIDSplitter reads a single multi-page file whose first-page
// ImageDescription declares the axis sizes as key=value lines. Page order
// is assumed to nest (time, position, slice, channel), channel innermost;
// the description gives only counts, so the order cannot be verified.
type tifIDSplitter struct {
	opts Options
}

// axisCounts holds the sizes declared by the description tag. Axes not
// mentioned default to 1.
type axisCounts struct {
	channels, slices, times, positions int
}

func (s *tifIDSplitter) Split(_ context.Context, src string) (_ domain.GlobalMetadata, _ *Stream, retErr error) {
	if st, err := os.Stat(src); err != nil || st.IsDir() {
		return domain.GlobalMetadata{}, nil, &domain.FormatError{Value: src, Reason: "source is not a file"}
	}
	f, err := tiff.Open(src)
	if err != nil {
		return domain.GlobalMetadata{}, nil, &domain.FormatError{Value: src, Reason: err.Error()}
	}
	// The handle stays open for lazy plane decoding; the stream's Close
	// releases it, or the deferred close does on a failed split.
	defer func() {
		if retErr != nil {
			_ = f.Close()
		}
	}()
	desc, ok := f.Page(0).Description()
	if !ok {
		return domain.GlobalMetadata{}, nil, &domain.FormatError{Value: src, Reason: "first page has no ImageDescription tag"}
	}
	counts := parseAxisCounts(desc)
	want := counts.channels * counts.slices * counts.times * counts.positions
	if want != f.NumPages() {
		return domain.GlobalMetadata{}, nil, &domain.FormatError{
			Value:  src,
			Reason: fmt.Sprintf("description declares %d frames, file has %d pages", want, f.NumPages()),
		}
	}
	width, height, dtype, err := f.Page(0).Shape()
	if err != nil {
		return domain.GlobalMetadata{}, nil, &domain.FormatError{Value: src, Reason: err.Error()}
	}

	extra := map[string]any{"file_origin": src}
	if s.opts.FilenameParser != "" {
		parser, err := globalParserFor(s.opts.FilenameParser)
		if err != nil {
			return domain.GlobalMetadata{}, nil, err
		}
		parsed, err := parser(src)
		if err != nil {
			return domain.GlobalMetadata{}, nil, err
		}
		for k, v := range parsed {
			extra[k] = v
		}
	}

	// Page order: channel varies fastest, then slice, then position,
	// then time.
	indices := make([]domain.FrameIndex, 0, want)
	metas := make([]map[string]any, 0, want)
	i := 0
	for t := 0; t < counts.times; t++ {
		for p := 0; p < counts.positions; p++ {
			for z := 0; z < counts.slices; z++ {
				for c := 0; c < counts.channels; c++ {
					ix := domain.FrameIndex{Slice: z, Channel: c, Time: t, Pos: p}
					meta, err := pageMetadata(f.Page(i))
					if err != nil {
						return domain.GlobalMetadata{}, nil, &domain.FormatError{Value: src, Reason: err.Error()}
					}
					if err := validateFrameMeta(s.opts.Schema, i, ix, meta); err != nil {
						return domain.GlobalMetadata{}, nil, err
					}
					indices = append(indices, ix)
					metas = append(metas, meta)
					i++
				}
			}
		}
	}

	global := domain.GlobalMetadata{
		FrameCount: want,
		Height:     height,
		Width:      width,
		Slices:     counts.slices, Channels: counts.channels,
		Timepoints: counts.times, Positions: counts.positions,
		Colors: 1,
		DType:  dtype,
		Extra:  extra,
	}

	stream := &Stream{
		count: want,
		next: func(i int) (Frame, error) {
			plane, err := f.Page(i).Plane()
			if err != nil {
				return Frame{}, &domain.FormatError{Value: src, Reason: fmt.Sprintf("page %d: %v", i, err)}
			}
			return Frame{Index: indices[i], Plane: plane, Metadata: metas[i]}, nil
		},
		close: f.Close,
	}
	return global, stream, nil
}

// parseAxisCounts reads channels/slices/frames/positions counts from the
// description's key=value lines. "frames" is the timepoint count.
func parseAxisCounts(desc string) axisCounts {
	counts := axisCounts{channels: 1, slices: 1, times: 1, positions: 1}
	for _, line := range strings.Split(desc, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 1 {
			continue
		}
		switch strings.TrimSpace(key) {
		case "channels":
			counts.channels = n
		case "slices":
			counts.slices = n
		case "frames":
			counts.times = n
		case "positions":
			counts.positions = n
		}
	}
	return counts
}
