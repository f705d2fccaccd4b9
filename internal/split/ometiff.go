package split

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"framestore/internal/tiff"
	"framestore/pkg/domain"
)

// omeTiffSplitter reads ome.tif sources where every page carries a
// MicroManagerMetadata tag with its own acquisition indices. A directory
// source holds one file per stage position; the embedded PositionIndex
// keeps frames apart after the merge.
type omeTiffSplitter struct {
	opts Options
}

type omePage struct {
	file *tiff.File
	page int
	ix   domain.FrameIndex
	meta map[string]any
}

func (s *omeTiffSplitter) Split(_ context.Context, src string) (_ domain.GlobalMetadata, _ *Stream, retErr error) {
	paths, err := omeSourcePaths(src)
	if err != nil {
		return domain.GlobalMetadata{}, nil, err
	}

	var (
		pages    []omePage
		files    []*tiff.File
		channels = map[int]string{}
		width    int
		height   int
		dtype    string
	)
	// Files stay open so the stream can decode planes on demand; the
	// stream's Close releases them. On a failed split they are released
	// here instead.
	closeFiles := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	defer func() {
		if retErr != nil {
			closeFiles()
		}
	}()
	for _, path := range paths {
		f, err := tiff.Open(path)
		if err != nil {
			return domain.GlobalMetadata{}, nil, &domain.FormatError{Value: path, Reason: err.Error()}
		}
		files = append(files, f)
		if len(s.opts.Positions) > 0 {
			pos, err := filePosition(f, path)
			if err != nil {
				return domain.GlobalMetadata{}, nil, err
			}
			if !containsInt(s.opts.Positions, pos) {
				files = files[:len(files)-1]
				_ = f.Close()
				continue
			}
		}
		for pi := 0; pi < f.NumPages(); pi++ {
			page := f.Page(pi)
			mm, ok, err := page.MicroManagerMetadata()
			if err != nil {
				return domain.GlobalMetadata{}, nil, &domain.FormatError{Value: path, Reason: err.Error()}
			}
			if !ok {
				return domain.GlobalMetadata{}, nil, &domain.FormatError{
					Value:  path,
					Reason: fmt.Sprintf("page %d has no MicroManagerMetadata tag", pi),
				}
			}
			ix, err := indexFromMicroManager(mm, path, pi)
			if err != nil {
				return domain.GlobalMetadata{}, nil, err
			}
			meta, err := pageMetadata(page)
			if err != nil {
				return domain.GlobalMetadata{}, nil, &domain.FormatError{Value: path, Reason: err.Error()}
			}
			if err := validateFrameMeta(s.opts.Schema, len(pages), ix, meta); err != nil {
				return domain.GlobalMetadata{}, nil, err
			}
			if width == 0 {
				if width, height, dtype, err = page.Shape(); err != nil {
					return domain.GlobalMetadata{}, nil, &domain.FormatError{Value: path, Reason: err.Error()}
				}
			}
			if ix.ChannelName != "" {
				channels[ix.Channel] = ix.ChannelName
			}
			pages = append(pages, omePage{file: f, page: pi, ix: ix, meta: meta})
		}
	}
	if len(pages) == 0 {
		return domain.GlobalMetadata{}, nil, &domain.FormatError{Value: src, Reason: "no frames matched"}
	}

	indices := make([]domain.FrameIndex, len(pages))
	for i, p := range pages {
		indices[i] = p.ix
	}
	if err := checkUnique(indices); err != nil {
		return domain.GlobalMetadata{}, nil, err
	}

	z, c, t, p := axisSizes(indices)
	global := domain.GlobalMetadata{
		FrameCount: len(pages),
		Height:     height,
		Width:      width,
		Slices:     z, Channels: c, Timepoints: t, Positions: p,
		Colors:       1,
		DType:        dtype,
		ChannelNames: channelNamesByOrdinal(channels, c),
		Extra:        map[string]any{"file_origin": src},
	}

	stream := &Stream{
		count: len(pages),
		next: func(i int) (Frame, error) {
			pg := pages[i]
			plane, err := pg.file.Page(pg.page).Plane()
			if err != nil {
				return Frame{}, &domain.FormatError{Value: pg.ix.String(), Reason: err.Error()}
			}
			return Frame{Index: pg.ix, Plane: plane, Metadata: pg.meta}, nil
		},
		close: func() error {
			closeFiles()
			return nil
		},
	}
	return global, stream, nil
}

// omeSourcePaths resolves a source to its ome.tif file list: the file
// itself, or every ome.tif in a directory in natural order.
func omeSourcePaths(src string) ([]string, error) {
	st, err := os.Stat(src)
	if err != nil {
		return nil, &domain.FormatError{Value: src, Reason: "source does not exist"}
	}
	if !st.IsDir() {
		if !strings.HasSuffix(src, ".ome.tif") {
			return nil, &domain.FormatError{Value: src, Reason: "file extension must be .ome.tif"}
		}
		return []string{src}, nil
	}
	paths, err := filepath.Glob(filepath.Join(src, "*.ome.tif"))
	if err != nil || len(paths) == 0 {
		return nil, &domain.FormatError{Value: src, Reason: "no ome.tif files in directory"}
	}
	sort.Slice(paths, func(i, j int) bool { return natLess(paths[i], paths[j]) })
	return paths, nil
}

// filePosition reads the stage position a file belongs to from its first
// page's metadata.
func filePosition(f *tiff.File, path string) (int, error) {
	mm, ok, err := f.Page(0).MicroManagerMetadata()
	if err != nil || !ok {
		return 0, &domain.FormatError{Value: path, Reason: "missing MicroManagerMetadata on first page"}
	}
	pos, ok := intFromMeta(mm, "PositionIndex")
	if !ok {
		return 0, &domain.FormatError{Value: path, Reason: "missing PositionIndex"}
	}
	return pos, nil
}

// indexFromMicroManager builds a frame index from the embedded per-page
// acquisition indices. FrameIndex in the metadata is the time ordinal.
func indexFromMicroManager(mm map[string]any, path string, page int) (domain.FrameIndex, error) {
	var ix domain.FrameIndex
	var ok bool
	if ix.Channel, ok = intFromMeta(mm, "ChannelIndex"); !ok {
		return ix, missingMetaErr(path, page, "ChannelIndex")
	}
	if ix.Slice, ok = intFromMeta(mm, "Slice"); !ok {
		return ix, missingMetaErr(path, page, "Slice")
	}
	if ix.Time, ok = intFromMeta(mm, "FrameIndex"); !ok {
		return ix, missingMetaErr(path, page, "FrameIndex")
	}
	if ix.Pos, ok = intFromMeta(mm, "PositionIndex"); !ok {
		return ix, missingMetaErr(path, page, "PositionIndex")
	}
	if name, ok := mm["Channel"].(string); ok {
		ix.ChannelName = name
	}
	return ix, nil
}

func missingMetaErr(path string, page int, key string) error {
	return &domain.FormatError{
		Value:  path,
		Reason: fmt.Sprintf("page %d metadata missing %s", page, key),
	}
}

// channelNamesByOrdinal flattens the ordinal-to-label map, leaving gaps
// empty. Returns nil when no page carried a label.
func channelNamesByOrdinal(channels map[int]string, n int) []string {
	if len(channels) == 0 {
		return nil
	}
	max := n
	for ord := range channels {
		if ord+1 > max {
			max = ord + 1
		}
	}
	names := make([]string, max)
	for ord, name := range channels {
		if ord >= 0 {
			names[ord] = name
		}
	}
	return names
}

func containsInt(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}
