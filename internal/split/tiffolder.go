package split

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"framestore/internal/codec"
	"framestore/internal/tiff"
	"framestore/pkg/domain"
)

// tifFolderSplitter reads a directory where each tif file is already one
// frame. Global acquisition parameters come from a metadata.txt companion
// file; indices come from file names via the filename-parser hook.
type tifFolderSplitter struct {
	opts Options
}

// folderSummary is the Summary block of the metadata.txt companion.
type folderSummary struct {
	ChNames   []string `json:"ChNames"`
	Height    int      `json:"Height"`
	Width     int      `json:"Width"`
	PixelType string   `json:"PixelType"`
	BitDepth  int      `json:"BitDepth"`
}

type folderFrame struct {
	path string
	ix   domain.FrameIndex
	meta map[string]any
}

func (s *tifFolderSplitter) Split(_ context.Context, src string) (domain.GlobalMetadata, *Stream, error) {
	st, err := os.Stat(src)
	if err != nil || !st.IsDir() {
		return domain.GlobalMetadata{}, nil, &domain.FormatError{Value: src, Reason: "source is not a directory"}
	}

	summary, extra, err := readFolderMeta(src)
	if err != nil {
		return domain.GlobalMetadata{}, nil, err
	}
	dtype, err := dtypeFromBitDepth(summary.BitDepth, src)
	if err != nil {
		return domain.GlobalMetadata{}, nil, err
	}
	colors := 3
	if strings.Contains(summary.PixelType, "GRAY") {
		colors = 1
	}

	paths, err := filepath.Glob(filepath.Join(src, "*.tif"))
	if err != nil || len(paths) == 0 {
		return domain.GlobalMetadata{}, nil, &domain.FormatError{Value: src, Reason: "no tif files in directory"}
	}
	sort.Slice(paths, func(i, j int) bool { return natLess(paths[i], paths[j]) })

	parser, err := frameParserFor(s.opts.FilenameParser)
	if err != nil {
		return domain.GlobalMetadata{}, nil, err
	}
	channels := NewChannelSet(summary.ChNames)

	frames := make([]folderFrame, 0, len(paths))
	for i, path := range paths {
		ix, err := parser(path, channels)
		if err != nil {
			return domain.GlobalMetadata{}, nil, err
		}
		meta, err := framePageMeta(path)
		if err != nil {
			return domain.GlobalMetadata{}, nil, err
		}
		if err := validateFrameMeta(s.opts.Schema, i, ix, meta); err != nil {
			return domain.GlobalMetadata{}, nil, err
		}
		frames = append(frames, folderFrame{path: path, ix: ix, meta: meta})
	}

	indices := make([]domain.FrameIndex, len(frames))
	for i, fr := range frames {
		indices[i] = fr.ix
	}
	if err := checkUnique(indices); err != nil {
		return domain.GlobalMetadata{}, nil, err
	}

	z, c, t, p := axisSizes(indices)
	global := domain.GlobalMetadata{
		FrameCount: len(frames),
		Height:     summary.Height,
		Width:      summary.Width,
		Slices:     z, Channels: c, Timepoints: t, Positions: p,
		Colors:       colors,
		DType:        dtype,
		ChannelNames: channels.Names(),
		Extra:        extra,
	}

	stream := &Stream{
		count: len(frames),
		next: func(i int) (Frame, error) {
			fr := frames[i]
			f, err := tiff.Open(fr.path)
			if err != nil {
				return Frame{}, &domain.FormatError{Value: fr.path, Reason: err.Error()}
			}
			defer func() { _ = f.Close() }()
			plane, err := f.Page(0).Plane()
			if err != nil {
				return Frame{}, &domain.FormatError{Value: fr.path, Reason: err.Error()}
			}
			if plane.Width != summary.Width || plane.Height != summary.Height {
				return Frame{}, &domain.FormatError{
					Value:  fr.path,
					Reason: fmt.Sprintf("frame is %dx%d, summary declares %dx%d", plane.Width, plane.Height, summary.Width, summary.Height),
				}
			}
			return Frame{Index: fr.ix, Plane: plane, Metadata: fr.meta}, nil
		},
	}
	return global, stream, nil
}

// readFolderMeta loads metadata.txt, splitting the required Summary block
// from the remaining acquisition parameters.
func readFolderMeta(dir string) (folderSummary, map[string]any, error) {
	path := filepath.Join(dir, "metadata.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		return folderSummary{}, nil, &domain.FormatError{Value: dir, Reason: "missing metadata.txt companion file"}
	}
	var full map[string]any
	if err := json.Unmarshal(data, &full); err != nil {
		return folderSummary{}, nil, &domain.FormatError{Value: path, Reason: "metadata.txt is not valid JSON"}
	}
	raw, ok := full["Summary"]
	if !ok {
		return folderSummary{}, nil, &domain.FormatError{Value: path, Reason: "metadata.txt has no Summary block"}
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return folderSummary{}, nil, err
	}
	var summary folderSummary
	if err := json.Unmarshal(buf, &summary); err != nil {
		return folderSummary{}, nil, &domain.FormatError{Value: path, Reason: "malformed Summary block"}
	}
	if summary.Height <= 0 || summary.Width <= 0 {
		return folderSummary{}, nil, &domain.FormatError{Value: path, Reason: "Summary must declare Height and Width"}
	}
	full["file_origin"] = dir
	return summary, full, nil
}

func dtypeFromBitDepth(bits int, src string) (string, error) {
	switch bits {
	case 16:
		return codec.DTypeUint16, nil
	case 8:
		return codec.DTypeUint8, nil
	default:
		return "", &domain.FormatError{
			Value:  src,
			Reason: fmt.Sprintf("bit depth must be 16 or 8, not %d", bits),
		}
	}
}

// framePageMeta reads one frame file's IFD tags without decoding pixels.
func framePageMeta(path string) (map[string]any, error) {
	f, err := tiff.Open(path)
	if err != nil {
		return nil, &domain.FormatError{Value: path, Reason: err.Error()}
	}
	defer func() { _ = f.Close() }()
	meta, err := pageMetadata(f.Page(0))
	if err != nil {
		return nil, &domain.FormatError{Value: path, Reason: err.Error()}
	}
	return meta, nil
}
