// Package assemble reconstructs an index-selected subset of a dataset
// into one dense stack. Placement is keyed by frame index, so concurrent
// download completion order never affects the layout; frames lost to
// integrity or transfer failures stay zero-filled and are reported.
package assemble

import (
	"context"
	"fmt"
	"sort"

	"framestore/internal/codec"
	"framestore/internal/meta"
	"framestore/internal/transfer"
	"framestore/pkg/domain"
)

// Stack is a dense (|z|, |channel|, |time|, |position|, H, W) array of
// samples. The axis value slices map array coordinates back to the
// dataset's ordinals, ascending.
type Stack struct {
	SliceValues   []int
	ChannelValues []int
	TimeValues    []int
	PosValues     []int
	// ChannelNames aligns with ChannelValues; empty strings where the
	// dataset declared no label.
	ChannelNames []string

	Height int
	Width  int
	DType  string

	data []byte
}

// Shape returns the six axis lengths.
func (s *Stack) Shape() (z, c, t, p, h, w int) {
	return len(s.SliceValues), len(s.ChannelValues), len(s.TimeValues), len(s.PosValues), s.Height, s.Width
}

// Plane returns the 2D plane at the given array coordinates as a view
// into the stack's buffer.
func (s *Stack) Plane(zi, ci, ti, pi int) codec.Plane {
	bps, _ := codec.BytesPerSample(s.DType)
	planeLen := s.Height * s.Width * bps
	off := (((zi*len(s.ChannelValues)+ci)*len(s.TimeValues)+ti)*len(s.PosValues) + pi) * planeLen
	return codec.Plane{Width: s.Width, Height: s.Height, DType: s.DType, Pix: s.data[off : off+planeLen]}
}

// Report carries the non-fatal outcome of an assembly.
type Report struct {
	// MissingIndices lists frames left zero-filled after per-item
	// download failures, in index order.
	MissingIndices []domain.FrameIndex
	// Empty is set when the selection matched no frames at all. The
	// dataset itself exists; this is a warning, not an error.
	Empty bool
}

// Assembler joins the metadata store and the transfer manager.
type Assembler struct {
	meta     meta.Store
	transfer *transfer.Manager
}

// New builds an Assembler.
func New(store meta.Store, tm *transfer.Manager) *Assembler {
	return &Assembler{meta: store, transfer: tm}
}

// Assemble fetches the frames of id matching sel and places them into a
// freshly allocated stack. A dataset with no records at all yields
// domain.NotFoundError; a selection matching nothing yields an empty
// stack with Report.Empty set.
func (a *Assembler) Assemble(ctx context.Context, id domain.DatasetID, sel domain.Selection) (*Stack, Report, error) {
	ds, err := a.meta.Dataset(ctx, id)
	if err != nil {
		return nil, Report{}, err
	}
	records, err := a.meta.Frames(ctx, id, sel)
	if err != nil {
		return nil, Report{}, err
	}
	if len(records) == 0 {
		return &Stack{Height: ds.Global.Height, Width: ds.Global.Width, DType: ds.Global.DType},
			Report{Empty: true}, nil
	}

	stack, err := allocate(ds.Global, records)
	if err != nil {
		return nil, Report{}, err
	}

	fetch := make([]transfer.FetchItem, len(records))
	for i, rec := range records {
		fetch[i] = transfer.FetchItem{Path: rec.StoragePath, SHA256: rec.SHA256}
	}
	results := a.transfer.Download(ctx, fetch)

	var report Report
	for i, res := range results {
		rec := records[i]
		if res.Err != nil {
			report.MissingIndices = append(report.MissingIndices, rec.Index)
			continue
		}
		plane, err := codec.DecodePNG(res.Data)
		if err != nil {
			report.MissingIndices = append(report.MissingIndices, rec.Index)
			continue
		}
		if err := stack.place(rec.Index, plane); err != nil {
			return nil, Report{}, err
		}
	}
	sort.Slice(report.MissingIndices, func(i, j int) bool {
		a, b := report.MissingIndices[i].Key(), report.MissingIndices[j].Key()
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return stack, report, nil
}

// allocate sizes the stack from the distinct ordinals present in the
// selected records. Channel labels keep their declared ordinal order.
func allocate(global domain.GlobalMetadata, records []domain.FrameRecord) (*Stack, error) {
	bps, err := codec.BytesPerSample(global.DType)
	if err != nil {
		return nil, err
	}
	var zs, cs, ts, ps []int
	labels := map[int]string{}
	for _, rec := range records {
		zs = appendUnique(zs, rec.Index.Slice)
		cs = appendUnique(cs, rec.Index.Channel)
		ts = appendUnique(ts, rec.Index.Time)
		ps = appendUnique(ps, rec.Index.Pos)
		if rec.Index.ChannelName != "" {
			labels[rec.Index.Channel] = rec.Index.ChannelName
		}
	}
	sort.Ints(zs)
	sort.Ints(cs)
	sort.Ints(ts)
	sort.Ints(ps)
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = labels[c]
	}
	s := &Stack{
		SliceValues: zs, ChannelValues: cs, TimeValues: ts, PosValues: ps,
		ChannelNames: names,
		Height:       global.Height, Width: global.Width, DType: global.DType,
		data: make([]byte, len(zs)*len(cs)*len(ts)*len(ps)*global.Height*global.Width*bps),
	}
	return s, nil
}

// place copies a decoded plane into the slot addressed by its index.
func (s *Stack) place(ix domain.FrameIndex, plane codec.Plane) error {
	if plane.Width != s.Width || plane.Height != s.Height || plane.DType != s.DType {
		return &domain.FormatError{
			Value:  ix.String(),
			Reason: fmt.Sprintf("frame is %dx%d %s, stack is %dx%d %s", plane.Width, plane.Height, plane.DType, s.Width, s.Height, s.DType),
		}
	}
	zi, ok := ordinalPos(s.SliceValues, ix.Slice)
	if !ok {
		return &domain.FormatError{Value: ix.String(), Reason: "slice ordinal outside stack"}
	}
	ci, _ := ordinalPos(s.ChannelValues, ix.Channel)
	ti, _ := ordinalPos(s.TimeValues, ix.Time)
	pi, _ := ordinalPos(s.PosValues, ix.Pos)
	dst := s.Plane(zi, ci, ti, pi)
	copy(dst.Pix, plane.Pix)
	return nil
}

func ordinalPos(vals []int, v int) (int, bool) {
	i := sort.SearchInts(vals, v)
	if i < len(vals) && vals[i] == v {
		return i, true
	}
	return 0, false
}

func appendUnique(vals []int, v int) []int {
	for _, x := range vals {
		if x == v {
			return vals
		}
	}
	return append(vals, v)
}
