// Package metatest exercises the meta.Store contract against any
// implementation. Driver packages call Run from their own tests.
package metatest

import (
	"context"
	"errors"
	"testing"
	"time"

	"framestore/internal/meta"
	"framestore/pkg/domain"
)

func mustID(t *testing.T, s string) domain.DatasetID {
	t.Helper()
	id, err := domain.ParseDatasetID(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func frameDataset(t *testing.T, idStr string) (domain.DatasetRecord, []domain.FrameRecord) {
	t.Helper()
	id := mustID(t, idStr)
	global := domain.GlobalMetadata{
		StorageDir: id.FrameDir(), FrameCount: 6, Height: 4, Width: 6,
		Slices: 3, Channels: 2, Timepoints: 1, Positions: 1, Colors: 1,
		DType: "uint16", ChannelNames: []string{"phase", "gfp"},
	}
	ds := domain.DatasetRecord{
		ID: id, Description: "test acquisition", Microscope: "scope-1",
		UploadType: domain.UploadFrames, FrameCount: 6, Global: global,
	}
	var frames []domain.FrameRecord
	for z := 0; z < 3; z++ {
		for c := 0; c < 2; c++ {
			ix := domain.FrameIndex{Slice: z, Channel: c, ChannelName: global.ChannelNames[c]}
			frames = append(frames, domain.FrameRecord{
				DatasetID:   id,
				Index:       ix,
				StoragePath: id.FrameDir() + "/" + ix.FileName(),
				SHA256:      "deadbeef",
				Height:      4, Width: 6, DType: "uint16",
				Metadata: map[string]any{"exposure_ms": 50.0},
			})
		}
	}
	return ds, frames
}

// Run exercises the full Store contract. newStore must return an empty
// store each call.
func Run(t *testing.T, newStore func(t *testing.T) meta.Store) {
	ctx := context.Background()

	t.Run("InsertAndFetch", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		ds, frames := frameDataset(t, "ML-2020-03-01-10-00-00-0007")
		if err := s.InsertFrameDataset(ctx, ds, frames); err != nil {
			t.Fatal(err)
		}
		got, err := s.Dataset(ctx, ds.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Description != ds.Description || got.FrameCount != 6 {
			t.Errorf("dataset = %+v", got)
		}
		if got.Global.Channels != 2 || got.Global.ChannelNames[1] != "gfp" {
			t.Errorf("global = %+v", got.Global)
		}
		all, err := s.Frames(ctx, ds.ID, domain.Selection{})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 6 {
			t.Fatalf("frames = %d", len(all))
		}
		// Ordered by (slice, channel, time, pos).
		if all[0].Index.Slice != 0 || all[0].Index.Channel != 0 || all[1].Index.Channel != 1 {
			t.Errorf("order: %v %v", all[0].Index, all[1].Index)
		}
		if all[0].Metadata["exposure_ms"] != 50.0 {
			t.Errorf("frame metadata = %v", all[0].Metadata)
		}
	})

	t.Run("DuplicateInsert", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		ds, frames := frameDataset(t, "ML-2020-03-01-10-00-00-0007")
		if err := s.InsertFrameDataset(ctx, ds, frames); err != nil {
			t.Fatal(err)
		}
		err := s.InsertFrameDataset(ctx, ds, frames)
		var dup *domain.DuplicateError
		if !errors.As(err, &dup) {
			t.Fatalf("err = %v, want DuplicateError", err)
		}
	})

	t.Run("SelectionFilters", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		ds, frames := frameDataset(t, "ML-2020-03-01-10-00-00-0007")
		if err := s.InsertFrameDataset(ctx, ds, frames); err != nil {
			t.Fatal(err)
		}
		byChannel, err := s.Frames(ctx, ds.ID, domain.Selection{Channels: []int{0}})
		if err != nil {
			t.Fatal(err)
		}
		if len(byChannel) != 3 {
			t.Fatalf("channel 0 frames = %d", len(byChannel))
		}
		byName, err := s.Frames(ctx, ds.ID, domain.Selection{ChannelNames: []string{"gfp"}})
		if err != nil {
			t.Fatal(err)
		}
		if len(byName) != 3 || byName[0].Index.Channel != 1 {
			t.Fatalf("gfp frames = %v", byName)
		}
		bySlice, err := s.Frames(ctx, ds.ID, domain.Selection{Slices: []int{1}, Channels: []int{1}})
		if err != nil {
			t.Fatal(err)
		}
		if len(bySlice) != 1 || bySlice[0].Index.Slice != 1 {
			t.Fatalf("slice frames = %v", bySlice)
		}
		none, err := s.Frames(ctx, ds.ID, domain.Selection{Slices: []int{99}})
		if err != nil {
			t.Fatal(err)
		}
		if len(none) != 0 {
			t.Errorf("expected empty match, got %d", len(none))
		}
	})

	t.Run("FramesOfMissingDataset", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		_, err := s.Frames(ctx, mustID(t, "XX-2021-01-01-00-00-00-0001"), domain.Selection{})
		var nf *domain.NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("err = %v, want NotFoundError", err)
		}
	})

	t.Run("QueryDatasets", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		dsA, framesA := frameDataset(t, "ML-2020-03-01-10-00-00-0007")
		if err := s.InsertFrameDataset(ctx, dsA, framesA); err != nil {
			t.Fatal(err)
		}
		fileDS := domain.DatasetRecord{
			ID: mustID(t, "ISP-2021-06-09-20-00-00-0001"), Description: "raw stack",
			Microscope: "scope-2", UploadType: domain.UploadFile,
			FileName: "raw_files/ISP-2021-06-09-20-00-00-0001/stack.tif", SHA256: "cafe",
		}
		if err := s.InsertFileDataset(ctx, fileDS); err != nil {
			t.Fatal(err)
		}
		byProject, err := s.Datasets(ctx, meta.Filter{Project: "ML"})
		if err != nil {
			t.Fatal(err)
		}
		if len(byProject) != 1 || byProject[0].ID.Project != "ML" {
			t.Fatalf("project query = %v", byProject)
		}
		byScope, err := s.Datasets(ctx, meta.Filter{Microscope: "scope-2"})
		if err != nil {
			t.Fatal(err)
		}
		if len(byScope) != 1 || byScope[0].UploadType != domain.UploadFile {
			t.Fatalf("microscope query = %v", byScope)
		}
		byDesc, err := s.Datasets(ctx, meta.Filter{Description: "ACQUIS"})
		if err != nil {
			t.Fatal(err)
		}
		if len(byDesc) != 1 {
			t.Fatalf("description query = %v", byDesc)
		}
		from := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
		byDate, err := s.Datasets(ctx, meta.Filter{From: from})
		if err != nil {
			t.Fatal(err)
		}
		if len(byDate) != 1 || byDate[0].ID.Project != "ISP" {
			t.Fatalf("date query = %v", byDate)
		}
	})

	t.Run("DeleteDataset", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		ds, frames := frameDataset(t, "ML-2020-03-01-10-00-00-0007")
		if err := s.InsertFrameDataset(ctx, ds, frames); err != nil {
			t.Fatal(err)
		}
		if err := s.DeleteDataset(ctx, ds.ID); err != nil {
			t.Fatal(err)
		}
		var nf *domain.NotFoundError
		if _, err := s.Dataset(ctx, ds.ID); !errors.As(err, &nf) {
			t.Fatalf("err = %v, want NotFoundError", err)
		}
		if err := s.DeleteDataset(ctx, ds.ID); !errors.As(err, &nf) {
			t.Fatalf("second delete = %v, want NotFoundError", err)
		}
	})
}
