package assemble

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"framestore/internal/blob"
	"framestore/internal/codec"
	memmeta "framestore/internal/meta/memory"
	"framestore/internal/transfer"
	"framestore/pkg/domain"
)

const (
	testH = 4
	testW = 6
)

func testPlane(seed byte) codec.Plane {
	pix := make([]byte, testW*testH*2)
	for i := range pix {
		pix[i] = seed + byte(i%211)
	}
	return codec.Plane{Width: testW, Height: testH, DType: codec.DTypeUint16, Pix: pix}
}

// seedDataset stores 2 channels x 3 slices of PNG frames in the blob
// store and registers matching records.
func seedDataset(t *testing.T) (*memmeta.Store, *blob.Memory, domain.DatasetID, map[[4]int]codec.Plane) {
	t.Helper()
	ctx := context.Background()
	id, err := domain.ParseDatasetID("ML-2020-03-01-10-00-00-0007")
	if err != nil {
		t.Fatal(err)
	}
	metaStore := memmeta.NewStore()
	blobStore := blob.NewMemory()

	names := []string{"phase", "gfp"}
	planes := map[[4]int]codec.Plane{}
	var frames []domain.FrameRecord
	seed := byte(1)
	for z := 0; z < 3; z++ {
		for c := 0; c < 2; c++ {
			ix := domain.FrameIndex{Slice: z, Channel: c, ChannelName: names[c]}
			plane := testPlane(seed)
			seed += 29
			planes[ix.Key()] = plane
			data, err := codec.EncodePNG(plane)
			if err != nil {
				t.Fatal(err)
			}
			path := id.FrameDir() + "/" + ix.FileName()
			if _, err := blobStore.Put(ctx, path, data, blob.PutOptions{ContentType: "image/png"}); err != nil {
				t.Fatal(err)
			}
			sum := sha256.Sum256(data)
			frames = append(frames, domain.FrameRecord{
				DatasetID: id, Index: ix, StoragePath: path,
				SHA256: hex.EncodeToString(sum[:]),
				Height: testH, Width: testW, DType: codec.DTypeUint16,
			})
		}
	}
	ds := domain.DatasetRecord{
		ID: id, UploadType: domain.UploadFrames, FrameCount: len(frames),
		Global: domain.GlobalMetadata{
			StorageDir: id.FrameDir(), FrameCount: len(frames),
			Height: testH, Width: testW,
			Slices: 3, Channels: 2, Timepoints: 1, Positions: 1,
			Colors: 1, DType: codec.DTypeUint16, ChannelNames: names,
		},
	}
	if err := metaStore.InsertFrameDataset(ctx, ds, frames); err != nil {
		t.Fatal(err)
	}
	return metaStore, blobStore, id, planes
}

func TestAssembleFullDataset(t *testing.T) {
	metaStore, blobStore, id, planes := seedDataset(t)
	a := New(metaStore, transfer.New(blobStore, transfer.WithWorkers(3)))

	stack, report, err := a.Assemble(context.Background(), id, domain.Selection{})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.MissingIndices) != 0 || report.Empty {
		t.Fatalf("report = %+v", report)
	}
	z, c, tm, p, h, w := stack.Shape()
	if z != 3 || c != 2 || tm != 1 || p != 1 || h != testH || w != testW {
		t.Fatalf("shape = (%d,%d,%d,%d,%d,%d)", z, c, tm, p, h, w)
	}
	if stack.ChannelNames[0] != "phase" || stack.ChannelNames[1] != "gfp" {
		t.Errorf("channel names = %v", stack.ChannelNames)
	}
	for zi := 0; zi < 3; zi++ {
		for ci := 0; ci < 2; ci++ {
			want := planes[[4]int{zi, ci, 0, 0}]
			got := stack.Plane(zi, ci, 0, 0)
			if !bytes.Equal(got.Pix, want.Pix) {
				t.Errorf("plane (%d,%d) mismatch", zi, ci)
			}
		}
	}
}

func TestAssembleChannelSubset(t *testing.T) {
	metaStore, blobStore, id, planes := seedDataset(t)
	a := New(metaStore, transfer.New(blobStore))

	stack, report, err := a.Assemble(context.Background(), id, domain.Selection{Channels: []int{0}})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.MissingIndices) != 0 {
		t.Fatalf("missing = %v", report.MissingIndices)
	}
	z, c, tm, p, _, _ := stack.Shape()
	if z != 3 || c != 1 || tm != 1 || p != 1 {
		t.Fatalf("shape = (%d,%d,%d,%d)", z, c, tm, p)
	}
	for zi := 0; zi < 3; zi++ {
		want := planes[[4]int{zi, 0, 0, 0}]
		if !bytes.Equal(stack.Plane(zi, 0, 0, 0).Pix, want.Pix) {
			t.Errorf("plane z=%d mismatch", zi)
		}
	}
}

func TestAssembleReportsMissingAfterCorruption(t *testing.T) {
	metaStore, blobStore, id, planes := seedDataset(t)
	ix := domain.FrameIndex{Slice: 1, Channel: 1}
	if err := blobStore.Corrupt(id.FrameDir()+"/"+ix.FileName(), 40); err != nil {
		t.Fatal(err)
	}
	a := New(metaStore, transfer.New(blobStore))

	stack, report, err := a.Assemble(context.Background(), id, domain.Selection{})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.MissingIndices) != 1 || report.MissingIndices[0].Key() != ix.Key() {
		t.Fatalf("missing = %v", report.MissingIndices)
	}
	// The corrupted slot stays zero-filled; neighbors are intact.
	if !bytes.Equal(stack.Plane(1, 1, 0, 0).Pix, make([]byte, testH*testW*2)) {
		t.Error("corrupt frame slot not zero-filled")
	}
	want := planes[[4]int{1, 0, 0, 0}]
	if !bytes.Equal(stack.Plane(1, 0, 0, 0).Pix, want.Pix) {
		t.Error("intact neighbor frame damaged")
	}
}

func TestAssembleUnknownDataset(t *testing.T) {
	metaStore, blobStore, _, _ := seedDataset(t)
	a := New(metaStore, transfer.New(blobStore))
	other, _ := domain.ParseDatasetID("XX-2021-01-01-00-00-00-0001")
	_, _, err := a.Assemble(context.Background(), other, domain.Selection{})
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestAssembleEmptySelection(t *testing.T) {
	metaStore, blobStore, id, _ := seedDataset(t)
	a := New(metaStore, transfer.New(blobStore))
	stack, report, err := a.Assemble(context.Background(), id, domain.Selection{Slices: []int{99}})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Empty {
		t.Error("report.Empty not set")
	}
	z, c, _, _, _, _ := stack.Shape()
	if z != 0 || c != 0 {
		t.Errorf("empty stack has shape (%d,%d,...)", z, c)
	}
}
