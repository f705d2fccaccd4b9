package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"framestore/internal/blob"
	"framestore/internal/codec"
	"framestore/internal/meta"
	memmeta "framestore/internal/meta/memory"
	"framestore/internal/schema"
	"framestore/internal/split"
	"framestore/internal/tiff"
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

func testPlane(w, h int, seed byte) codec.Plane {
	pix := make([]byte, w*h*2)
	for i := range pix {
		pix[i] = seed + byte(i%193)
	}
	return codec.Plane{Width: w, Height: h, DType: codec.DTypeUint16, Pix: pix}
}

// folderFixture builds a tif_folder source with the given channel and
// slice counts, one timepoint and one position.
func folderFixture(t *testing.T, channels []string, slices int) string {
	t.Helper()
	dir := t.TempDir()
	names := `"` + channels[0] + `"`
	for _, ch := range channels[1:] {
		names += `, "` + ch + `"`
	}
	metaTxt := fmt.Sprintf(`{"Summary": {"ChNames": [%s], "Height": 4, "Width": 6,
		"PixelType": "GRAY16", "BitDepth": 16}}`, names)
	if err := os.WriteFile(filepath.Join(dir, "metadata.txt"), []byte(metaTxt), 0o644); err != nil {
		t.Fatal(err)
	}
	seed := byte(0)
	for _, ch := range channels {
		for z := 0; z < slices; z++ {
			name := fmt.Sprintf("img_%s_t000_p000_z%03d.tif", ch, z)
			err := tiff.WriteFile(filepath.Join(dir, name),
				[]tiff.PageData{{Plane: testPlane(6, 4, seed), MicroManager: `{"exposure_ms": 50}`}})
			if err != nil {
				t.Fatal(err)
			}
			seed += 37
		}
	}
	return dir
}

func newService(t *testing.T) (*Service, *memmeta.Store, *blob.Memory) {
	t.Helper()
	metaStore := memmeta.NewStore()
	blobStore := blob.NewMemory()
	svc := NewService(metaStore, blobStore,
		WithWorkers(3),
		WithClock(ClockFunc(func() time.Time { return time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC) })),
	)
	return svc, metaStore, blobStore
}

func TestUploadFramesEndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, metaStore, blobStore := newService(t)
	id := mustID(t, "ML-2020-03-01-10-00-00-0007")
	src := folderFixture(t, []string{"phase", "gfp"}, 3)

	ds, err := svc.UploadFrames(ctx, UploadRequest{
		ID:          id,
		Source:      src,
		Format:      split.FormatTifFolder,
		Split:       split.Options{FilenameParser: "parse_sms_name"},
		Description: "control acquisition",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ds.FrameCount != 6 || ds.UploadType != domain.UploadFrames {
		t.Fatalf("dataset = %+v", ds)
	}
	if ds.Global.Slices != 3 || ds.Global.Channels != 2 || ds.Global.StorageDir != id.FrameDir() {
		t.Errorf("global = %+v", ds.Global)
	}

	frames, err := metaStore.Frames(ctx, id, domain.Selection{})
	if err != nil || len(frames) != 6 {
		t.Fatalf("frames = %d (%v)", len(frames), err)
	}
	for _, fr := range frames {
		if fr.SHA256 == "" {
			t.Errorf("frame %s has no digest", fr.Index)
		}
		if ok, _ := blobStore.Exists(ctx, fr.StoragePath); !ok {
			t.Errorf("frame object %s missing", fr.StoragePath)
		}
	}

	// Channel 0 only yields shape (3, 1, 1, 1, H, W) with nothing missing.
	stack, report, err := svc.Assemble(ctx, id, domain.Selection{Channels: []int{0}})
	if err != nil {
		t.Fatal(err)
	}
	z, c, tm, p, h, w := stack.Shape()
	if z != 3 || c != 1 || tm != 1 || p != 1 || h != 4 || w != 6 {
		t.Errorf("shape = (%d,%d,%d,%d,%d,%d)", z, c, tm, p, h, w)
	}
	if len(report.MissingIndices) != 0 {
		t.Errorf("missing = %v", report.MissingIndices)
	}
}

func TestUploadFramesDuplicate(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	id := mustID(t, "ML-2020-03-01-10-00-00-0007")
	src := folderFixture(t, []string{"phase"}, 2)
	req := UploadRequest{ID: id, Source: src, Format: split.FormatTifFolder,
		Split: split.Options{FilenameParser: "parse_sms_name"}}
	if _, err := svc.UploadFrames(ctx, req); err != nil {
		t.Fatal(err)
	}
	_, err := svc.UploadFrames(ctx, req)
	var dup *domain.DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateError", err)
	}
}

// failPutStore fails the write of exactly one key.
type failPutStore struct {
	blob.Store
	failKey string
}

func (s *failPutStore) Put(ctx context.Context, key string, data []byte, opts blob.PutOptions) (blob.Info, error) {
	if key == s.failKey {
		return blob.Info{}, errors.New("backend unavailable")
	}
	return s.Store.Put(ctx, key, data, opts)
}

func TestUploadFramesAllOrNothing(t *testing.T) {
	ctx := context.Background()
	metaStore := memmeta.NewStore()
	id := mustID(t, "ML-2020-03-01-10-00-00-0007")
	inner := blob.NewMemory()
	// Frame z=4 of 10 fails; the other nine succeed.
	blobStore := &failPutStore{
		Store:   inner,
		failKey: id.FrameDir() + "/" + domain.FrameIndex{Slice: 4}.FileName(),
	}
	svc := NewService(metaStore, blobStore, WithWorkers(2))
	src := folderFixture(t, []string{"phase"}, 10)

	_, err := svc.UploadFrames(ctx, UploadRequest{
		ID: id, Source: src, Format: split.FormatTifFolder,
		Split: split.Options{FilenameParser: "parse_sms_name"},
	})
	var te *domain.TransferError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransferError", err)
	}

	// Zero records committed and every written frame rolled back.
	var nf *domain.NotFoundError
	if _, derr := metaStore.Dataset(ctx, id); !errors.As(derr, &nf) {
		t.Fatalf("dataset visible after failed upload: %v", derr)
	}
	infos, err := inner.List(ctx, id.FrameDir()+"/")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("leftover objects: %v", infos)
	}
}

func TestUploadFramesSchemaFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	svc, metaStore, blobStore := newService(t)
	id := mustID(t, "ML-2020-03-01-10-00-00-0007")

	// One frame file without the required exposure field.
	dir := t.TempDir()
	metaTxt := `{"Summary": {"ChNames": ["phase"], "Height": 4, "Width": 6, "PixelType": "GRAY16", "BitDepth": 16}}`
	if err := os.WriteFile(filepath.Join(dir, "metadata.txt"), []byte(metaTxt), 0o644); err != nil {
		t.Fatal(err)
	}
	for z := 0; z < 4; z++ {
		mm := `{"exposure_ms": 50}`
		if z == 3 {
			mm = `{}`
		}
		name := fmt.Sprintf("img_phase_t000_p000_z%03d.tif", z)
		if err := tiff.WriteFile(filepath.Join(dir, name),
			[]tiff.PageData{{Plane: testPlane(6, 4, byte(z)), MicroManager: mm}}); err != nil {
			t.Fatal(err)
		}
	}
	sc, err := schema.Parse([]byte(`{"properties": {"exposure_ms": {"type": "number"}}, "required": ["exposure_ms"]}`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.UploadFrames(ctx, UploadRequest{
		ID: id, Source: dir, Format: split.FormatTifFolder,
		Split: split.Options{FilenameParser: "parse_sms_name", Schema: sc},
	})
	var se *domain.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SchemaError", err)
	}
	if se.Frame != 3 {
		t.Errorf("offending frame = %d", se.Frame)
	}
	var nf *domain.NotFoundError
	if _, derr := metaStore.Dataset(ctx, id); !errors.As(derr, &nf) {
		t.Error("dataset committed despite schema failure")
	}
	if infos, _ := blobStore.List(ctx, id.FrameDir()+"/"); len(infos) != 0 {
		t.Errorf("objects written despite schema failure: %v", infos)
	}
}

func TestUploadAndDownloadFile(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	id := mustID(t, "ISP-2021-06-09-20-00-00-0001")

	src := filepath.Join(t.TempDir(), "stack.tif")
	payload := []byte("opaque acquisition bytes")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	ds, err := svc.UploadFile(ctx, FileUploadRequest{ID: id, Source: src, Description: "raw stack"})
	if err != nil {
		t.Fatal(err)
	}
	if ds.UploadType != domain.UploadFile || ds.SHA256 == "" {
		t.Fatalf("dataset = %+v", ds)
	}

	name, data, err := svc.DownloadFile(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if name != "stack.tif" || string(data) != string(payload) {
		t.Errorf("downloaded %q (%d bytes)", name, len(data))
	}
}

func TestUploadRejectsUnknownParent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	id := mustID(t, "ML-2020-03-01-10-00-00-0007")
	parent := mustID(t, "XX-2019-01-01-00-00-00-0001")
	_, err := svc.UploadFrames(ctx, UploadRequest{
		ID: id, Source: folderFixture(t, []string{"phase"}, 1),
		Format: split.FormatTifFolder,
		Split:  split.Options{FilenameParser: "parse_sms_name"},
		ParentID: &parent,
	})
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestDeleteDataset(t *testing.T) {
	ctx := context.Background()
	svc, metaStore, blobStore := newService(t)
	id := mustID(t, "ML-2020-03-01-10-00-00-0007")
	if _, err := svc.UploadFrames(ctx, UploadRequest{
		ID: id, Source: folderFixture(t, []string{"phase"}, 2),
		Format: split.FormatTifFolder,
		Split:  split.Options{FilenameParser: "parse_sms_name"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteDataset(ctx, id); err != nil {
		t.Fatal(err)
	}
	var nf *domain.NotFoundError
	if _, err := metaStore.Dataset(ctx, id); !errors.As(err, &nf) {
		t.Error("dataset still queryable")
	}
	if infos, _ := blobStore.List(ctx, id.FrameDir()+"/"); len(infos) != 0 {
		t.Errorf("objects remain: %v", infos)
	}
}

func TestQueryDatasets(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	id := mustID(t, "ML-2020-03-01-10-00-00-0007")
	if _, err := svc.UploadFrames(ctx, UploadRequest{
		ID: id, Source: folderFixture(t, []string{"phase"}, 1),
		Format:     split.FormatTifFolder,
		Split:      split.Options{FilenameParser: "parse_sms_name"},
		Microscope: "scope-1",
	}); err != nil {
		t.Fatal(err)
	}
	got, err := svc.QueryDatasets(ctx, meta.Filter{Project: "ML", Microscope: "scope-1"})
	if err != nil || len(got) != 1 {
		t.Fatalf("query = %v (%v)", got, err)
	}
}
