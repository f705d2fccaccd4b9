package split

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"framestore/internal/codec"
	"framestore/internal/schema"
	"framestore/internal/tiff"
	"framestore/pkg/domain"
)

func testPlane(t *testing.T, w, h int, seed byte) codec.Plane {
	t.Helper()
	pix := make([]byte, w*h*2)
	for i := range pix {
		pix[i] = seed + byte(i%197)
	}
	return codec.Plane{Width: w, Height: h, DType: codec.DTypeUint16, Pix: pix}
}

func writeFrameFile(t *testing.T, path string, plane codec.Plane, mm string) {
	t.Helper()
	if err := tiff.WriteFile(path, []tiff.PageData{{Plane: plane, MicroManager: mm}}); err != nil {
		t.Fatal(err)
	}
}

func exposureSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(`{
		"properties": {"exposure_ms": {"type": "number"}},
		"required": ["exposure_ms"]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func tifFolderFixture(t *testing.T, skipExposure string) string {
	t.Helper()
	dir := t.TempDir()
	metaTxt := `{"Summary": {"ChNames": ["phase", "gfp"], "Height": 4, "Width": 6,
		"PixelType": "GRAY16", "BitDepth": 16}, "MicroManagerVersion": "1.4.22"}`
	if err := os.WriteFile(filepath.Join(dir, "metadata.txt"), []byte(metaTxt), 0o644); err != nil {
		t.Fatal(err)
	}
	seed := byte(0)
	for _, ch := range []string{"phase", "gfp"} {
		for z := 0; z < 3; z++ {
			name := fmt.Sprintf("img_%s_t000_p000_z%03d.tif", ch, z)
			mm := `{"exposure_ms": 50}`
			if name == skipExposure {
				mm = `{"other": 1}`
			}
			writeFrameFile(t, filepath.Join(dir, name), testPlane(t, 6, 4, seed), mm)
			seed += 31
		}
	}
	return dir
}

func TestTifFolderSplit(t *testing.T) {
	dir := tifFolderFixture(t, "")
	sp, err := New(FormatTifFolder, Options{FilenameParser: "parse_sms_name"})
	if err != nil {
		t.Fatal(err)
	}
	global, stream, err := sp.Split(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = stream.Close() }()

	if global.FrameCount != 6 || global.Slices != 3 || global.Channels != 2 ||
		global.Timepoints != 1 || global.Positions != 1 {
		t.Errorf("global = %+v", global)
	}
	if global.Height != 4 || global.Width != 6 || global.DType != codec.DTypeUint16 || global.Colors != 1 {
		t.Errorf("shape = %+v", global)
	}
	if len(global.ChannelNames) != 2 || global.ChannelNames[0] != "phase" || global.ChannelNames[1] != "gfp" {
		t.Errorf("channel names = %v", global.ChannelNames)
	}

	frames, err := Collect(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 6 {
		t.Fatalf("frames = %d", len(frames))
	}
	seen := map[[4]int]bool{}
	for _, fr := range frames {
		if fr.Plane.Width != 6 || fr.Plane.Height != 4 {
			t.Errorf("plane shape %dx%d", fr.Plane.Width, fr.Plane.Height)
		}
		if fr.Index.Time != 0 || fr.Index.Pos != 0 || fr.Index.Slice > 2 || fr.Index.Channel > 1 {
			t.Errorf("index out of range: %+v", fr.Index)
		}
		if seen[fr.Index.Key()] {
			t.Errorf("duplicate index %v", fr.Index)
		}
		seen[fr.Index.Key()] = true
	}
	if len(seen) != 6 {
		t.Errorf("covered %d of 6 indices", len(seen))
	}
}

func TestTifFolderSchemaFailure(t *testing.T) {
	// Natural order sorts gfp before phase, so the offending phase file
	// is the fourth frame in the stream.
	dir := tifFolderFixture(t, "img_phase_t000_p000_z000.tif")
	sp, err := New(FormatTifFolder, Options{
		FilenameParser: "parse_sms_name",
		Schema:         exposureSchema(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = sp.Split(context.Background(), dir)
	var se *domain.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SchemaError", err)
	}
	if se.Frame != 3 || se.Field != "exposure_ms" {
		t.Errorf("schema error = %+v", se)
	}
}

func TestTifFolderMissingCompanion(t *testing.T) {
	dir := t.TempDir()
	writeFrameFile(t, filepath.Join(dir, "img_phase_t000_p000_z000.tif"), testPlane(t, 2, 2, 0), "")
	sp, _ := New(FormatTifFolder, Options{FilenameParser: "parse_sms_name"})
	_, _, err := sp.Split(context.Background(), dir)
	var fe *domain.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FormatError", err)
	}
}

func TestTifFolderDuplicateIndex(t *testing.T) {
	dir := t.TempDir()
	metaTxt := `{"Summary": {"ChNames": [], "Height": 2, "Width": 2, "PixelType": "GRAY16", "BitDepth": 16}}`
	if err := os.WriteFile(filepath.Join(dir, "metadata.txt"), []byte(metaTxt), 0o644); err != nil {
		t.Fatal(err)
	}
	writeFrameFile(t, filepath.Join(dir, "im_c000_z000_t000_p000.tif"), testPlane(t, 2, 2, 0), "")
	writeFrameFile(t, filepath.Join(dir, "x_im_c000_z000_t000_p000.tif"), testPlane(t, 2, 2, 1), "")
	sp, _ := New(FormatTifFolder, Options{})
	_, _, err := sp.Split(context.Background(), dir)
	var fe *domain.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FormatError for duplicate index", err)
	}
}

func tifIDFixture(t *testing.T, path, desc string, pages int) {
	t.Helper()
	data := make([]tiff.PageData, pages)
	for i := range data {
		data[i] = tiff.PageData{Plane: testPlane(t, 3, 2, byte(i*17))}
	}
	data[0].Description = desc
	if err := tiff.WriteFile(path, data); err != nil {
		t.Fatal(err)
	}
}

func TestTifIDSplit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.tif")
	tifIDFixture(t, path, "channels=2\nslices=2\nframes=1\npositions=1", 4)
	sp, err := New(FormatTifID, Options{})
	if err != nil {
		t.Fatal(err)
	}
	global, stream, err := sp.Split(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if global.FrameCount != 4 || global.Channels != 2 || global.Slices != 2 ||
		global.Timepoints != 1 || global.Positions != 1 {
		t.Errorf("global = %+v", global)
	}
	frames, err := Collect(stream)
	if err != nil {
		t.Fatal(err)
	}
	// Channel varies fastest, then slice.
	wantOrder := []domain.FrameIndex{
		{Slice: 0, Channel: 0}, {Slice: 0, Channel: 1},
		{Slice: 1, Channel: 0}, {Slice: 1, Channel: 1},
	}
	for i, want := range wantOrder {
		if frames[i].Index != want {
			t.Errorf("frame %d index = %+v, want %+v", i, frames[i].Index, want)
		}
	}
}

func TestStreamCloseReleasesSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.tif")
	tifIDFixture(t, path, "channels=1\nslices=2", 2)
	sp, _ := New(FormatTifID, Options{})
	_, stream, err := sp.Split(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Next(); err != nil {
		t.Fatal(err)
	}
	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("next after close = %v, want io.EOF", err)
	}
}

func TestTifIDPageCountMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.tif")
	tifIDFixture(t, path, "channels=3", 2)
	sp, _ := New(FormatTifID, Options{})
	_, _, err := sp.Split(context.Background(), path)
	var fe *domain.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FormatError", err)
	}
}

func TestTifIDMissingDescription(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.tif")
	if err := tiff.WriteFile(path, []tiff.PageData{{Plane: testPlane(t, 2, 2, 0)}}); err != nil {
		t.Fatal(err)
	}
	sp, _ := New(FormatTifID, Options{})
	_, _, err := sp.Split(context.Background(), path)
	var fe *domain.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FormatError", err)
	}
}

func TestTifIDGlobalParser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p6A1_5_FBXO9_PyProcessed.tif")
	tifIDFixture(t, path, "channels=1", 1)
	sp, _ := New(FormatTifID, Options{FilenameParser: "parse_ml_name"})
	global, _, err := sp.Split(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if global.Extra["plate_id"] != "p6A1" || global.Extra["protein_name"] != "FBXO9" {
		t.Errorf("extra = %v", global.Extra)
	}
}

func omeTestPage(t *testing.T, c int, z int, tm, pos int, name string, seed byte) tiff.PageData {
	t.Helper()
	mm := fmt.Sprintf(`{"ChannelIndex": %d, "Slice": %d, "FrameIndex": %d,
		"PositionIndex": %d, "Channel": %q, "exposure_ms": 50}`, c, z, tm, pos, name)
	return tiff.PageData{Plane: testPlane(t, 3, 2, seed), MicroManager: mm}
}

func TestOmeTiffSplit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acq.ome.tif")
	pages := []tiff.PageData{
		omeTestPage(t, 0, 0, 0, 0, "phase", 1),
		omeTestPage(t, 1, 0, 0, 0, "gfp", 2),
		omeTestPage(t, 0, 1, 0, 0, "phase", 3),
		omeTestPage(t, 1, 1, 0, 0, "gfp", 4),
	}
	if err := tiff.WriteFile(path, pages); err != nil {
		t.Fatal(err)
	}
	sp, err := New(FormatOmeTiff, Options{Schema: exposureSchema(t)})
	if err != nil {
		t.Fatal(err)
	}
	global, stream, err := sp.Split(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if global.FrameCount != 4 || global.Channels != 2 || global.Slices != 2 {
		t.Errorf("global = %+v", global)
	}
	if len(global.ChannelNames) != 2 || global.ChannelNames[0] != "phase" || global.ChannelNames[1] != "gfp" {
		t.Errorf("channel names = %v", global.ChannelNames)
	}
	frames, err := Collect(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 4 {
		t.Fatalf("frames = %d", len(frames))
	}
	if frames[1].Index.ChannelName != "gfp" || frames[1].Index.Channel != 1 {
		t.Errorf("frame 1 = %+v", frames[1].Index)
	}
}

func TestOmeTiffMissingMetadataTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acq.ome.tif")
	pages := []tiff.PageData{
		omeTestPage(t, 0, 0, 0, 0, "phase", 1),
		{Plane: testPlane(t, 3, 2, 9)}, // bare page
	}
	if err := tiff.WriteFile(path, pages); err != nil {
		t.Fatal(err)
	}
	sp, _ := New(FormatOmeTiff, Options{})
	_, _, err := sp.Split(context.Background(), path)
	var fe *domain.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FormatError", err)
	}
}

func TestOmeTiffPositionsFilter(t *testing.T) {
	dir := t.TempDir()
	if err := tiff.WriteFile(filepath.Join(dir, "acq_pos000.ome.tif"),
		[]tiff.PageData{omeTestPage(t, 0, 0, 0, 0, "phase", 1)}); err != nil {
		t.Fatal(err)
	}
	if err := tiff.WriteFile(filepath.Join(dir, "acq_pos001.ome.tif"),
		[]tiff.PageData{omeTestPage(t, 0, 0, 0, 1, "phase", 2)}); err != nil {
		t.Fatal(err)
	}
	sp, _ := New(FormatOmeTiff, Options{Positions: []int{1}})
	global, stream, err := sp.Split(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	frames, err := Collect(stream)
	if err != nil {
		t.Fatal(err)
	}
	if global.FrameCount != 1 || len(frames) != 1 || frames[0].Index.Pos != 1 {
		t.Errorf("global = %+v frames = %v", global, frames)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New("avi", Options{})
	var fe *domain.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FormatError", err)
	}
}
