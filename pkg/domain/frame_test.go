package domain

import "testing"

func TestFrameIndexFileName(t *testing.T) {
	ix := FrameIndex{Slice: 5, Channel: 1, Time: 12, Pos: 3}
	if got := ix.FileName(); got != "im_c001_z005_t012_p003.png" {
		t.Errorf("file name = %s", got)
	}
}

func TestFrameIndexKeyIgnoresChannelName(t *testing.T) {
	a := FrameIndex{Slice: 1, Channel: 2, Time: 3, Pos: 4, ChannelName: "Cy3"}
	b := FrameIndex{Slice: 1, Channel: 2, Time: 3, Pos: 4}
	if a.Key() != b.Key() {
		t.Error("keys should match regardless of channel label")
	}
}

func TestGlobalMetadataValidate(t *testing.T) {
	g := GlobalMetadata{
		StorageDir: "raw_frames/ML-2020-03-01-10-00-00-0007",
		FrameCount: 6, Height: 4, Width: 4,
		Slices: 3, Channels: 2, Timepoints: 1, Positions: 1,
		Colors: 1, DType: "uint16",
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}
	g.DType = ""
	if err := g.Validate(); err == nil {
		t.Fatal("missing bit depth accepted")
	}
}

func TestSelectionMatches(t *testing.T) {
	sel := Selection{Channels: []int{1}, Times: []int{0, 2}}
	match := FrameIndex{Channel: 1, Time: 2, Slice: 9, Pos: 9}
	if !sel.Matches(match) {
		t.Error("expected match")
	}
	for _, ix := range []FrameIndex{
		{Channel: 0, Time: 0},
		{Channel: 1, Time: 1},
	} {
		if sel.Matches(ix) {
			t.Errorf("unexpected match for %s", ix)
		}
	}
}

func TestSelectionByChannelName(t *testing.T) {
	sel := Selection{ChannelNames: []string{"GFP"}}
	if !sel.Matches(FrameIndex{Channel: 1, ChannelName: "GFP"}) {
		t.Error("expected label match")
	}
	if sel.Matches(FrameIndex{Channel: 1, ChannelName: "DAPI"}) {
		t.Error("unexpected label match")
	}
}

func TestSelectionValidateRejectsMixedChannels(t *testing.T) {
	sel := Selection{Channels: []int{0}, ChannelNames: []string{"GFP"}}
	if err := sel.Validate(); err == nil {
		t.Fatal("mixed channel selectors accepted")
	}
	if !(Selection{}).All() {
		t.Error("empty selection should select everything")
	}
}
