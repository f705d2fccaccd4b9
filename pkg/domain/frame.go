package domain

import "fmt"

// FrameIndex addresses one 2D plane within a dataset. Within a dataset the
// (Slice, Channel, Time, Pos) tuple is unique. ChannelName is the optional
// label resolved against the dataset's channel list; Channel is always the
// ordinal.
type FrameIndex struct {
	Slice       int    `json:"slice_idx"`
	Channel     int    `json:"channel_idx"`
	Time        int    `json:"time_idx"`
	Pos         int    `json:"pos_idx"`
	ChannelName string `json:"channel_name,omitempty"`
}

// String renders the index in the frame file name convention.
func (ix FrameIndex) String() string {
	return fmt.Sprintf("c%03d_z%03d_t%03d_p%03d", ix.Channel, ix.Slice, ix.Time, ix.Pos)
}

// Key returns the uniqueness key for the index. Channel labels do not
// participate: they are a presentation of the ordinal.
func (ix FrameIndex) Key() [4]int {
	return [4]int{ix.Slice, ix.Channel, ix.Time, ix.Pos}
}

// FileName returns the storage file name encoding the index tuple,
// im_c###_z###_t###_p###.png.
func (ix FrameIndex) FileName() string {
	return "im_" + ix.String() + ".png"
}
