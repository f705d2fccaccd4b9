package domain

import "slices"

// Selection restricts a dataset query along the four index axes. A nil
// slice selects the whole axis. Channels (ordinals) and ChannelNames
// (labels) are mutually exclusive ways to restrict the channel axis.
type Selection struct {
	Channels     []int
	ChannelNames []string
	Slices       []int
	Times        []int
	Positions    []int
}

// Validate rejects selections that mix channel ordinals and labels.
func (s Selection) Validate() error {
	if len(s.Channels) > 0 && len(s.ChannelNames) > 0 {
		return &FormatError{Value: "selection", Reason: "channels must be selected by ordinal or by label, not both"}
	}
	return nil
}

// All reports whether the selection places no restriction on any axis.
func (s Selection) All() bool {
	return len(s.Channels) == 0 && len(s.ChannelNames) == 0 &&
		len(s.Slices) == 0 && len(s.Times) == 0 && len(s.Positions) == 0
}

// Matches reports whether the frame index satisfies the selection
// predicate. Channel labels are compared against the index's resolved
// ChannelName.
func (s Selection) Matches(ix FrameIndex) bool {
	if len(s.Channels) > 0 && !slices.Contains(s.Channels, ix.Channel) {
		return false
	}
	if len(s.ChannelNames) > 0 && !slices.Contains(s.ChannelNames, ix.ChannelName) {
		return false
	}
	if len(s.Slices) > 0 && !slices.Contains(s.Slices, ix.Slice) {
		return false
	}
	if len(s.Times) > 0 && !slices.Contains(s.Times, ix.Time) {
		return false
	}
	if len(s.Positions) > 0 && !slices.Contains(s.Positions, ix.Pos) {
		return false
	}
	return true
}
