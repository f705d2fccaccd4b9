package domain

// UploadType distinguishes datasets stored as one opaque file from datasets
// split into individually addressable frames.
type UploadType string

const (
	// UploadFile stores the source file as-is.
	UploadFile UploadType = "file"
	// UploadFrames splits the source into 2D frames plus metadata.
	UploadFrames UploadType = "frames"
)

// GlobalMetadata is the dataset-wide header produced once per dataset by a
// splitter: axis sizes, frame shape and dtype, plus unstructured acquisition
// parameters.
type GlobalMetadata struct {
	StorageDir   string         `json:"storage_dir"`
	FrameCount   int            `json:"nbr_frames"`
	Height       int            `json:"im_height"`
	Width        int            `json:"im_width"`
	Slices       int            `json:"nbr_slices"`
	Channels     int            `json:"nbr_channels"`
	Timepoints   int            `json:"nbr_timepoints"`
	Positions    int            `json:"nbr_positions"`
	Colors       int            `json:"im_colors"`
	DType        string         `json:"bit_depth"`
	ChannelNames []string       `json:"channel_names,omitempty"`
	Extra        map[string]any `json:"metadata_json,omitempty"`
}

// Validate checks that all required global metadata values are present.
func (g GlobalMetadata) Validate() error {
	checks := []struct {
		name string
		ok   bool
	}{
		{"storage_dir", g.StorageDir != ""},
		{"nbr_frames", g.FrameCount > 0},
		{"im_height", g.Height > 0},
		{"im_width", g.Width > 0},
		{"nbr_slices", g.Slices > 0},
		{"nbr_channels", g.Channels > 0},
		{"nbr_timepoints", g.Timepoints > 0},
		{"nbr_positions", g.Positions > 0},
		{"im_colors", g.Colors > 0},
		{"bit_depth", g.DType != ""},
	}
	for _, c := range checks {
		if !c.ok {
			return &FormatError{Value: c.name, Reason: "required global metadata value missing"}
		}
	}
	return nil
}

// FrameRecord describes one stored frame. Records are immutable once
// committed; corruption is detected by hash mismatch, not repaired.
type FrameRecord struct {
	DatasetID   DatasetID      `json:"dataset_id"`
	Index       FrameIndex     `json:"index"`
	StoragePath string         `json:"storage_path"`
	SHA256      string         `json:"sha256"`
	Height      int            `json:"height"`
	Width       int            `json:"width"`
	DType       string         `json:"dtype"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// DatasetRecord describes one dataset. ParentID is a non-owning
// cross-reference; deleting the parent does not cascade.
type DatasetRecord struct {
	ID          DatasetID      `json:"id"`
	Description string         `json:"description"`
	Microscope  string         `json:"microscope,omitempty"`
	ParentID    *DatasetID     `json:"parent_id,omitempty"`
	UploadType  UploadType     `json:"upload_type"`
	FrameCount  int            `json:"frame_count"`
	FileName    string         `json:"file_name,omitempty"`
	SHA256      string         `json:"sha256,omitempty"`
	Global      GlobalMetadata `json:"global,omitempty"`
}
