// Package domain defines the core value types of the frame store: dataset
// identifiers, frame index tuples, persistent records, axis selections, and
// the error taxonomy shared by all components.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// idTimeLayout is the timestamp portion of the canonical identifier string.
const idTimeLayout = "2006-01-02-15-04-05"

// DatasetID identifies one acquisition. The canonical string form is
// <PROJECT>-YYYY-MM-DD-HH-MM-SS-SSSS where PROJECT is a 2-3 letter project
// code and SSSS a 4 digit serial. Identifiers are immutable once created.
type DatasetID struct {
	Project string
	Time    time.Time
	Serial  int
}

// ParseDatasetID parses and validates the canonical identifier form.
func ParseDatasetID(s string) (DatasetID, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 8 {
		return DatasetID{}, &FormatError{Value: s, Reason: "identifier must have format <PROJECT>-YYYY-MM-DD-HH-MM-SS-SSSS"}
	}
	project := parts[0]
	if len(project) < 2 || len(project) > 3 {
		return DatasetID{}, &FormatError{Value: s, Reason: "project code must be 2-3 letters"}
	}
	for _, r := range project {
		if r < 'A' || r > 'Z' {
			return DatasetID{}, &FormatError{Value: s, Reason: "project code must be uppercase letters"}
		}
	}
	ts, err := time.Parse(idTimeLayout, strings.Join(parts[1:7], "-"))
	if err != nil {
		return DatasetID{}, &FormatError{Value: s, Reason: "invalid timestamp: " + err.Error()}
	}
	if len(parts[7]) != 4 {
		return DatasetID{}, &FormatError{Value: s, Reason: "serial must be 4 digits"}
	}
	serial, err := strconv.Atoi(parts[7])
	if err != nil || serial < 0 {
		return DatasetID{}, &FormatError{Value: s, Reason: "serial must be 4 digits"}
	}
	return DatasetID{Project: project, Time: ts, Serial: serial}, nil
}

// String renders the canonical identifier form. Parse followed by String
// round-trips exactly.
func (id DatasetID) String() string {
	return fmt.Sprintf("%s-%s-%04d", id.Project, id.Time.Format(idTimeLayout), id.Serial)
}

// IsZero reports whether the identifier is unset.
func (id DatasetID) IsZero() bool {
	return id.Project == "" && id.Time.IsZero() && id.Serial == 0
}

// FrameDir returns the storage prefix for split frames of this dataset.
func (id DatasetID) FrameDir() string {
	return "raw_frames/" + id.String()
}

// FileDir returns the storage prefix for whole-file uploads of this dataset.
func (id DatasetID) FileDir() string {
	return "raw_files/" + id.String()
}

// ValidateUnique fails with a DuplicateError when id is already present in
// existing. Pure helper used before any storage or database write.
func ValidateUnique(id DatasetID, existing []DatasetID) error {
	for _, e := range existing {
		if e.String() == id.String() {
			return &DuplicateError{ID: id}
		}
	}
	return nil
}
