package domain

import "fmt"

// FormatError indicates a malformed identifier or unreadable source
// structure.
type FormatError struct {
	Value  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid format %q: %s", e.Value, e.Reason)
}

// SchemaError indicates that frame metadata failed the required-field check.
// Frame is the ordinal of the first offending frame within the split.
type SchemaError struct {
	Frame  int
	Index  FrameIndex
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("frame %d (%s): metadata field %q %s", e.Frame, e.Index, e.Field, e.Reason)
}

// IntegrityError indicates a content hash mismatch on download. A mismatch
// means storage corruption or a race and is reported, never retried with
// the same bytes.
type IntegrityError struct {
	Path string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: want sha256 %s, got %s", e.Path, e.Want, e.Got)
}

// TransferError indicates a storage backend I/O failure for a single item.
type TransferError struct {
	Op   string // "put" or "get"
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// DuplicateError indicates that a dataset identifier already exists.
type DuplicateError struct {
	ID DatasetID
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("dataset %s already exists", e.ID)
}

// NotFoundError indicates that no records exist for a dataset identifier.
// Distinct from a selection matching nothing, which is not an error.
type NotFoundError struct {
	ID DatasetID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("dataset %s not found", e.ID)
}
