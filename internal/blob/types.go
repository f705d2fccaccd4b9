// Package blob provides the storage backend capability used by the
// transfer manager: byte-addressed put/get/exists over interchangeable
// implementations (local filesystem, S3-compatible object store, and an
// in-memory driver for tests).
package blob

import (
	"context"
	"errors"
	"time"
)

// Driver identifies a concrete storage backend implementation.
type Driver string

const (
	// DriverFilesystem is the local filesystem implementation rooted at a
	// mount point.
	DriverFilesystem Driver = "fs"
	// DriverS3 is an S3 / MinIO compatible implementation.
	DriverS3 Driver = "s3"
	// DriverMemory is the in-memory implementation used in tests.
	DriverMemory Driver = "memory"
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string
}

// Info describes a stored object.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the storage backend contract. Put is create-only: datasets are
// written once and immutable, so overwriting an existing key is an error.
// Implementations are safe for concurrent use by multiple transfer tasks.
type Store interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// ErrExists is wrapped by Put when the key is already present.
var ErrExists = errors.New("blob: key already exists")

// ErrNotFound is wrapped by Get when the key is absent.
var ErrNotFound = errors.New("blob: key not found")
