package blob

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Config selects and parameterizes a storage driver.
type Config struct {
	Driver Driver
	// Root is the filesystem root for DriverFilesystem.
	Root string
	// S3 holds parameters for DriverS3.
	S3 S3Config
}

// Open constructs a Store from Config. An empty driver defaults to the
// filesystem implementation.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverFilesystem, "":
		return NewFilesystem(cfg.Root)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("blob: unknown driver %q", cfg.Driver)
	}
}

// OpenFromEnv constructs a Store from process environment:
//
//	FRAMESTORE_BLOB_DRIVER=fs|s3|memory (default fs)
//	FRAMESTORE_BLOB_FS_ROOT=<dir> (fs driver, default ./blobdata)
//	FRAMESTORE_BLOB_S3_*        (s3 driver, see OpenS3FromEnv)
func OpenFromEnv(ctx context.Context) (Store, error) {
	driver := Driver(strings.ToLower(strings.TrimSpace(os.Getenv("FRAMESTORE_BLOB_DRIVER"))))
	switch driver {
	case DriverFilesystem, "":
		return NewFilesystem(os.Getenv("FRAMESTORE_BLOB_FS_ROOT"))
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("blob: unknown FRAMESTORE_BLOB_DRIVER %q", driver)
	}
}
