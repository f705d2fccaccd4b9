// Package sqlite provides the SQLite-backed meta.Store used for
// single-node deployments and tests. The driver is pure Go, so no cgo
// toolchain is required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"framestore/internal/meta"
	"framestore/internal/meta/sqlstore"
)

var _ meta.Store = (*Store)(nil)

// Store is the SQLite-backed metadata store.
type Store struct {
	*sqlstore.Store
	path string
}

// NewStore opens (or creates) the database at path and applies the schema.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "framestore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent inserts.
	db.SetMaxOpenConns(1)
	if err := sqlstore.ApplySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: sqlstore.New(db, sqlstore.DialectSQLite), path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }
