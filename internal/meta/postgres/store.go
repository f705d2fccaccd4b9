// Package postgres provides the Postgres-backed meta.Store for shared
// deployments where multiple uploaders write to one catalog.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"framestore/internal/meta"
	"framestore/internal/meta/sqlstore"
)

var _ meta.Store = (*Store)(nil)

const defaultDSN = "postgres://localhost/framestore?sslmode=disable"

// Store is the Postgres-backed metadata store.
type Store struct {
	*sqlstore.Store
}

// NewStore connects with the provided DSN (falling back to a local
// default), verifies the connection, and applies the schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := sqlstore.ApplySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: sqlstore.New(db, sqlstore.DialectPostgres)}, nil
}

// NewStoreFromEnv connects using FRAMESTORE_META_POSTGRES_DSN.
func NewStoreFromEnv(ctx context.Context) (*Store, error) {
	return NewStore(ctx, os.Getenv("FRAMESTORE_META_POSTGRES_DSN"))
}
