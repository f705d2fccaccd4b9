// Package config assembles the service's runtime configuration from
// explicit values, environment variables and an optional JSON credentials
// file. The core packages consume values only; all loading lives here.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"framestore/internal/blob"
	"framestore/internal/meta"
	memmeta "framestore/internal/meta/memory"
	"framestore/internal/meta/postgres"
	"framestore/internal/meta/sqlite"
)

// MetaDriver identifies a metadata store implementation.
type MetaDriver string

const (
	MetaMemory   MetaDriver = "memory"   // ephemeral, tests
	MetaSQLite   MetaDriver = "sqlite"   // embedded file, default
	MetaPostgres MetaDriver = "postgres" // shared server
)

// Config is the full runtime configuration.
type Config struct {
	MetaDriver  MetaDriver
	SQLitePath  string
	PostgresDSN string
	// CredentialsPath optionally points at a JSON credentials file whose
	// DSN overrides PostgresDSN.
	CredentialsPath string

	Blob blob.Config

	// Workers bounds transfer parallelism; 0 keeps the default.
	Workers int
	// Microscope is recorded on uploads when the request leaves it empty.
	Microscope string
}

// FromEnv reads configuration from the process environment:
//
//	FRAMESTORE_META_DRIVER: memory|sqlite|postgres (default sqlite)
//	FRAMESTORE_META_SQLITE_PATH: sqlite file (default framestore.db)
//	FRAMESTORE_META_POSTGRES_DSN: postgres DSN when driver=postgres
//	FRAMESTORE_DB_CREDENTIALS: path to JSON credentials file
//	FRAMESTORE_WORKERS: transfer parallelism bound
//	FRAMESTORE_MICROSCOPE: default microscope label
//	FRAMESTORE_BLOB_*: see blob.OpenFromEnv
func FromEnv() Config {
	cfg := Config{
		MetaDriver:      MetaDriver(os.Getenv("FRAMESTORE_META_DRIVER")),
		SQLitePath:      os.Getenv("FRAMESTORE_META_SQLITE_PATH"),
		PostgresDSN:     os.Getenv("FRAMESTORE_META_POSTGRES_DSN"),
		CredentialsPath: os.Getenv("FRAMESTORE_DB_CREDENTIALS"),
		Microscope:      os.Getenv("FRAMESTORE_MICROSCOPE"),
	}
	if cfg.MetaDriver == "" {
		cfg.MetaDriver = MetaSQLite
	}
	if v := os.Getenv("FRAMESTORE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	return cfg
}

// Credentials is the JSON credentials file layout for database access.
type Credentials struct {
	DriverName string `json:"drivername"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	DBName     string `json:"dbname"`
}

// DSN renders the credentials as a connection string.
func (c Credentials) DSN() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.Username, c.Password, c.Host, port, c.DBName)
}

// LoadCredentials reads a JSON credentials file.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

// OpenMetaStore opens the configured metadata store.
func (c Config) OpenMetaStore(ctx context.Context) (meta.Store, error) {
	switch c.MetaDriver {
	case MetaMemory:
		return memmeta.NewStore(), nil
	case MetaSQLite, "":
		return sqlite.NewStore(ctx, c.SQLitePath)
	case MetaPostgres:
		dsn := c.PostgresDSN
		if c.CredentialsPath != "" {
			creds, err := LoadCredentials(c.CredentialsPath)
			if err != nil {
				return nil, err
			}
			dsn = creds.DSN()
		}
		return postgres.NewStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown meta driver %q", c.MetaDriver)
	}
}

// OpenBlobStore opens the configured storage backend. A zero Blob config
// falls through to the environment.
func (c Config) OpenBlobStore(ctx context.Context) (blob.Store, error) {
	if c.Blob == (blob.Config{}) {
		return blob.OpenFromEnv(ctx)
	}
	return blob.Open(ctx, c.Blob)
}
