package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("FRAMESTORE_META_DRIVER", "")
	t.Setenv("FRAMESTORE_WORKERS", "")
	cfg := FromEnv()
	if cfg.MetaDriver != MetaSQLite {
		t.Errorf("default driver = %q", cfg.MetaDriver)
	}
	if cfg.Workers != 0 {
		t.Errorf("default workers = %d", cfg.Workers)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("FRAMESTORE_META_DRIVER", "postgres")
	t.Setenv("FRAMESTORE_META_POSTGRES_DSN", "postgres://db/frames")
	t.Setenv("FRAMESTORE_WORKERS", "8")
	cfg := FromEnv()
	if cfg.MetaDriver != MetaPostgres || cfg.PostgresDSN != "postgres://db/frames" || cfg.Workers != 8 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestCredentialsDSN(t *testing.T) {
	creds := Credentials{Username: "reader", Password: "pw", Host: "db.internal", DBName: "frames"}
	want := "postgres://reader:pw@db.internal:5432/frames"
	if got := creds.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	body := `{"drivername": "postgres", "username": "u", "password": "p",
		"host": "h", "port": 5433, "dbname": "frames"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatal(err)
	}
	if creds.Port != 5433 || creds.Username != "u" {
		t.Errorf("creds = %+v", creds)
	}
	if _, err := LoadCredentials(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("accepted missing credentials file")
	}
}

func TestOpenMetaStoreSelectsDriver(t *testing.T) {
	ctx := context.Background()
	store, err := Config{MetaDriver: MetaMemory}.OpenMetaStore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	if _, err := (Config{MetaDriver: "oracle"}).OpenMetaStore(ctx); err == nil {
		t.Error("accepted unknown driver")
	}
}
