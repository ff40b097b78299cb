package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pgdog.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeTemp(t, `
general:
  port: 6432
databases:
  - name: main
    role: primary
    host: 127.0.0.1
    port: 5432
    database: app
    shard: 0
    user: app
    password: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Databases) != 1 {
		t.Fatalf("expected 1 database, got %d", len(cfg.Databases))
	}
	if cfg.Databases[0].DatabaseNumber != 0 {
		t.Errorf("DatabaseNumber = %d, want 0", cfg.Databases[0].DatabaseNumber)
	}
	if cfg.General.PoolerMode != "transaction" {
		t.Errorf("default PoolerMode = %q, want transaction", cfg.General.PoolerMode)
	}
}

func TestLoad_NoDatabases(t *testing.T) {
	path := writeTemp(t, `
general:
  port: 6432
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing databases")
	}
}

func TestLoad_UnknownTopLevelKey(t *testing.T) {
	path := writeTemp(t, `
general:
  port: 6432
bogus:
  foo: bar
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestLoad_UnknownSectionKey(t *testing.T) {
	path := writeTemp(t, `
general:
  port: 6432
  bogus_field: 1
databases:
  - name: main
    role: primary
    host: 127.0.0.1
    port: 5432
    database: app
    shard: 0
    user: app
    password: secret
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown general key")
	}
}

func TestLoad_PasswordEnvExpansion(t *testing.T) {
	t.Setenv("PGDOG_TEST_PASSWORD", "from-env")
	path := writeTemp(t, `
general:
  port: 6432
databases:
  - name: main
    role: primary
    host: 127.0.0.1
    port: 5432
    database: app
    shard: 0
    user: app
    password: ${PGDOG_TEST_PASSWORD}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Databases[0].Password != "from-env" {
		t.Errorf("Password = %q, want from-env", cfg.Databases[0].Password)
	}
}
