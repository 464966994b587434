package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("PRIORITYQ_BACKEND", "Postgres")
	t.Setenv("PRIORITYQ_POSTGRES_DSN", "postgres://localhost/q?sslmode=disable")
	t.Setenv("PRIORITYQ_RETENTION", "1s")
	t.Setenv("PRIORITYQ_WORKERS", "4")
	t.Setenv("PRIORITYQ_COLLECTION", "jobs")

	cfg := Default()
	if err := cfg.FromEnv(); err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Backend != BackendPostgres {
		t.Fatalf("backend = %q", cfg.Backend)
	}
	if cfg.Retention != time.Second {
		t.Fatalf("retention = %s", cfg.Retention)
	}
	if cfg.Workers != 4 || cfg.Collection != "jobs" {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("PRIORITYQ_WORKERS", "many")
	if err := Default().FromEnv(); err == nil {
		t.Fatalf("expected error for bad int")
	}
	t.Setenv("PRIORITYQ_WORKERS", "")
	t.Setenv("PRIORITYQ_REAPER_INTERVAL", "soon")
	if err := Default().FromEnv(); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func TestValidateBackendRequirements(t *testing.T) {
	cases := map[string]func(*Config){
		"redis without addr":   func(c *Config) { c.Backend = BackendRedis },
		"mongo without uri":    func(c *Config) { c.Backend = BackendMongo },
		"postgres without dsn": func(c *Config) { c.Backend = BackendPostgres },
		"unknown backend":      func(c *Config) { c.Backend = "etcd" },
		"zero retention":       func(c *Config) { c.Retention = 0 },
		"empty collection":     func(c *Config) { c.Collection = "" },
		"negative workers":     func(c *Config) { c.Workers = -1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("PRIORITYQ_DATABASE=fromfile\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	// godotenv never overrides variables that are already set
	t.Setenv("PRIORITYQ_DATABASE", "")
	os.Unsetenv("PRIORITYQ_DATABASE")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database != "fromfile" {
		t.Fatalf("database = %q", cfg.Database)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}
