package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[cache]
disable = true
validate = true
per-compilation-capacity = 64

[session]
idle-timeout = "10m"
sweep-interval = "30s"

[client]
listen = "127.0.0.1:9000"

[log]
verbosity = 2
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !c.Cache.Disable || !c.Cache.Validate {
		t.Errorf("cache = %+v, want disable and validate", c.Cache)
	}
	if c.Cache.PerCompilationCapacity != 64 {
		t.Errorf("per-compilation-capacity = %d, want 64", c.Cache.PerCompilationCapacity)
	}
	if c.Session.IdleTimeout.Duration != 10*time.Minute {
		t.Errorf("idle-timeout = %v, want 10m", c.Session.IdleTimeout)
	}
	if c.Session.SweepInterval.Duration != 30*time.Second {
		t.Errorf("sweep-interval = %v, want 30s", c.Session.SweepInterval)
	}
	if c.Client.Listen != "127.0.0.1:9000" {
		t.Errorf("client listen = %q", c.Client.Listen)
	}
	if c.Server.Listen != ":7461" {
		t.Errorf("server listen = %q, want default :7461", c.Server.Listen)
	}
	if c.Log.Verbosity != 2 {
		t.Errorf("verbosity = %d, want 2", c.Log.Verbosity)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[cache]\n")

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Cache.Disable || c.Cache.Validate {
		t.Errorf("cache = %+v, want caching on without validation", c.Cache)
	}
	if c.Cache.PerCompilationCapacity != 4096 {
		t.Errorf("per-compilation-capacity = %d, want 4096", c.Cache.PerCompilationCapacity)
	}
	if c.Session.IdleTimeout.Duration != 30*time.Minute || c.Session.SweepInterval.Duration != 5*time.Minute {
		t.Errorf("session = %+v", c.Session)
	}
	if c.Client.Listen != ":7460" {
		t.Errorf("client listen = %q, want :7460", c.Client.Listen)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[cache]\ndisabled = true\n")

	if _, err := Load(dir); err == nil {
		t.Error("Load accepted a misspelled key")
	}
}

func TestLoadConfigBadDuration(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[session]\nidle-timeout = \"soon\"\n")

	if _, err := Load(dir); err == nil {
		t.Error("Load accepted an invalid duration")
	}
}

func TestFindAndLoadWalksUp(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[cache]\nper-compilation-capacity = 8\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c.Cache.PerCompilationCapacity != 8 {
		t.Errorf("per-compilation-capacity = %d, want 8", c.Cache.PerCompilationCapacity)
	}
	if c.Path != filepath.Join(root, FileName) {
		t.Errorf("Path = %q", c.Path)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDisableCaching, "1")
	t.Setenv(EnvValidate, "yes")

	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if !c.Cache.Disable || !c.Cache.Validate {
		t.Errorf("cache = %+v, want both overrides applied", c.Cache)
	}
}
