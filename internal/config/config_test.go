package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.AR.Backend != "native" {
		t.Errorf("AR.Backend = %q, want native", cfg.AR.Backend)
	}
	if cfg.AR.TimeoutMs != 10000 {
		t.Errorf("AR.TimeoutMs = %d, want 10000", cfg.AR.TimeoutMs)
	}
	if cfg.Tasks.MaxConcurrent != 2 {
		t.Errorf("Tasks.MaxConcurrent = %d, want 2", cfg.Tasks.MaxConcurrent)
	}
	if cfg.Tasks.CleanupOnSuccess != "keep" || cfg.Tasks.CleanupOnFailure != "keep" {
		t.Errorf("unexpected cleanup defaults: %+v", cfg.Tasks)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 7420 {
		t.Errorf("unexpected server defaults: %+v", cfg.Server)
	}
	if !cfg.MCP.Enabled || cfg.MCP.Port != 7421 {
		t.Errorf("unexpected mcp defaults: %+v", cfg.MCP)
	}
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	t.Setenv("TASKFORGE_SERVER_PORT", "9000")
	t.Setenv("TASKFORGE_MCP_ENABLED", "false")
	t.Setenv("AR_HOSTNAME", "ar.internal")
	t.Setenv("TASK_MAX_CONCURRENT", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.MCP.Enabled {
		t.Error("expected MCP.Enabled = false from TASKFORGE_MCP_ENABLED")
	}
	if cfg.AR.Hostname != "ar.internal" {
		t.Errorf("AR.Hostname = %q, want ar.internal", cfg.AR.Hostname)
	}
	if cfg.Tasks.MaxConcurrent != 5 {
		t.Errorf("Tasks.MaxConcurrent = %d, want 5", cfg.Tasks.MaxConcurrent)
	}
}

func TestLoadRejectsInvalidBackend(t *testing.T) {
	t.Setenv("TASKFORGE_AR_BACKEND", "not-a-real-backend")
	if _, err := Load(); err == nil {
		t.Error("expected validation error for invalid ar.backend")
	}
}

func TestLoadRejectsInvalidCleanupPolicy(t *testing.T) {
	t.Setenv("TASK_CLEANUP_ON_SUCCESS", "destroy-everything")
	if _, err := Load(); err == nil {
		t.Error("expected validation error for invalid cleanup policy")
	}
}

func TestLoadRejectsNonAbsoluteAllowedRoot(t *testing.T) {
	t.Setenv("ALLOWED_PROJECT_PATHS", "relative/path")
	if _, err := Load(); err == nil {
		t.Error("expected validation error for non-absolute allowed root")
	}
}

func TestLoadParsesAllowedProjectPaths(t *testing.T) {
	sep := string(os.PathListSeparator)
	t.Setenv("ALLOWED_PROJECT_PATHS", "/tmp/a"+sep+"/tmp/b"+sep+"/tmp/a")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Projects.AllowedRootDirectories) != 2 {
		t.Fatalf("expected 2 deduplicated roots, got %v", cfg.Projects.AllowedRootDirectories)
	}
}

func TestParsePositiveInt(t *testing.T) {
	if n, err := ParsePositiveInt("42"); err != nil || n != 42 {
		t.Errorf("ParsePositiveInt(42) = %d, %v", n, err)
	}
	if _, err := ParsePositiveInt("not-a-number"); err == nil {
		t.Error("expected error for non-numeric input")
	}
	if _, err := ParsePositiveInt("-1"); err == nil {
		t.Error("expected error for non-positive input")
	}
	if _, err := ParsePositiveInt("0"); err == nil {
		t.Error("expected error for zero input")
	}
}
