package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if len(cfg.Models.Entries) != 4 || cfg.Models.Entries[0].ID != "ggml-small-q8_0.bin" {
		t.Fatalf("unexpected default model entries: %+v", cfg.Models.Entries)
	}
	if cfg.Pipeline.CancelTimeoutMS != 3000 {
		t.Fatalf("expected default cancel timeout 3000, got %d", cfg.Pipeline.CancelTimeoutMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("SCRIBE_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("SCRIBE_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("SCRIBE_ENGINE_LANGUAGE", "en")
	t.Setenv("SCRIBE_ARTIFACTS_CLEANUP_ON_DISCARD", "true")
	t.Setenv("SCRIBE_PIPELINE_CANCEL_TIMEOUT_MS", "750")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Engine.Language != "en" {
		t.Fatalf("expected engine language override, got %q", cfg.Engine.Language)
	}
	if !cfg.Artifacts.CleanupOnDiscard {
		t.Fatalf("expected cleanup on discard override")
	}
	if cfg.Pipeline.CancelTimeoutMS != 750 {
		t.Fatalf("expected cancel timeout override, got %d", cfg.Pipeline.CancelTimeoutMS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	yaml := `runtime_name: test-scribe
engine:
  mode: exec
  command: "whisper-cli --json"
models:
  default: tiny
  entries:
    - id: tiny
      path: /models/tiny.bin
    - id: base
      path: /models/base.bin
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-scribe" {
		t.Fatalf("unexpected runtime name %q", cfg.RuntimeName)
	}
	if cfg.Engine.Command != "whisper-cli --json" {
		t.Fatalf("unexpected engine command %q", cfg.Engine.Command)
	}
	if len(cfg.Models.Entries) != 2 || cfg.Models.Entries[1].ID != "base" {
		t.Fatalf("expected entries to keep declaration order, got %+v", cfg.Models.Entries)
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("SCRIBE_ENGINE_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec engine without command")
	}
}

func TestValidateRejectsUnknownDefaultModel(t *testing.T) {
	t.Setenv("SCRIBE_MODELS_DEFAULT", "ggml-large.bin")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for undeclared default model")
	}
}

func TestValidateRejectsDuplicateModelIDs(t *testing.T) {
	cfg := Default()
	cfg.Models.Entries = append(cfg.Models.Entries, ModelEntry{ID: "ggml-tiny.bin"})
	if err := validate(cfg); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestValidateRawExtension(t *testing.T) {
	for ext, ok := range map[string]bool{"wav": true, ".flac": true, "FLAC": true, "m4a": false, "": false} {
		cfg := Default()
		cfg.Artifacts.RawExtension = ext
		if err := validate(cfg); (err == nil) != ok {
			t.Fatalf("raw_extension %q: valid=%v, err=%v", ext, ok, err)
		}
	}
}
