package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.API.BaseURL != "http://localhost:8080" {
		t.Fatalf("unexpected base url %q", cfg.API.BaseURL)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 {
		t.Fatalf("unexpected audio defaults %+v", cfg.Audio)
	}
	if cfg.Session.TotalDuration != 20*time.Minute {
		t.Fatalf("unexpected total duration %v", cfg.Session.TotalDuration)
	}
	if cfg.Session.AutoRestartThreshold != 30 {
		t.Fatalf("unexpected restart threshold %d", cfg.Session.AutoRestartThreshold)
	}
	if cfg.Storage.SnapshotDB != filepath.Join(cfg.Storage.DataDir, "speakdrill.db") {
		t.Fatalf("snapshot db %q not under data dir %q", cfg.Storage.SnapshotDB, cfg.Storage.DataDir)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	dir := filepath.Join(configDir, "speakdrill")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	file := []byte(`
[api]
base-url = "https://exam.example.net"

[session]
language = "nl"
total-duration-seconds = 900

[log]
level = "debug"
`)
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), file, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.API.BaseURL != "https://exam.example.net" {
		t.Fatalf("file base url not applied, got %q", cfg.API.BaseURL)
	}
	if cfg.Session.Language != "nl" {
		t.Fatalf("file language not applied, got %q", cfg.Session.Language)
	}
	if cfg.Session.TotalDuration != 15*time.Minute {
		t.Fatalf("file duration not applied, got %v", cfg.Session.TotalDuration)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("file log level not applied, got %q", cfg.Log.Level)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	dir := filepath.Join(configDir, "speakdrill")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[api]\nbase-url = \"https://from-file\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SPEAKDRILL_API_BASE", "https://from-env")
	t.Setenv("SPEAKDRILL_SAMPLE_RATE", "48000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.API.BaseURL != "https://from-env" {
		t.Fatalf("env should win over file, got %q", cfg.API.BaseURL)
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Fatalf("env sample rate not applied, got %d", cfg.Audio.SampleRate)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("SPEAKDRILL_SAMPLE_RATE", "not-a-number")
	t.Setenv("SPEAKDRILL_AUDIO_CHUNK_SIZE", "-5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("invalid sample rate should fall back, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.ChunkSize != 4096 {
		t.Fatalf("invalid chunk size should fall back, got %d", cfg.Audio.ChunkSize)
	}
}

func TestExplicitDataDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dataDir := t.TempDir()
	t.Setenv("SPEAKDRILL_DATA_DIR", dataDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.DataDir != dataDir {
		t.Fatalf("explicit data dir not applied, got %q", cfg.Storage.DataDir)
	}
	if cfg.Storage.ArtifactDir != filepath.Join(dataDir, "recordings") {
		t.Fatalf("artifact dir not derived, got %q", cfg.Storage.ArtifactDir)
	}
}
