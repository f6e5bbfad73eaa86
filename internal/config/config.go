// Package config resolves runtime configuration from defaults, an
// optional TOML file under the XDG config dir, and environment variables,
// in increasing order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config stores runtime configuration for the practice engine.
type Config struct {
	API     APIConfig
	Audio   AudioConfig
	Session SessionConfig
	Storage StorageConfig
	Log     LogConfig
}

type APIConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type AudioConfig struct {
	RecorderCommand string
	PlayerCommand   string
	ProbeCommand    string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
	ChunkSize       int
}

type SessionConfig struct {
	Language             string
	TotalDuration        time.Duration
	FlushInterval        time.Duration
	AutoRestartThreshold int
	RestartCountdown     time.Duration
}

type StorageConfig struct {
	DataDir     string
	SnapshotDB  string
	ArtifactDir string
}

type LogConfig struct {
	Level  string
	Format string
}

// fileConfig maps the optional TOML config file. Pointer fields
// distinguish "absent" from zero values.
type fileConfig struct {
	API struct {
		BaseURL *string `toml:"base-url"`
		Token   *string `toml:"token"`
	} `toml:"api"`
	Audio struct {
		InputFormat *string `toml:"input-format"`
		InputDevice *string `toml:"input-device"`
		SampleRate  *int    `toml:"sample-rate"`
		Channels    *int    `toml:"channels"`
	} `toml:"audio"`
	Session struct {
		Language             *string `toml:"language"`
		TotalDurationSeconds *int    `toml:"total-duration-seconds"`
	} `toml:"session"`
	Log struct {
		Level  *string `toml:"level"`
		Format *string `toml:"format"`
	} `toml:"log"`
}

// Load resolves configuration. It loads a .env file if present but does
// not fail when it is missing.
func Load() (Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			PlayerCommand:   "ffplay",
			ProbeCommand:    "ffprobe",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			ChunkSize:       4096,
		},
		Session: SessionConfig{
			Language:             "en",
			TotalDuration:        20 * time.Minute,
			FlushInterval:        10 * time.Second,
			AutoRestartThreshold: 30,
			RestartCountdown:     5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "pretty",
		},
	}

	if err := applyFile(&cfg, configFilePath()); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	applyStorageDefaults(&cfg)
	normalize(&cfg)

	return cfg, nil
}

func configFilePath() string {
	if p := strings.TrimSpace(os.Getenv("SPEAKDRILL_CONFIG")); p != "" {
		return p
	}
	return filepath.Join(xdgConfigHome(), "speakdrill", "config.toml")
}

// applyFile overlays the TOML config file. A missing file is not an error.
func applyFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var file fileConfig
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return err
	}

	if file.API.BaseURL != nil {
		cfg.API.BaseURL = *file.API.BaseURL
	}
	if file.API.Token != nil {
		cfg.API.Token = *file.API.Token
	}
	if file.Audio.InputFormat != nil {
		cfg.Audio.InputFormat = *file.Audio.InputFormat
	}
	if file.Audio.InputDevice != nil {
		cfg.Audio.InputDevice = *file.Audio.InputDevice
	}
	if file.Audio.SampleRate != nil {
		cfg.Audio.SampleRate = *file.Audio.SampleRate
	}
	if file.Audio.Channels != nil {
		cfg.Audio.Channels = *file.Audio.Channels
	}
	if file.Session.Language != nil {
		cfg.Session.Language = *file.Session.Language
	}
	if file.Session.TotalDurationSeconds != nil {
		cfg.Session.TotalDuration = time.Duration(*file.Session.TotalDurationSeconds) * time.Second
	}
	if file.Log.Level != nil {
		cfg.Log.Level = *file.Log.Level
	}
	if file.Log.Format != nil {
		cfg.Log.Format = *file.Log.Format
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.API.BaseURL = envOrDefault("SPEAKDRILL_API_BASE", cfg.API.BaseURL)
	cfg.API.Token = envOrDefault("SPEAKDRILL_API_TOKEN", cfg.API.Token)
	cfg.API.Timeout = time.Duration(envOrDefaultInt("SPEAKDRILL_API_TIMEOUT_SECONDS", int(cfg.API.Timeout/time.Second))) * time.Second

	cfg.Audio.RecorderCommand = envOrDefault("SPEAKDRILL_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.PlayerCommand = envOrDefault("SPEAKDRILL_FFPLAY_COMMAND", cfg.Audio.PlayerCommand)
	cfg.Audio.ProbeCommand = envOrDefault("SPEAKDRILL_FFPROBE_COMMAND", cfg.Audio.ProbeCommand)
	cfg.Audio.InputFormat = envOrDefault("SPEAKDRILL_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = envOrDefault("SPEAKDRILL_AUDIO_INPUT_DEVICE", cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = envOrDefaultInt("SPEAKDRILL_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("SPEAKDRILL_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.ChunkSize = envOrDefaultInt("SPEAKDRILL_AUDIO_CHUNK_SIZE", cfg.Audio.ChunkSize)

	cfg.Session.Language = envOrDefault("SPEAKDRILL_LANGUAGE", cfg.Session.Language)
	cfg.Session.TotalDuration = time.Duration(envOrDefaultInt("SPEAKDRILL_TOTAL_DURATION_SECONDS", int(cfg.Session.TotalDuration/time.Second))) * time.Second
	cfg.Session.FlushInterval = time.Duration(envOrDefaultInt("SPEAKDRILL_FLUSH_INTERVAL_SECONDS", int(cfg.Session.FlushInterval/time.Second))) * time.Second
	cfg.Session.AutoRestartThreshold = envOrDefaultInt("SPEAKDRILL_RESTART_THRESHOLD_SECONDS", cfg.Session.AutoRestartThreshold)
	cfg.Session.RestartCountdown = time.Duration(envOrDefaultInt("SPEAKDRILL_RESTART_COUNTDOWN_SECONDS", int(cfg.Session.RestartCountdown/time.Second))) * time.Second

	cfg.Storage.DataDir = envOrDefault("SPEAKDRILL_DATA_DIR", cfg.Storage.DataDir)

	cfg.Log.Level = envOrDefault("SPEAKDRILL_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOrDefault("SPEAKDRILL_LOG_FORMAT", cfg.Log.Format)
}

func applyStorageDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = filepath.Join(xdgDataHome(), "speakdrill")
	}
	cfg.Storage.SnapshotDB = filepath.Join(cfg.Storage.DataDir, "speakdrill.db")
	cfg.Storage.ArtifactDir = filepath.Join(cfg.Storage.DataDir, "recordings")
}

func normalize(cfg *Config) {
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.ChunkSize < 256 {
		cfg.Audio.ChunkSize = 4096
	}
	if cfg.API.Timeout <= 0 {
		cfg.API.Timeout = 30 * time.Second
	}
	if cfg.Session.TotalDuration <= 0 {
		cfg.Session.TotalDuration = 20 * time.Minute
	}
	if cfg.Session.FlushInterval < time.Second {
		cfg.Session.FlushInterval = 10 * time.Second
	}
	if cfg.Session.AutoRestartThreshold < 0 {
		cfg.Session.AutoRestartThreshold = 30
	}
}

func xdgConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, ".config")
}

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, ".local", "share")
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
