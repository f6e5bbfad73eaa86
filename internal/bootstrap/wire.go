package bootstrap

import (
	"github.com/rs/zerolog/log"

	"speakdrill/internal/audio"
	"speakdrill/internal/config"
	"speakdrill/internal/domain"
	"speakdrill/internal/examapi"
	"speakdrill/internal/logger"
	"speakdrill/internal/ports"
	"speakdrill/internal/recorder"
	"speakdrill/internal/session"
	"speakdrill/internal/store"
)

// SessionParams selects which exam session to build.
type SessionParams struct {
	Mode     domain.Mode
	TargetID string
	UserID   string
	ForceNew bool
}

// Services is the assembled runtime graph.
type Services struct {
	Machine *session.Machine
	Store   *store.Store
	Config  config.Config
}

// Close releases the resources held by the graph.
func (s Services) Close() error {
	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}

// Build wires all runtime dependencies for one exam session.
func Build(eventSink ports.EventSink, prompter ports.Prompter, params SessionParams) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	snapshots, err := store.Open(cfg.Storage.SnapshotDB)
	if err != nil {
		return Services{}, err
	}

	api := examapi.New(examapi.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
	}, log.Logger)

	segmentRecorder := recorder.New(
		audio.NewPlayer(cfg.Audio.PlayerCommand, cfg.Audio.ProbeCommand),
		audio.NewMicCapture(cfg.Audio.RecorderCommand),
		eventSink,
		log.Logger,
		recorder.Config{
			Capture: ports.CaptureConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			ChunkSize:   cfg.Audio.ChunkSize,
			ArtifactDir: cfg.Storage.ArtifactDir,
			// Rapid review holds each attempt for a blocking submit
			// before the recorder returns to idle.
			ReviewMode: params.Mode == domain.ModeRapidReview,
		},
	)

	machine := session.New(session.Config{
		Mode:                 params.Mode,
		TargetID:             params.TargetID,
		UserID:               params.UserID,
		Language:             cfg.Session.Language,
		ForceNew:             params.ForceNew,
		TotalDuration:        cfg.Session.TotalDuration,
		FlushInterval:        cfg.Session.FlushInterval,
		AutoRestartThreshold: cfg.Session.AutoRestartThreshold,
		RestartCountdown:     cfg.Session.RestartCountdown,
	}, session.Deps{
		API:      api,
		Store:    snapshots,
		Recorder: segmentRecorder,
		Events:   eventSink,
		Prompter: prompter,
		Log:      log.Logger,
	})

	return Services{Machine: machine, Store: snapshots, Config: cfg}, nil
}
