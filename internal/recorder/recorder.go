package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speakdrill/internal/domain"
	"speakdrill/internal/ports"
)

var (
	ErrRecorderBusy   = errors.New("recorder is not idle")
	ErrNotRecording   = errors.New("no recording in progress")
	ErrNoPending      = errors.New("no completed recording pending")
	ErrEmptyRecording = errors.New("no audio captured")
	ErrCancelled      = errors.New("recording attempt cancelled")
)

// Config controls capture parameters and artifact placement.
type Config struct {
	Capture     ports.CaptureConfig
	ChunkSize   int
	ArtifactDir string
	// ReviewMode holds a finished recording in recording_completed until
	// the caller commits or discards it, instead of returning to idle.
	ReviewMode bool
}

// Recorder manages the per-segment capture lifecycle: play reference audio,
// auto-start microphone capture on its end, finalize a WAV artifact on stop.
// Only one attempt owns the microphone at a time.
type Recorder struct {
	player  ports.MediaPlayer
	capture ports.AudioCapture
	events  ports.EventSink
	log     zerolog.Logger
	cfg     Config

	mu      sync.Mutex
	state   domain.RecorderState
	active  *attempt
	pending string // artifact path awaiting commit/discard in review mode
}

type attempt struct {
	segment  domain.Segment
	playback ports.PlaybackSession
	capture  ports.CaptureSession
	buf      *captureBuffer
	meter    *levelMeter

	progressDone chan struct{}
	pumpDone     chan struct{}
}

func New(player ports.MediaPlayer, capture ports.AudioCapture, events ports.EventSink, log zerolog.Logger, cfg Config) *Recorder {
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	if cfg.Capture.SampleRate <= 0 {
		cfg.Capture.SampleRate = 16000
	}
	if cfg.Capture.Channels <= 0 {
		cfg.Capture.Channels = 1
	}
	return &Recorder{
		player:  player,
		capture: capture,
		events:  events,
		log:     log,
		cfg:     cfg,
		state:   domain.RecorderStateIdle,
	}
}

// PlayReferenceAndRecord plays the segment's reference audio and, when it
// ends, starts microphone capture. The exam format requires the user to
// speak immediately after the reference, so there is no pause between the
// two. Playback or microphone failure returns the recorder to idle with a
// coded error event.
func (r *Recorder) PlayReferenceAndRecord(ctx context.Context, seg domain.Segment) error {
	r.mu.Lock()
	if r.state != domain.RecorderStateIdle {
		r.mu.Unlock()
		return ErrRecorderBusy
	}
	active := &attempt{
		segment:      seg,
		progressDone: make(chan struct{}),
		pumpDone:     make(chan struct{}),
	}
	r.state = domain.RecorderStatePlayingReference
	r.active = active
	r.mu.Unlock()

	r.events.RecorderStateChanged(domain.RecorderStatePlayingReference, domain.RecorderReasonReferenceStarted)

	playback, err := r.player.Play(ctx, seg.ReferenceAudioURL)
	if err != nil {
		r.failAttempt(active, domain.ErrorCodePlayback, domain.RecorderReasonPlaybackFailed, err)
		return fmt.Errorf("reference playback failed: %w", err)
	}

	r.mu.Lock()
	if r.active != active {
		r.mu.Unlock()
		_ = playback.Stop()
		return ErrCancelled
	}
	active.playback = playback
	r.mu.Unlock()

	go func() {
		defer close(active.progressDone)
		for pct := range playback.Progress() {
			r.events.PlaybackProgress(seg.ID, pct)
		}
	}()

	waitErr := playback.Wait()
	<-active.progressDone

	if !r.isCurrent(active) {
		return ErrCancelled
	}
	if waitErr != nil {
		r.failAttempt(active, domain.ErrorCodePlayback, domain.RecorderReasonPlaybackFailed, waitErr)
		return fmt.Errorf("reference playback failed: %w", waitErr)
	}

	capture, err := r.capture.Start(ctx, r.cfg.Capture)
	if err != nil {
		r.failAttempt(active, domain.ErrorCodeCapture, domain.RecorderReasonCaptureFailed, err)
		return fmt.Errorf("microphone capture failed: %w", err)
	}

	r.mu.Lock()
	if r.active != active {
		r.mu.Unlock()
		_ = capture.Stop()
		return ErrCancelled
	}
	active.capture = capture
	active.buf = newCaptureBuffer()
	active.meter = newLevelMeter()
	r.state = domain.RecorderStateRecording
	r.mu.Unlock()

	r.events.RecorderStateChanged(domain.RecorderStateRecording, domain.RecorderReasonCaptureStarted)

	go r.pump(active)
	return nil
}

// pump drains PCM chunks from the capture session into the attempt buffer,
// feeding the level meter for live amplitude feedback.
func (r *Recorder) pump(active *attempt) {
	defer close(active.pumpDone)

	buf := make([]byte, r.cfg.ChunkSize)
	for {
		n, err := active.capture.Read(buf)
		if n > 0 {
			active.buf.Write(buf[:n])
			active.meter.Feed(buf[:n])
			r.events.RecordingLevels(active.segment.ID, active.meter.Snapshot())
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && r.isCurrent(active) {
				r.events.SessionError(domain.ErrorCodeCapture, fmt.Sprintf("audio capture error: %v", err))
			}
			return
		}
	}
}

// FinishAttempt stops capture, finalizes the WAV artifact and signals
// completion. Valid only while recording.
func (r *Recorder) FinishAttempt(ctx context.Context) (domain.Recording, error) {
	r.mu.Lock()
	if r.state != domain.RecorderStateRecording || r.active == nil {
		r.mu.Unlock()
		return domain.Recording{}, ErrNotRecording
	}
	active := r.active
	r.mu.Unlock()

	if err := active.capture.Stop(); err != nil {
		r.events.SessionError(domain.ErrorCodeCapture, "failed to stop microphone capture cleanly")
		r.log.Warn().Err(err).Msg("microphone stop returned error")
	}
	<-active.pumpDone

	pcm := active.buf.Bytes()
	if len(pcm) == 0 {
		r.failAttempt(active, domain.ErrorCodeCapture, domain.RecorderReasonCaptureFailed, ErrEmptyRecording)
		return domain.Recording{}, ErrEmptyRecording
	}

	rec, err := r.finalize(active.segment, pcm)
	if err != nil {
		r.failAttempt(active, domain.ErrorCodeCapture, domain.RecorderReasonCaptureFailed, err)
		return domain.Recording{}, err
	}

	r.mu.Lock()
	if r.active != active {
		r.mu.Unlock()
		return domain.Recording{}, ErrCancelled
	}
	r.active = nil
	if r.cfg.ReviewMode {
		r.state = domain.RecorderStateRecordingCompleted
		r.pending = rec.Path
	} else {
		r.state = domain.RecorderStateIdle
	}
	state := r.state
	r.mu.Unlock()

	r.events.RecorderStateChanged(state, domain.RecorderReasonAttemptFinished)
	return rec, nil
}

func (r *Recorder) finalize(seg domain.Segment, pcm []byte) (domain.Recording, error) {
	if err := os.MkdirAll(r.cfg.ArtifactDir, 0o755); err != nil {
		return domain.Recording{}, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	now := time.Now()
	path := filepath.Join(r.cfg.ArtifactDir, fmt.Sprintf("%s-%d.wav", seg.ID, now.UnixMilli()))

	f, err := os.Create(path)
	if err != nil {
		return domain.Recording{}, fmt.Errorf("failed to create artifact: %w", err)
	}
	if err := encodeWAV(f, pcm, r.cfg.Capture.SampleRate, r.cfg.Capture.Channels); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return domain.Recording{}, fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return domain.Recording{}, fmt.Errorf("failed to close artifact: %w", err)
	}

	bytesPerSecond := r.cfg.Capture.SampleRate * r.cfg.Capture.Channels * 2
	info, err := os.Stat(path)
	if err != nil {
		return domain.Recording{}, err
	}
	return domain.Recording{
		Path:            path,
		DurationSeconds: float64(len(pcm)) / float64(bytesPerSecond),
		SizeBytes:       info.Size(),
		RecordedAt:      now,
	}, nil
}

// Commit accepts a completed recording and returns the recorder to idle.
func (r *Recorder) Commit() error {
	r.mu.Lock()
	if r.state != domain.RecorderStateRecordingCompleted {
		r.mu.Unlock()
		return ErrNoPending
	}
	r.state = domain.RecorderStateIdle
	r.pending = ""
	r.mu.Unlock()

	r.events.RecorderStateChanged(domain.RecorderStateIdle, domain.RecorderReasonAttemptFinished)
	return nil
}

// Discard drops a completed-but-uncommitted recording so the segment can
// be re-recorded. The artifact file is removed.
func (r *Recorder) Discard() error {
	r.mu.Lock()
	if r.state != domain.RecorderStateRecordingCompleted {
		r.mu.Unlock()
		return ErrNoPending
	}
	path := r.pending
	r.pending = ""
	r.state = domain.RecorderStateIdle
	r.mu.Unlock()

	if path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn().Err(err).Str("path", path).Msg("failed to remove discarded artifact")
		}
	}
	r.events.RecorderStateChanged(domain.RecorderStateIdle, domain.RecorderReasonAttemptDiscarded)
	return nil
}

// Cancel stops any in-flight playback or capture and returns to idle. An
// uncommitted recording is dropped and its artifact removed. Microphone
// and playback processes are released before it returns.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	active := r.active
	pending := r.pending
	wasIdle := r.state == domain.RecorderStateIdle
	r.active = nil
	r.pending = ""
	r.state = domain.RecorderStateIdle
	r.mu.Unlock()

	if pending != "" {
		if err := os.Remove(pending); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn().Err(err).Str("path", pending).Msg("failed to remove cancelled artifact")
		}
	}
	if active != nil {
		if active.playback != nil {
			_ = active.playback.Stop()
			<-active.progressDone
		}
		if active.capture != nil {
			_ = active.capture.Stop()
			<-active.pumpDone
		}
	}
	if !wasIdle {
		r.events.RecorderStateChanged(domain.RecorderStateIdle, domain.RecorderReasonCancelled)
	}
}

// State returns the current recorder state.
func (r *Recorder) State() domain.RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) isCurrent(active *attempt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active == active
}

// failAttempt resets to idle after a failed attempt, emitting the coded
// error and the state transition.
func (r *Recorder) failAttempt(active *attempt, code domain.ErrorCode, reason domain.RecorderReason, err error) {
	r.mu.Lock()
	if r.active == active {
		r.active = nil
		r.state = domain.RecorderStateIdle
	}
	r.mu.Unlock()

	r.events.SessionError(code, err.Error())
	r.events.RecorderStateChanged(domain.RecorderStateIdle, reason)
}
