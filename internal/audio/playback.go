package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"speakdrill/internal/ports"
)

// progressTick is how often playback progress percent is recomputed.
const progressTick = 100 * time.Millisecond

// Player plays reference audio through an ffplay child process, probing
// the media duration with ffprobe first so progress can be estimated.
type Player struct {
	playCommand  string
	probeCommand string
}

func NewPlayer(playCommand, probeCommand string) *Player {
	if playCommand == "" {
		playCommand = "ffplay"
	}
	if probeCommand == "" {
		probeCommand = "ffprobe"
	}
	return &Player{playCommand: playCommand, probeCommand: probeCommand}
}

func (p *Player) Play(ctx context.Context, url string) (ports.PlaybackSession, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("no reference audio url")
	}

	duration, err := p.probeDuration(ctx, url)
	if err != nil {
		// Progress becomes unavailable but playback can still proceed.
		duration = 0
	}

	cmd := exec.CommandContext(ctx, p.playCommand,
		"-nodisp",
		"-autoexit",
		"-loglevel", "quiet",
		url,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start playback: %w", err)
	}

	session := &playbackSession{
		process:  cmd.Process,
		progress: make(chan float64, 16),
		done:     make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		if err != nil {
			if detail := strings.TrimSpace(stderr.String()); detail != "" {
				err = fmt.Errorf("%w: %s", err, detail)
			}
		}
		session.finish(err)
	}()

	go session.trackProgress(duration)

	return session, nil
}

// probeDuration asks ffprobe for the media duration in seconds.
func (p *Player) probeDuration(ctx context.Context, url string) (float64, error) {
	out, err := exec.CommandContext(ctx, p.probeCommand,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		url,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("duration probe failed: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable probe output: %w", err)
	}
	return duration, nil
}

type playbackSession struct {
	process  *os.Process
	progress chan float64
	done     chan struct{}

	finishOnce sync.Once
	stopOnce   sync.Once

	mu      sync.Mutex
	err     error
	stopped bool
}

func (s *playbackSession) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		// A kill after Stop is the normal cancel path, not a failure.
		if !s.stopped {
			s.err = err
		}
		s.mu.Unlock()
		close(s.done)
	})
}

// trackProgress estimates playback position against the probed duration.
// With an unknown duration no progress is emitted, only the final 100.
func (s *playbackSession) trackProgress(duration float64) {
	defer close(s.progress)

	start := time.Now()
	ticker := time.NewTicker(progressTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if !stopped {
				s.emit(100)
			}
			return
		case <-ticker.C:
			if duration <= 0 {
				continue
			}
			pct := time.Since(start).Seconds() / duration * 100
			if pct > 100 {
				pct = 100
			}
			s.emit(pct)
		}
	}
}

func (s *playbackSession) emit(pct float64) {
	select {
	case s.progress <- pct:
	default:
		// Drop when the consumer lags; progress is cosmetic.
	}
}

func (s *playbackSession) Progress() <-chan float64 {
	return s.progress
}

func (s *playbackSession) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *playbackSession) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		if s.process != nil {
			_ = s.process.Kill()
		}
	})
	<-s.done
	return nil
}
