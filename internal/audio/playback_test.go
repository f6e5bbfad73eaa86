package audio

import (
	"context"
	"testing"
	"time"
)

func TestPlayerPlaybackCompletes(t *testing.T) {
	t.Parallel()

	play := writeScript(t, "play.sh", "#!/usr/bin/env bash\nsleep 0.2\n")
	probe := writeScript(t, "probe.sh", "#!/usr/bin/env bash\necho '0.2'\n")
	player := NewPlayer(play, probe)

	session, err := player.Play(context.Background(), "ref.mp3")
	if err != nil {
		t.Fatalf("play failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var lastPct float64
	for pct := range session.Progress() {
		if pct < lastPct {
			t.Fatalf("progress went backwards: %f -> %f", lastPct, pct)
		}
		lastPct = pct
	}
	if lastPct != 100 {
		t.Fatalf("expected final progress 100, got %f", lastPct)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("playback never finished")
	}
}

func TestPlayerStopIsNotAFailure(t *testing.T) {
	t.Parallel()

	play := writeScript(t, "play.sh", "#!/usr/bin/env bash\nsleep 5\n")
	probe := writeScript(t, "probe.sh", "#!/usr/bin/env bash\necho '5.0'\n")
	player := NewPlayer(play, probe)

	session, err := player.Play(context.Background(), "ref.mp3")
	if err != nil {
		t.Fatalf("play failed: %v", err)
	}

	if err := session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := session.Wait(); err != nil {
		t.Fatalf("stopped playback should not report failure, got %v", err)
	}
}

func TestPlayerRejectsEmptyURL(t *testing.T) {
	t.Parallel()

	player := NewPlayer("true", "true")
	if _, err := player.Play(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestPlayerSurvivesProbeFailure(t *testing.T) {
	t.Parallel()

	play := writeScript(t, "play.sh", "#!/usr/bin/env bash\nexit 0\n")
	probe := writeScript(t, "probe.sh", "#!/usr/bin/env bash\nexit 1\n")
	player := NewPlayer(play, probe)

	session, err := player.Play(context.Background(), "ref.mp3")
	if err != nil {
		t.Fatalf("play should proceed without a duration: %v", err)
	}
	if err := session.Wait(); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
}
