package clock

import (
	"sync"
	"testing"
	"time"
)

type harness struct {
	engine *Engine
	frames chan time.Time
	start  time.Time

	mu       sync.Mutex
	seconds  []int
	flushes  []int
	expireds int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		frames: make(chan time.Time),
		start:  time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	cb := Callbacks{
		OnSecond: func(remaining int) {
			h.mu.Lock()
			h.seconds = append(h.seconds, remaining)
			h.mu.Unlock()
		},
		OnFlush: func(delta int) {
			h.mu.Lock()
			h.flushes = append(h.flushes, delta)
			h.mu.Unlock()
		},
		OnExpired: func() {
			h.mu.Lock()
			h.expireds++
			h.mu.Unlock()
		},
	}
	all := append([]Option{
		WithNow(func() time.Time { return h.start }),
		WithFrameSource(h.frames),
	}, opts...)
	h.engine = New(cb, all...)
	return h
}

// step delivers a frame at start+offset and waits for it to be consumed.
func (h *harness) step(t *testing.T, offset time.Duration) {
	t.Helper()
	select {
	case h.frames <- h.start.Add(offset):
	case <-h.engine.done:
		t.Fatalf("frame loop exited before frame at %s", offset)
	case <-time.After(time.Second):
		t.Fatalf("frame at %s was not consumed", offset)
	}
}

func (h *harness) snapshotFlushes() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, len(h.flushes))
	copy(out, h.flushes)
	return out
}

func (h *harness) expiredCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expireds
}

func TestEngineRemainingIsMonotonic(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.engine.Start(0, 60); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.engine.Stop()

	prev := h.engine.Remaining()
	for _, offset := range []time.Duration{
		100 * time.Millisecond,
		time.Second,
		2500 * time.Millisecond,
		7 * time.Second,
		30 * time.Second,
	} {
		h.step(t, offset)
		remaining := h.engine.Remaining()
		if remaining > prev {
			t.Fatalf("remaining increased: %f -> %f", prev, remaining)
		}
		prev = remaining
	}

	if completed := h.engine.Completed(); completed < 29.9 {
		t.Fatalf("completed should track elapsed time, got %f", completed)
	}
}

func TestEngineResumeSeedsRemainingAndFlushesOnce(t *testing.T) {
	t.Parallel()

	// Total 1200s with 1150s already spent server-side: remaining starts
	// at 50 and a single 10s flush fires after 10 wall seconds.
	h := newHarness(t)
	if err := h.engine.Start(1150, 1200); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.engine.Stop()

	if remaining := h.engine.Remaining(); remaining != 50 {
		t.Fatalf("expected remaining=50 at start, got %f", remaining)
	}

	h.step(t, 5*time.Second)
	if flushes := h.snapshotFlushes(); len(flushes) != 0 {
		t.Fatalf("no flush expected before 10s, got %v", flushes)
	}

	h.step(t, 10*time.Second)
	h.step(t, 10*time.Second+16*time.Millisecond)

	flushes := h.snapshotFlushes()
	if len(flushes) != 1 || flushes[0] != 10 {
		t.Fatalf("expected exactly one 10s flush, got %v", flushes)
	}
}

func TestEngineFlushDeltaAccumulatesWholeSeconds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.engine.Start(0, 300); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.engine.Stop()

	h.step(t, 12500*time.Millisecond)
	h.step(t, 23*time.Second)
	h.step(t, 23*time.Second+16*time.Millisecond)

	flushes := h.snapshotFlushes()
	if len(flushes) != 2 {
		t.Fatalf("expected two flushes, got %v", flushes)
	}
	// 12.5s elapsed flushes 12 whole seconds; the fraction carries over.
	if flushes[0] != 12 {
		t.Fatalf("expected first delta 12, got %d", flushes[0])
	}
	if flushes[1] != 11 {
		t.Fatalf("expected second delta 11, got %d", flushes[1])
	}
}

func TestEngineExpiresExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.engine.Start(0, 5); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	h.step(t, 6*time.Second)
	h.engine.Stop()

	if !h.engine.Expired() {
		t.Fatalf("expected expired after overrun frame")
	}
	if got := h.expiredCount(); got != 1 {
		t.Fatalf("expected one expiry callback, got %d", got)
	}
	if remaining := h.engine.Remaining(); remaining != 0 {
		t.Fatalf("expected remaining floored at 0, got %f", remaining)
	}
	if completed := h.engine.Completed(); completed != 5 {
		t.Fatalf("completed should cap at total, got %f", completed)
	}
}

func TestEngineExpiredAtStartSchedulesNoFrames(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.engine.Start(1300, 1200); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if !h.engine.Expired() {
		t.Fatalf("expected immediate expiry when initial >= total")
	}
	if got := h.expiredCount(); got != 1 {
		t.Fatalf("expected one expiry callback, got %d", got)
	}

	select {
	case <-h.engine.done:
	default:
		t.Fatalf("frame loop should never have been scheduled")
	}
	h.engine.Stop()
}

func TestEngineStartValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.engine.Start(0, 0); err != ErrInvalidDuration {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
	if err := h.engine.Start(0, 60); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := h.engine.Start(0, 60); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	h.engine.Stop()
	h.engine.Stop() // idempotent
}

func TestEngineFormatRemaining(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.engine.Start(1150, 1200); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.engine.Stop()

	if got := h.engine.FormatRemaining(); got != "00:50" {
		t.Fatalf("unexpected format: %q", got)
	}

	h.step(t, 49500*time.Millisecond)
	if got := h.engine.FormatRemaining(); got != "00:01" {
		t.Fatalf("unexpected format near expiry: %q", got)
	}
}
