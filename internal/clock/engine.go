package clock

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	ErrAlreadyStarted  = errors.New("countdown already started")
	ErrInvalidDuration = errors.New("total duration must be positive")
)

// Callbacks receive countdown events. All callbacks are invoked from the
// frame goroutine, never while the engine's lock is held.
type Callbacks struct {
	// OnSecond fires when the displayed whole-second value changes,
	// throttled to the configured granularity.
	OnSecond func(remaining int)
	// OnFlush fires every flush interval with the whole-second delta of
	// wall time elapsed since the previous flush. The delta is derived
	// from wall time, not from server acknowledgments; a caller that
	// fails to deliver a flush loses that delta.
	OnFlush func(deltaSeconds int)
	// OnExpired fires exactly once when remaining time reaches zero.
	OnExpired func()
}

// Option customizes an Engine.
type Option func(*Engine)

// WithNow injects the wall clock used to anchor the countdown.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithFrameSource replaces the internal frame ticker with an external
// channel. Each received timestamp drives one frame computation.
func WithFrameSource(frames <-chan time.Time) Option {
	return func(e *Engine) { e.frames = frames }
}

// WithFrameInterval sets the internal ticker period.
func WithFrameInterval(d time.Duration) Option {
	return func(e *Engine) { e.frameInterval = d }
}

// WithFlushInterval overrides how often elapsed-time deltas are reported.
func WithFlushInterval(d time.Duration) Option {
	return func(e *Engine) { e.flushInterval = d }
}

// Engine drives a monotonic countdown from a server-supplied elapsed-time
// baseline. Remaining time is recomputed against a wall-clock anchor on
// every frame rather than accumulated from fixed-interval ticks, so a busy
// or suspended scheduler cannot make the countdown drift.
//
// An Engine is single-use: one Start, one expiry. Session restarts build a
// fresh Engine.
type Engine struct {
	cb Callbacks

	now            func() time.Time
	frames         <-chan time.Time
	frameInterval  time.Duration
	flushInterval  time.Duration
	secondGranular time.Duration

	mu           sync.Mutex
	total        float64
	accumulated  float64
	completed    float64
	anchor       time.Time
	lastFlush    time.Time
	lastSecondAt time.Time
	lastSecond   int
	started      bool
	looping      bool
	expired      bool

	stopOnce sync.Once
	stopc    chan struct{}
	done     chan struct{}
}

func New(cb Callbacks, opts ...Option) *Engine {
	e := &Engine{
		cb:             cb,
		now:            time.Now,
		frameInterval:  16 * time.Millisecond,
		flushInterval:  10 * time.Second,
		secondGranular: 100 * time.Millisecond,
		lastSecond:     -1,
		stopc:          make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins the countdown from initialCompleted seconds already spent
// out of total. If the session's time is already exhausted server-side,
// the engine expires immediately without scheduling any frames.
func (e *Engine) Start(initialCompleted, total float64) error {
	if total <= 0 {
		return ErrInvalidDuration
	}
	if initialCompleted < 0 {
		initialCompleted = 0
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.total = total
	e.accumulated = initialCompleted
	e.completed = initialCompleted

	if initialCompleted >= total {
		e.expired = true
		e.mu.Unlock()
		close(e.done)
		if e.cb.OnExpired != nil {
			e.cb.OnExpired()
		}
		return nil
	}

	now := e.now()
	e.anchor = now
	e.lastFlush = now
	e.lastSecondAt = now.Add(-e.secondGranular)
	e.looping = true
	e.mu.Unlock()

	go e.run()
	return nil
}

func (e *Engine) run() {
	defer close(e.done)

	frames := e.frames
	if frames == nil {
		ticker := time.NewTicker(e.frameInterval)
		defer ticker.Stop()
		frames = ticker.C
	}

	for {
		select {
		case <-e.stopc:
			return
		case t, ok := <-frames:
			if !ok {
				return
			}
			if e.frame(t) {
				return
			}
		}
	}
}

// frame advances the countdown to wall time t and reports whether the
// engine has expired.
func (e *Engine) frame(t time.Time) bool {
	var (
		onSecond  func(int)
		onFlush   func(int)
		onExpired func()
		second    int
		delta     int
	)

	e.mu.Lock()
	if e.expired || !e.looping {
		e.mu.Unlock()
		return true
	}

	elapsed := t.Sub(e.anchor).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	if total := e.accumulated + elapsed; total > e.completed {
		e.completed = total
	}
	if e.completed > e.total {
		e.completed = e.total
	}
	remaining := e.total - e.completed

	if t.Sub(e.lastSecondAt) >= e.secondGranular {
		e.lastSecondAt = t
		if sec := int(math.Ceil(remaining)); sec != e.lastSecond {
			e.lastSecond = sec
			second = sec
			onSecond = e.cb.OnSecond
		}
	}

	if sinceFlush := t.Sub(e.lastFlush); sinceFlush >= e.flushInterval {
		delta = int(sinceFlush.Seconds())
		e.lastFlush = e.lastFlush.Add(time.Duration(delta) * time.Second)
		onFlush = e.cb.OnFlush
	}

	expiredNow := remaining <= 0
	if expiredNow {
		e.expired = true
		e.looping = false
		onExpired = e.cb.OnExpired
		if e.lastSecond != 0 {
			e.lastSecond = 0
			second = 0
			onSecond = e.cb.OnSecond
		}
	}
	e.mu.Unlock()

	if onSecond != nil {
		onSecond(second)
	}
	if onFlush != nil {
		onFlush(delta)
	}
	if onExpired != nil {
		onExpired()
	}
	return expiredNow
}

// Stop halts the frame loop. It is idempotent and safe to call whether or
// not the countdown has expired.
func (e *Engine) Stop() {
	e.mu.Lock()
	wasLooping := e.looping
	e.looping = false
	started := e.started
	expired := e.expired
	e.mu.Unlock()

	if !started || (!wasLooping && !expired) {
		return
	}
	e.stopOnce.Do(func() { close(e.stopc) })
	<-e.done
}

// Completed returns the total seconds spent, monotonically non-decreasing
// for the lifetime of the attempt.
func (e *Engine) Completed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

// Remaining returns seconds left, floored at zero.
func (e *Engine) Remaining() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return 0
	}
	remaining := e.total - e.completed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the countdown has reached zero. Once true it
// never reverts for this engine.
func (e *Engine) Expired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expired
}

// FormatRemaining renders the remaining time as MM:SS.
func (e *Engine) FormatRemaining() string {
	sec := int(math.Ceil(e.Remaining()))
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}
