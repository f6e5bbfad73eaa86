// Package session hosts the exam session state machine. It owns the
// attempt lifecycle from Init through completion, coordinates the
// countdown clock, the segment recorder and the submission queue, and
// persists a resumable snapshot after every relevant mutation.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"speakdrill/internal/clock"
	"speakdrill/internal/domain"
	"speakdrill/internal/ports"
)

var (
	ErrSessionNotActive = errors.New("session is not in progress")
	ErrRecorderActive   = errors.New("recorder is busy, finish or cancel the current attempt first")
	ErrAwaitingScore    = errors.New("current segment has no submitted score yet")
	ErrForwardOnly      = errors.New("navigation is forward-only in mock test mode")
	ErrAtFirstSegment   = errors.New("already at the first segment")
	ErrAtLastSegment    = errors.New("already at the last segment")
	ErrRepeatDeclined   = errors.New("re-recording declined")
	ErrNoRecording      = errors.New("current segment has no recording")
	ErrAttemptPending   = errors.New("a captured recording is pending, submit or redo it first")
	ErrNotFinishing     = errors.New("no pending final result to retry")
)

// UnansweredError rejects a finish request while active segments still
// lack an answer.
type UnansweredError struct {
	Positions []int
	Total     int
}

func (e *UnansweredError) Error() string {
	parts := make([]string, len(e.Positions))
	for i, p := range e.Positions {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return fmt.Sprintf("cannot finish: %d of %d segments have no answer (positions %s)",
		len(e.Positions), e.Total, strings.Join(parts, ", "))
}

// Config carries the per-session parameters resolved by the shell.
type Config struct {
	Mode     domain.Mode
	TargetID string
	UserID   string
	Language string
	// ForceNew discards any resumable snapshot and asks the server for a
	// fresh attempt.
	ForceNew bool

	TotalDuration time.Duration
	FlushInterval time.Duration
	// AutoRestartThreshold is the remaining-seconds mark at which a rapid
	// review session with unsubmitted segments schedules a restart.
	AutoRestartThreshold int
	RestartCountdown     time.Duration
}

// Deps are the capability ports the machine drives.
type Deps struct {
	API      ports.ExamAPI
	Store    ports.SnapshotStore
	Recorder ports.SegmentRecorder
	Events   ports.EventSink
	Prompter ports.Prompter
	Log      zerolog.Logger
}

type countdown interface {
	Start(initialCompleted, total float64) error
	Stop()
	Completed() float64
	Remaining() float64
	Expired() bool
}

type clockFactory func(cb clock.Callbacks) countdown

// Option customizes a Machine.
type Option func(*Machine)

// WithClockFactory replaces the countdown construction, used by tests to
// drive the clock by hand.
func WithClockFactory(f clockFactory) Option {
	return func(m *Machine) { m.newClock = f }
}

type segmentState struct {
	Recording    *domain.Recording
	AttemptCount int
	Status       domain.SegmentStatus
	Result       *domain.ScoredResult
	Submitted    bool
}

// SegmentView is a read-only projection of one segment's runtime state
// for the shell.
type SegmentView struct {
	Segment      domain.Segment
	Status       domain.SegmentStatus
	AttemptCount int
	Submitted    bool
	Result       *domain.ScoredResult
}

// Machine is the session controller. All exported methods are safe for
// concurrent use; blocking work happens outside the internal lock.
type Machine struct {
	cfg      Config
	api      ports.ExamAPI
	store    ports.SnapshotStore
	recorder ports.SegmentRecorder
	events   ports.EventSink
	prompter ports.Prompter
	log      zerolog.Logger
	newClock clockFactory

	mu          sync.Mutex
	phase       domain.Phase
	attemptID   string
	segments    []domain.Segment
	runtime     map[string]*segmentState
	current     int
	clk         countdown
	clockGen    int
	expired     bool
	finalResult *domain.FinalResult

	restartTimer     *time.Timer
	restartScheduled bool
	failedSubmits    int

	submitWG sync.WaitGroup
}

func New(cfg Config, deps Deps, opts ...Option) *Machine {
	m := &Machine{
		cfg:      cfg,
		api:      deps.API,
		store:    deps.Store,
		recorder: deps.Recorder,
		events:   deps.Events,
		prompter: deps.Prompter,
		log:      deps.Log.With().Str("component", "session").Logger(),
		phase:    domain.PhaseInitializing,
		runtime:  make(map[string]*segmentState),
	}
	m.newClock = func(cb clock.Callbacks) countdown {
		return clock.New(cb, clock.WithFlushInterval(cfg.FlushInterval))
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) snapshotKey() ports.SnapshotKey {
	return ports.SnapshotKey{
		ExamType: m.cfg.Mode,
		TargetID: m.cfg.TargetID,
		UserID:   m.cfg.UserID,
	}
}

// Init starts or resumes the session. A matching snapshot restores the
// prior attempt in place; otherwise a new attempt is requested from the
// server. Start failures are fatal and route the session to the failed
// phase.
func (m *Machine) Init(ctx context.Context) error {
	m.events.PhaseChanged(domain.PhaseInitializing, domain.PhaseReasonNewAttempt)

	key := m.snapshotKey()
	var snap *ports.Snapshot
	if m.cfg.ForceNew {
		if err := m.store.Clear(ctx, key); err != nil {
			m.log.Warn().Err(err).Msg("clearing stale snapshot failed")
		}
	} else {
		loaded, err := m.store.Load(ctx, key)
		if err != nil {
			m.log.Warn().Err(err).Msg("snapshot load failed, starting fresh")
			m.events.SessionError(domain.ErrorCodeSnapshot, err.Error())
		} else {
			snap = loaded
		}
	}

	if snap != nil && snap.AttemptID != "" {
		return m.resume(ctx, snap)
	}
	return m.startNew(ctx)
}

func (m *Machine) resume(ctx context.Context, snap *ports.Snapshot) error {
	elapsed, err := m.api.GetElapsedSeconds(ctx, m.cfg.UserID, snap.AttemptID)
	if err != nil {
		return m.failStart(err)
	}

	m.mu.Lock()
	m.attemptID = snap.AttemptID
	m.segments = append([]domain.Segment(nil), snap.Segments...)
	m.runtime = make(map[string]*segmentState, len(m.segments))
	for _, seg := range m.segments {
		st := &segmentState{Status: domain.SegmentNotAnswered}
		if rs, ok := snap.Runtime[seg.ID]; ok {
			st.AttemptCount = rs.AttemptCount
			st.Status = rs.Status
			if rs.Recorded && rs.RecordingPath != "" {
				st.Recording = &domain.Recording{Path: rs.RecordingPath}
			}
		}
		m.runtime[seg.ID] = st
	}
	m.current = snap.CurrentIndex
	if m.current < 0 || m.current >= len(m.segments) {
		m.current = 0
	}
	m.phase = domain.PhaseInProgress
	m.mu.Unlock()

	if err := m.startClock(elapsed); err != nil {
		return m.failStart(err)
	}

	m.log.Info().
		Str("attempt_id", snap.AttemptID).
		Float64("elapsed", elapsed).
		Int("segment_index", snap.CurrentIndex).
		Msg("session resumed from snapshot")
	m.events.PhaseChanged(domain.PhaseInProgress, domain.PhaseReasonResumeRestored)
	m.persist(ctx)
	return nil
}

func (m *Machine) startNew(ctx context.Context) error {
	resp, err := m.api.StartSession(ctx, ports.StartSessionRequest{
		ExamType: m.cfg.Mode,
		TargetID: m.cfg.TargetID,
		UserID:   m.cfg.UserID,
		ForceNew: m.cfg.ForceNew,
	})
	if err != nil {
		return m.failStart(err)
	}

	active, skipped := filterSegments(resp.Segments)
	if len(active) == 0 {
		return m.failStart(errors.New("no segments left to practice"))
	}
	if skipped > 0 {
		m.log.Info().
			Int("already_done", skipped).
			Int("remaining", len(active)).
			Msg("prior attempt already covered some segments")
	}
	m.events.SegmentsFiltered(len(active), len(active)+skipped)

	m.mu.Lock()
	m.attemptID = resp.AttemptID
	m.segments = active
	m.runtime = make(map[string]*segmentState, len(active))
	for _, seg := range active {
		m.runtime[seg.ID] = &segmentState{Status: domain.SegmentNotAnswered}
	}
	m.current = 0
	m.phase = domain.PhaseInProgress
	m.mu.Unlock()

	if err := m.startClock(resp.AlreadyCompletedSeconds); err != nil {
		return m.failStart(err)
	}

	m.log.Info().
		Str("attempt_id", resp.AttemptID).
		Int("segments", len(active)).
		Msg("session started")
	m.events.PhaseChanged(domain.PhaseInProgress, domain.PhaseReasonNewAttempt)
	m.persist(ctx)
	return nil
}

func (m *Machine) failStart(err error) error {
	m.mu.Lock()
	m.phase = domain.PhaseFailed
	m.mu.Unlock()
	m.events.SessionError(domain.ErrorCodeStartSession, err.Error())
	m.events.PhaseChanged(domain.PhaseFailed, domain.PhaseReasonStartFailed)
	return fmt.Errorf("start session: %w", err)
}

func filterSegments(all []domain.Segment) ([]domain.Segment, int) {
	active := make([]domain.Segment, 0, len(all))
	skipped := 0
	for _, seg := range all {
		if seg.AlreadyDone {
			skipped++
			continue
		}
		active = append(active, seg)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Position < active[j].Position })
	return active, skipped
}

// startClock builds and starts a fresh countdown. The generation counter
// detaches callbacks of a replaced clock after a restart.
func (m *Machine) startClock(initialCompleted float64) error {
	m.mu.Lock()
	m.clockGen++
	gen := m.clockGen
	clk := m.newClock(clock.Callbacks{
		OnSecond:  func(remaining int) { m.onSecond(gen, remaining) },
		OnFlush:   func(delta int) { m.onFlush(gen, delta) },
		OnExpired: func() { go m.onExpired(gen) },
	})
	m.clk = clk
	m.mu.Unlock()

	return clk.Start(initialCompleted, m.cfg.TotalDuration.Seconds())
}

func (m *Machine) onSecond(gen int, remaining int) {
	m.mu.Lock()
	if gen != m.clockGen {
		m.mu.Unlock()
		return
	}
	schedule := m.cfg.Mode == domain.ModeRapidReview &&
		m.phase == domain.PhaseInProgress &&
		!m.restartScheduled &&
		remaining > 0 &&
		remaining <= m.cfg.AutoRestartThreshold &&
		m.hasUnsubmittedLocked()
	if schedule {
		m.restartScheduled = true
		m.restartTimer = time.AfterFunc(m.cfg.RestartCountdown, m.restart)
	}
	m.mu.Unlock()

	m.events.TimeRemaining(remaining)
	if schedule {
		m.log.Info().
			Int("remaining", remaining).
			Dur("countdown", m.cfg.RestartCountdown).
			Msg("time is almost up with unsubmitted segments, scheduling restart")
		m.events.PhaseChanged(domain.PhaseInProgress, domain.PhaseReasonRestartScheduled)
	}
}

func (m *Machine) hasUnsubmittedLocked() bool {
	for _, st := range m.runtime {
		if !st.Submitted {
			return true
		}
	}
	return false
}

// onFlush reports the wall-time delta to the server. Failures are logged
// and the delta is lost, keeping the countdown and server time loosely
// coupled.
func (m *Machine) onFlush(gen int, delta int) {
	m.mu.Lock()
	if gen != m.clockGen || delta <= 0 {
		m.mu.Unlock()
		return
	}
	attemptID := m.attemptID
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := m.api.IncrementElapsedSeconds(ctx, m.cfg.UserID, attemptID, delta); err != nil {
			m.log.Warn().Err(err).Int("delta", delta).Msg("elapsed-time flush failed")
		}
	}()
}

// onExpired runs on its own goroutine. It salvages an in-flight
// recording, submits the current unsubmitted one, then completes the
// session regardless of unanswered segments.
func (m *Machine) onExpired(gen int) {
	m.mu.Lock()
	if gen != m.clockGen || m.expired {
		m.mu.Unlock()
		return
	}
	m.expired = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	m.events.TimeRemaining(0)
	m.log.Info().Msg("session time expired")

	switch m.recorder.State() {
	case domain.RecorderStateRecording:
		if rec, err := m.recorder.FinishAttempt(ctx); err == nil {
			m.attachRecording(rec)
		} else {
			m.log.Warn().Err(err).Msg("finalizing recording at expiry failed")
		}
	case domain.RecorderStateRecordingCompleted:
		if err := m.recorder.Commit(); err != nil {
			m.log.Warn().Err(err).Msg("committing recording at expiry failed")
		}
	default:
		m.recorder.Cancel()
	}

	if req, ok := m.pendingSubmission(); ok {
		if _, err := m.submit(ctx, req); err != nil {
			m.log.Warn().Err(err).Str("segment_id", req.SegmentID).Msg("submission at expiry failed")
		}
	}

	m.complete(ctx, domain.PhaseReasonTimeExpired)
}

// attachRecording stores a finalized recording on the current segment.
func (m *Machine) attachRecording(rec domain.Recording) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current < 0 || m.current >= len(m.segments) {
		return
	}
	st := m.runtime[m.segments[m.current].ID]
	r := rec
	st.Recording = &r
	st.AttemptCount++
	st.Status = domain.SegmentAnswered
	st.Result = nil
	st.Submitted = false
}

// pendingSubmission builds a submit request for the current segment when
// it holds a recorded-but-unsubmitted answer.
func (m *Machine) pendingSubmission() (ports.SubmitSegmentRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current < 0 || m.current >= len(m.segments) {
		return ports.SubmitSegmentRequest{}, false
	}
	seg := m.segments[m.current]
	st := m.runtime[seg.ID]
	if st.Recording == nil || st.Submitted {
		return ports.SubmitSegmentRequest{}, false
	}
	return m.submitRequestLocked(seg, st), true
}

func (m *Machine) submitRequestLocked(seg domain.Segment, st *segmentState) ports.SubmitSegmentRequest {
	return ports.SubmitSegmentRequest{
		AttemptID:         m.attemptID,
		SegmentID:         seg.ID,
		DialogueID:        m.cfg.TargetID,
		Language:          m.cfg.Language,
		UserID:            m.cfg.UserID,
		Transcript:        seg.Transcript,
		ReferenceAudioURL: seg.ReferenceAudioURL,
		SuggestedAudioURL: seg.SuggestedAudioURL,
		AttemptCount:      st.AttemptCount,
		SubmissionID:      uuid.NewString(),
		Recording:         *st.Recording,
	}
}

// submit sends one recording for scoring and records the result.
func (m *Machine) submit(ctx context.Context, req ports.SubmitSegmentRequest) (domain.ScoredResult, error) {
	res, err := m.api.SubmitSegment(ctx, req)
	if err != nil {
		m.mu.Lock()
		m.failedSubmits++
		m.mu.Unlock()
		return domain.ScoredResult{}, err
	}

	// A restart may have replaced the attempt while the upload was in
	// flight; its score does not belong to the new runtime.
	m.mu.Lock()
	applied := false
	if m.attemptID == req.AttemptID {
		if st, ok := m.runtime[req.SegmentID]; ok {
			r := res
			st.Result = &r
			st.Submitted = true
			applied = true
		}
	}
	m.mu.Unlock()

	if applied {
		m.events.SegmentScored(req.SegmentID, res)
	}
	return res, nil
}

// RecordCurrent plays the current segment's reference audio and starts
// microphone capture. When the segment already has a recording the
// prompter must approve replacing it.
func (m *Machine) RecordCurrent(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != domain.PhaseInProgress {
		m.mu.Unlock()
		return ErrSessionNotActive
	}
	seg := m.segments[m.current]
	hasRecording := m.runtime[seg.ID].Recording != nil
	m.mu.Unlock()

	if m.recorder.State() != domain.RecorderStateIdle {
		return ErrRecorderActive
	}

	if hasRecording {
		ok, err := m.prompter.ConfirmRepeat(ctx, seg.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRepeatDeclined
		}
	}

	return m.recorder.PlayReferenceAndRecord(ctx, seg)
}

// FinishCurrent stops the in-flight capture and attaches the finalized
// recording to the current segment. Practice and mock test submit it for
// scoring in the background right away. Rapid review holds the captured
// attempt in the recorder until the user keeps it with SubmitCurrent or
// drops it with RedoCurrent.
func (m *Machine) FinishCurrent(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != domain.PhaseInProgress {
		m.mu.Unlock()
		return ErrSessionNotActive
	}
	m.mu.Unlock()

	switch m.recorder.State() {
	case domain.RecorderStateRecording:
		rec, err := m.recorder.FinishAttempt(ctx)
		if err != nil {
			return err
		}
		m.attachRecording(rec)
	case domain.RecorderStateIdle:
		if m.cfg.Mode == domain.ModeRapidReview {
			return ErrNoRecording
		}
		// retry path for an earlier failed background submission
	case domain.RecorderStateRecordingCompleted:
		return ErrAttemptPending
	default:
		return ErrRecorderActive
	}

	m.persist(ctx)
	if m.cfg.Mode == domain.ModeRapidReview {
		return nil
	}

	req, ok := m.pendingSubmission()
	if !ok {
		return ErrNoRecording
	}
	m.submitBackground(req)
	return nil
}

// SubmitCurrent sends the captured recording of the current segment for
// scoring and blocks until the score arrives. A failed upload leaves the
// recording in place, so the user can submit again or redo the attempt.
func (m *Machine) SubmitCurrent(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != domain.PhaseInProgress {
		m.mu.Unlock()
		return ErrSessionNotActive
	}
	m.mu.Unlock()

	req, ok := m.pendingSubmission()
	if !ok {
		return ErrNoRecording
	}
	if _, err := m.submit(ctx, req); err != nil {
		m.events.SessionError(domain.ErrorCodeSubmission, err.Error())
		return fmt.Errorf("submit segment: %w", err)
	}

	if m.recorder.State() == domain.RecorderStateRecordingCompleted {
		if err := m.recorder.Commit(); err != nil {
			m.log.Warn().Err(err).Msg("committing recording failed")
		}
	}
	m.persist(ctx)
	return nil
}

// RedoCurrent discards the captured-but-unsubmitted recording so the
// current segment can be attempted again.
func (m *Machine) RedoCurrent(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != domain.PhaseInProgress {
		m.mu.Unlock()
		return ErrSessionNotActive
	}
	m.mu.Unlock()

	if m.recorder.State() != domain.RecorderStateRecordingCompleted {
		return ErrNoRecording
	}
	if err := m.recorder.Discard(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.current >= 0 && m.current < len(m.segments) {
		st := m.runtime[m.segments[m.current].ID]
		st.Recording = nil
		st.Status = domain.SegmentNotAnswered
		st.Result = nil
		st.Submitted = false
	}
	m.mu.Unlock()

	m.persist(ctx)
	return nil
}

func (m *Machine) submitBackground(req ports.SubmitSegmentRequest) {
	m.submitWG.Add(1)
	go func() {
		defer m.submitWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := m.submit(ctx, req); err != nil {
			m.log.Warn().Err(err).Str("segment_id", req.SegmentID).Msg("background submission failed")
			return
		}
		m.persist(ctx)
	}()
}

// Next advances to the next segment. Rapid review requires a submitted
// score for the current segment first.
func (m *Machine) Next(ctx context.Context) (domain.Segment, error) {
	if state := m.recorder.State(); state == domain.RecorderStatePlayingReference ||
		state == domain.RecorderStateRecording ||
		state == domain.RecorderStateRecordingCompleted {
		return domain.Segment{}, ErrRecorderActive
	}

	m.mu.Lock()
	if m.phase != domain.PhaseInProgress {
		m.mu.Unlock()
		return domain.Segment{}, ErrSessionNotActive
	}
	if m.cfg.Mode == domain.ModeRapidReview && !m.runtime[m.segments[m.current].ID].Submitted {
		m.mu.Unlock()
		return domain.Segment{}, ErrAwaitingScore
	}
	if m.current >= len(m.segments)-1 {
		m.mu.Unlock()
		return domain.Segment{}, ErrAtLastSegment
	}
	m.current++
	seg := m.segments[m.current]
	m.mu.Unlock()

	m.persist(ctx)
	return seg, nil
}

// Previous moves back one segment. Mock test mode is forward-only.
func (m *Machine) Previous(ctx context.Context) (domain.Segment, error) {
	if m.cfg.Mode == domain.ModeMockTest {
		return domain.Segment{}, ErrForwardOnly
	}
	if state := m.recorder.State(); state != domain.RecorderStateIdle {
		return domain.Segment{}, ErrRecorderActive
	}

	m.mu.Lock()
	if m.phase != domain.PhaseInProgress {
		m.mu.Unlock()
		return domain.Segment{}, ErrSessionNotActive
	}
	if m.current == 0 {
		m.mu.Unlock()
		return domain.Segment{}, ErrAtFirstSegment
	}
	m.current--
	seg := m.segments[m.current]
	m.mu.Unlock()

	m.persist(ctx)
	return seg, nil
}

// Finish ends the session when every active segment has an answer. It
// returns an UnansweredError naming the gaps otherwise.
func (m *Machine) Finish(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != domain.PhaseInProgress {
		m.mu.Unlock()
		return ErrSessionNotActive
	}
	var unanswered []int
	for _, seg := range m.segments {
		if m.runtime[seg.ID].Status != domain.SegmentAnswered {
			unanswered = append(unanswered, seg.Position)
		}
	}
	total := len(m.segments)
	m.mu.Unlock()

	if len(unanswered) > 0 {
		sort.Ints(unanswered)
		return &UnansweredError{Positions: unanswered, Total: total}
	}

	m.complete(ctx, domain.PhaseReasonManualFinish)
	return nil
}

// ForceFinish ends the session regardless of unanswered segments. The
// shell is expected to confirm with the user before calling it.
func (m *Machine) ForceFinish(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != domain.PhaseInProgress {
		m.mu.Unlock()
		return ErrSessionNotActive
	}
	m.mu.Unlock()

	m.complete(ctx, domain.PhaseReasonForceFinish)
	return nil
}

// complete transitions in_progress -> finishing, drains background work
// and fetches the final result. The snapshot is cleared here: the attempt
// is over whether or not the result fetch succeeds.
func (m *Machine) complete(ctx context.Context, reason domain.PhaseReason) {
	m.mu.Lock()
	if m.phase != domain.PhaseInProgress {
		m.mu.Unlock()
		return
	}
	m.phase = domain.PhaseFinishing
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	clk := m.clk
	m.mu.Unlock()

	m.events.PhaseChanged(domain.PhaseFinishing, reason)
	m.recorder.Cancel()
	if clk != nil {
		clk.Stop()
	}
	m.submitWG.Wait()

	if err := m.store.Clear(ctx, m.snapshotKey()); err != nil {
		m.log.Warn().Err(err).Msg("clearing snapshot failed")
	}

	if err := m.fetchResult(ctx); err != nil {
		m.log.Warn().Err(err).Msg("final result fetch failed, retry available")
	}
}

func (m *Machine) fetchResult(ctx context.Context) error {
	m.mu.Lock()
	attemptID := m.attemptID
	m.mu.Unlock()

	res, err := m.api.GetFinalResult(ctx, attemptID)
	if err != nil {
		m.events.SessionError(domain.ErrorCodeResult, err.Error())
		m.events.PhaseChanged(domain.PhaseFinishing, domain.PhaseReasonResultFailed)
		return err
	}

	m.mu.Lock()
	m.finalResult = &res
	m.phase = domain.PhaseCompleted
	m.mu.Unlock()

	m.events.PhaseChanged(domain.PhaseCompleted, domain.PhaseReasonResultReady)
	return nil
}

// RetryResult re-fetches the final result after a failed fetch. It is
// user-initiated only.
func (m *Machine) RetryResult(ctx context.Context) error {
	m.mu.Lock()
	finishing := m.phase == domain.PhaseFinishing
	m.mu.Unlock()
	if !finishing {
		return ErrNotFinishing
	}
	return m.fetchResult(ctx)
}

// restart starts a fresh rapid review attempt after the countdown. It
// runs on the restart timer goroutine.
func (m *Machine) restart() {
	m.mu.Lock()
	if m.phase != domain.PhaseInProgress || m.expired {
		m.restartScheduled = false
		m.mu.Unlock()
		return
	}
	clk := m.clk
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	m.recorder.Cancel()
	if clk != nil {
		clk.Stop()
	}

	resp, err := m.api.StartSession(ctx, ports.StartSessionRequest{
		ExamType: m.cfg.Mode,
		TargetID: m.cfg.TargetID,
		UserID:   m.cfg.UserID,
		ForceNew: true,
	})
	if err != nil {
		m.mu.Lock()
		if m.phase != domain.PhaseInProgress || m.expired {
			m.restartScheduled = false
			m.restartTimer = nil
			m.mu.Unlock()
			return
		}
		m.phase = domain.PhaseFailed
		m.mu.Unlock()
		m.events.SessionError(domain.ErrorCodeRestart, err.Error())
		m.events.PhaseChanged(domain.PhaseFailed, domain.PhaseReasonStartFailed)
		return
	}

	// The session may have ended while StartSession was in flight. Drop
	// the fresh attempt instead of overwriting a finished session.
	active, _ := filterSegments(resp.Segments)
	m.mu.Lock()
	if m.phase != domain.PhaseInProgress || m.expired {
		m.restartScheduled = false
		m.restartTimer = nil
		m.mu.Unlock()
		m.log.Info().
			Str("attempt_id", resp.AttemptID).
			Msg("session ended while restarting, dropping the fresh attempt")
		return
	}
	m.attemptID = resp.AttemptID
	m.segments = active
	m.runtime = make(map[string]*segmentState, len(active))
	for _, seg := range active {
		m.runtime[seg.ID] = &segmentState{Status: domain.SegmentNotAnswered}
	}
	m.current = 0
	m.restartScheduled = false
	m.restartTimer = nil
	m.mu.Unlock()

	if err := m.startClock(resp.AlreadyCompletedSeconds); err != nil {
		m.mu.Lock()
		m.phase = domain.PhaseFailed
		m.mu.Unlock()
		m.events.SessionError(domain.ErrorCodeRestart, err.Error())
		m.events.PhaseChanged(domain.PhaseFailed, domain.PhaseReasonStartFailed)
		return
	}

	m.mu.Lock()
	if m.phase != domain.PhaseInProgress || m.expired {
		clk := m.clk
		m.mu.Unlock()
		clk.Stop()
		return
	}
	m.mu.Unlock()

	m.log.Info().Str("attempt_id", resp.AttemptID).Msg("session restarted with a fresh attempt")
	m.events.PhaseChanged(domain.PhaseInProgress, domain.PhaseReasonRestarted)
	m.persist(ctx)
}

// Abandon ends the session without a result and deletes the snapshot, so
// the next Init starts over.
func (m *Machine) Abandon(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == domain.PhaseCompleted || m.phase == domain.PhaseFailed {
		m.mu.Unlock()
		return ErrSessionNotActive
	}
	m.phase = domain.PhaseCompleted
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	clk := m.clk
	m.mu.Unlock()

	m.recorder.Cancel()
	if clk != nil {
		clk.Stop()
	}
	m.submitWG.Wait()

	err := m.store.Clear(ctx, m.snapshotKey())
	if err != nil {
		m.log.Warn().Err(err).Msg("clearing snapshot on abandon failed")
	}
	m.events.PhaseChanged(domain.PhaseCompleted, domain.PhaseReasonAbandoned)
	return err
}

// Close suspends the session without ending the attempt. The snapshot
// stays in place so Init can resume it later. A captured-but-unsubmitted
// recording is committed first so its artifact survives the suspension.
func (m *Machine) Close(ctx context.Context) {
	m.mu.Lock()
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	clk := m.clk
	m.mu.Unlock()

	if m.recorder.State() == domain.RecorderStateRecordingCompleted {
		if err := m.recorder.Commit(); err != nil {
			m.log.Warn().Err(err).Msg("committing recording on close failed")
		}
	}
	m.recorder.Cancel()
	if clk != nil {
		clk.Stop()
	}
	m.submitWG.Wait()
	m.persist(ctx)
}

// Current returns the active segment.
func (m *Machine) Current() (domain.Segment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current < 0 || m.current >= len(m.segments) {
		return domain.Segment{}, false
	}
	return m.segments[m.current], true
}

// Segments returns per-segment runtime views in position order.
func (m *Machine) Segments() []SegmentView {
	m.mu.Lock()
	defer m.mu.Unlock()
	views := make([]SegmentView, len(m.segments))
	for i, seg := range m.segments {
		st := m.runtime[seg.ID]
		views[i] = SegmentView{
			Segment:      seg,
			Status:       st.Status,
			AttemptCount: st.AttemptCount,
			Submitted:    st.Submitted,
		}
		if st.Result != nil {
			r := *st.Result
			views[i].Result = &r
		}
	}
	return views
}

// Result returns the final result once fetched.
func (m *Machine) Result() (domain.FinalResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalResult == nil {
		return domain.FinalResult{}, false
	}
	return *m.finalResult, true
}

// Status summarizes the session for the shell.
func (m *Machine) Status() domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := domain.Status{
		Phase:        m.phase,
		AttemptID:    m.attemptID,
		SegmentIndex: m.current,
		SegmentCount: len(m.segments),
		Expired:      m.expired,
		Active:       m.phase == domain.PhaseInProgress,
	}
	if m.clk != nil {
		s.RemainingSeconds = int(m.clk.Remaining())
	}
	return s
}

// persist writes the resumable snapshot. Failures are reported but never
// interrupt the session.
func (m *Machine) persist(ctx context.Context) {
	m.mu.Lock()
	if m.phase != domain.PhaseInProgress {
		m.mu.Unlock()
		return
	}
	snap := ports.Snapshot{
		Key:          m.snapshotKey(),
		AttemptID:    m.attemptID,
		Segments:     append([]domain.Segment(nil), m.segments...),
		Runtime:      make(map[string]ports.SegmentSnapshot, len(m.runtime)),
		CurrentIndex: m.current,
		SavedAt:      time.Now(),
	}
	for id, st := range m.runtime {
		rs := ports.SegmentSnapshot{
			AttemptCount: st.AttemptCount,
			Status:       st.Status,
		}
		if st.Recording != nil {
			rs.Recorded = true
			rs.RecordingPath = st.Recording.Path
		}
		snap.Runtime[id] = rs
	}
	m.mu.Unlock()

	if err := m.store.Save(ctx, snap); err != nil {
		m.log.Warn().Err(err).Msg("snapshot save failed")
		m.events.SessionError(domain.ErrorCodeSnapshot, err.Error())
	}
}
