package domain

import "time"

// Mode selects one of the practice flow variants.
type Mode string

const (
	ModePractice    Mode = "practice"
	ModeRapidReview Mode = "rapid"
	ModeMockTest    Mode = "mock"
)

// Phase models the exam session lifecycle.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseInProgress   Phase = "in_progress"
	PhaseFinishing    Phase = "finishing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// PhaseReason provides a structured reason for phase transitions.
type PhaseReason string

const (
	PhaseReasonNewAttempt       PhaseReason = "new_attempt"
	PhaseReasonResumeRestored   PhaseReason = "resume_restored"
	PhaseReasonStartFailed      PhaseReason = "start_failed"
	PhaseReasonManualFinish     PhaseReason = "manual_finish"
	PhaseReasonForceFinish      PhaseReason = "force_finish"
	PhaseReasonAllSegmentsDone  PhaseReason = "all_segments_done"
	PhaseReasonTimeExpired      PhaseReason = "time_expired"
	PhaseReasonRestartScheduled PhaseReason = "restart_scheduled"
	PhaseReasonRestarted        PhaseReason = "restarted"
	PhaseReasonResultReady      PhaseReason = "result_ready"
	PhaseReasonResultFailed     PhaseReason = "result_failed"
	PhaseReasonAbandoned        PhaseReason = "abandoned"
)

// RecorderState models the per-segment capture lifecycle.
type RecorderState string

const (
	RecorderStateIdle               RecorderState = "idle"
	RecorderStatePlayingReference   RecorderState = "playing_reference"
	RecorderStateRecording          RecorderState = "recording"
	RecorderStateRecordingCompleted RecorderState = "recording_completed"
)

// RecorderReason explains recorder state transitions.
type RecorderReason string

const (
	RecorderReasonReferenceStarted RecorderReason = "reference_started"
	RecorderReasonCaptureStarted   RecorderReason = "capture_started"
	RecorderReasonAttemptFinished  RecorderReason = "attempt_finished"
	RecorderReasonAttemptDiscarded RecorderReason = "attempt_discarded"
	RecorderReasonPlaybackFailed   RecorderReason = "playback_failed"
	RecorderReasonCaptureFailed    RecorderReason = "capture_failed"
	RecorderReasonCancelled        RecorderReason = "cancelled"
)

// SegmentStatus tracks whether a segment has an answer attached.
type SegmentStatus string

const (
	SegmentNotAnswered SegmentStatus = "not_answered"
	SegmentAnswered    SegmentStatus = "answered"
)

// ErrorCode identifies non-fatal and fatal session errors.
type ErrorCode string

const (
	ErrorCodeStartSession ErrorCode = "start_session"
	ErrorCodeSubmission   ErrorCode = "submission"
	ErrorCodeFlush        ErrorCode = "flush"
	ErrorCodePlayback     ErrorCode = "playback"
	ErrorCodeCapture      ErrorCode = "capture"
	ErrorCodeSnapshot     ErrorCode = "snapshot"
	ErrorCodeResult       ErrorCode = "result"
	ErrorCodeRestart      ErrorCode = "restart"
)

// Segment is one unit of a dialogue requiring a spoken response.
// The active segment list is fixed after session initialization.
type Segment struct {
	ID                string `json:"id"`
	Position          int    `json:"position"`
	ReferenceAudioURL string `json:"referenceAudioUrl"`
	Transcript        string `json:"transcript"`
	SuggestedAudioURL string `json:"suggestedAudioUrl,omitempty"`
	AlreadyDone       bool   `json:"alreadyDone"`
}

// Recording is a finalized audio artifact produced for one segment attempt.
type Recording struct {
	Path            string    `json:"path"`
	DurationSeconds float64   `json:"durationSeconds"`
	SizeBytes       int64     `json:"sizeBytes"`
	RecordedAt      time.Time `json:"recordedAt"`
}

// ScoredResult is the AI score for a single segment submission.
type ScoredResult struct {
	SegmentID string  `json:"segmentId"`
	Score     float64 `json:"score"`
	Accuracy  float64 `json:"accuracy"`
	Fluency   float64 `json:"fluency"`
	Feedback  string  `json:"feedback,omitempty"`
}

// SegmentScore is one entry of the final result.
type SegmentScore struct {
	SegmentID string  `json:"segmentId"`
	Position  int     `json:"position"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback,omitempty"`
}

// FinalResult is the server-computed outcome of a completed attempt.
type FinalResult struct {
	AttemptID    string         `json:"attemptId"`
	OverallScore float64        `json:"overallScore"`
	Summary      string         `json:"summary"`
	Segments     []SegmentScore `json:"segments"`
}

// Status summarizes the current session status for the shell.
type Status struct {
	Phase            Phase  `json:"phase"`
	AttemptID        string `json:"attemptId,omitempty"`
	SegmentIndex     int    `json:"segmentIndex"`
	SegmentCount     int    `json:"segmentCount"`
	RemainingSeconds int    `json:"remainingSeconds"`
	Expired          bool   `json:"expired"`
	Active           bool   `json:"active"`
}
