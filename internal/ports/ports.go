package ports

import (
	"context"
	"io"
	"time"

	"speakdrill/internal/domain"
)

// CaptureConfig describes how the microphone should be captured.
type CaptureConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// CaptureSession is a live microphone capture producing raw s16le PCM.
type CaptureSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg CaptureConfig) (CaptureSession, error)
}

// PlaybackSession is an in-flight reference-audio playback.
type PlaybackSession interface {
	// Progress emits coarse playback progress in percent (0-100). The
	// channel is closed when playback ends or is stopped.
	Progress() <-chan float64
	// Wait blocks until playback finishes naturally or is stopped.
	Wait() error
	Stop() error
}

// MediaPlayer plays reference audio from a URL or local path.
type MediaPlayer interface {
	Play(ctx context.Context, url string) (PlaybackSession, error)
}

// StartSessionRequest asks the server for a new or existing exam attempt.
type StartSessionRequest struct {
	ExamType domain.Mode
	TargetID string
	UserID   string
	ForceNew bool
}

// StartSessionResponse carries the attempt identity and segment list.
type StartSessionResponse struct {
	AttemptID               string
	Segments                []domain.Segment
	AlreadyCompletedSeconds float64
}

// SubmitSegmentRequest carries one finalized recording plus its metadata
// to the scoring endpoint.
type SubmitSegmentRequest struct {
	AttemptID         string
	SegmentID         string
	DialogueID        string
	Language          string
	UserID            string
	Transcript        string
	ReferenceAudioURL string
	SuggestedAudioURL string
	AttemptCount      int
	SubmissionID      string
	Recording         domain.Recording
}

// ExamAPI is the REST backend for session lifecycle, scoring and time
// tracking. The server owns every attempt; the client holds only ids.
type ExamAPI interface {
	StartSession(ctx context.Context, req StartSessionRequest) (StartSessionResponse, error)
	SubmitSegment(ctx context.Context, req SubmitSegmentRequest) (domain.ScoredResult, error)
	GetFinalResult(ctx context.Context, attemptID string) (domain.FinalResult, error)
	GetElapsedSeconds(ctx context.Context, userID, attemptID string) (float64, error)
	IncrementElapsedSeconds(ctx context.Context, userID, attemptID string, deltaSeconds int) error
}

// SnapshotKey identifies one in-progress session for resume matching.
type SnapshotKey struct {
	ExamType domain.Mode `json:"examType"`
	TargetID string      `json:"targetId"`
	UserID   string      `json:"userId"`
}

// SegmentSnapshot is the durable projection of one segment's runtime state.
type SegmentSnapshot struct {
	Recorded      bool                 `json:"recorded"`
	RecordingPath string               `json:"recordingPath,omitempty"`
	AttemptCount  int                  `json:"attemptCount"`
	Status        domain.SegmentStatus `json:"status"`
}

// Snapshot is the persisted projection of a whole session, written after
// every relevant mutation and deleted on completion or abandonment.
type Snapshot struct {
	Key          SnapshotKey                `json:"key"`
	AttemptID    string                     `json:"attemptId"`
	Segments     []domain.Segment           `json:"segments"`
	Runtime      map[string]SegmentSnapshot `json:"runtime"`
	CurrentIndex int                        `json:"currentIndex"`
	SavedAt      time.Time                  `json:"savedAt"`
}

// SnapshotStore is a durable keyed store for session snapshots.
// Load returns nil without error when no snapshot exists for the key.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, key SnapshotKey) (*Snapshot, error)
	Clear(ctx context.Context, key SnapshotKey) error
}

// EventSink emits session state and side-channel values to the shell.
type EventSink interface {
	PhaseChanged(phase domain.Phase, reason domain.PhaseReason)
	// SegmentsFiltered reports, right after initialization, how many
	// segments remain after dropping those a prior attempt already covered.
	SegmentsFiltered(remaining, total int)
	RecorderStateChanged(state domain.RecorderState, reason domain.RecorderReason)
	PlaybackProgress(segmentID string, percent float64)
	RecordingLevels(segmentID string, levels []float64)
	TimeRemaining(seconds int)
	SegmentScored(segmentID string, result domain.ScoredResult)
	SessionError(code domain.ErrorCode, detail string)
}

// Prompter asks the user for confirmation before destructive actions.
type Prompter interface {
	// ConfirmRepeat is consulted before an existing recording for the
	// segment is discarded and replaced by a new attempt.
	ConfirmRepeat(ctx context.Context, segmentID string) (bool, error)
}

// SegmentRecorder manages the per-segment capture lifecycle.
type SegmentRecorder interface {
	// PlayReferenceAndRecord plays the segment's reference audio and, once
	// it ends, starts microphone capture. It returns after capture has
	// started or with an error after returning the recorder to idle.
	PlayReferenceAndRecord(ctx context.Context, seg domain.Segment) error
	// FinishAttempt stops capture and finalizes the audio artifact.
	FinishAttempt(ctx context.Context) (domain.Recording, error)
	// Commit accepts a completed recording and returns to idle (review flow).
	Commit() error
	// Discard drops a completed-but-uncommitted recording (review flow).
	Discard() error
	// Cancel stops any in-flight playback or capture and returns to idle.
	Cancel()
	State() domain.RecorderState
}
