package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"speakdrill/internal/domain"
	"speakdrill/internal/session"
)

// shell drives one interactive session over stdin/stdout. The prompter
// shares the scanner with the command loop, so confirmation questions
// consume the next input line.
type shell struct {
	scanner  *bufio.Scanner
	out      io.Writer
	sink     *shellSink
	prompter *stdinPrompter
}

func newShell(in io.Reader, out io.Writer) *shell {
	scanner := bufio.NewScanner(in)
	sh := &shell{
		scanner: scanner,
		out:     out,
		sink:    &shellSink{out: out},
	}
	sh.prompter = &stdinPrompter{scanner: scanner, out: out}
	return sh
}

func (s *shell) run(ctx context.Context, m *session.Machine) error {
	if err := m.Init(ctx); err != nil {
		return err
	}
	s.printCurrent(m)
	fmt.Fprintln(s.out, `type "help" for commands`)

	for {
		fmt.Fprint(s.out, "> ")
		if !s.scanner.Scan() {
			m.Close(ctx)
			return s.scanner.Err()
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "record", "r":
			if err := m.RecordCurrent(ctx); err != nil {
				s.printErr(err)
			}
		case "stop", "s":
			if err := m.FinishCurrent(ctx); err != nil {
				s.printErr(err)
			}
		case "submit":
			if err := m.SubmitCurrent(ctx); err != nil {
				s.printErr(err)
			}
		case "redo":
			if err := m.RedoCurrent(ctx); err != nil {
				s.printErr(err)
			}
		case "next", "n":
			if seg, err := m.Next(ctx); err != nil {
				s.printErr(err)
			} else {
				s.printSegment(m, seg)
			}
		case "prev", "p":
			if seg, err := m.Previous(ctx); err != nil {
				s.printErr(err)
			} else {
				s.printSegment(m, seg)
			}
		case "finish":
			if err := m.Finish(ctx); err != nil {
				s.printErr(err)
				if _, ok := err.(*session.UnansweredError); ok {
					fmt.Fprintln(s.out, `use "force" to finish anyway`)
				}
			}
		case "force":
			if s.confirm("finish with unanswered segments?") {
				if err := m.ForceFinish(ctx); err != nil {
					s.printErr(err)
				}
			}
		case "retry":
			if err := m.RetryResult(ctx); err != nil {
				s.printErr(err)
			}
		case "status":
			s.printStatus(m)
		case "abandon":
			if s.confirm("abandon this session? progress will be lost") {
				if err := m.Abandon(ctx); err != nil {
					s.printErr(err)
				}
				return nil
			}
		case "help", "h":
			s.printHelp()
		case "quit", "q":
			m.Close(ctx)
			fmt.Fprintln(s.out, "session saved, resume with the same command")
			return nil
		default:
			fmt.Fprintf(s.out, "unknown command %q\n", line)
		}

		switch m.Status().Phase {
		case domain.PhaseCompleted:
			if res, ok := m.Result(); ok {
				printFinalResult(s.out, res)
			}
			return nil
		case domain.PhaseFailed:
			return fmt.Errorf("session failed")
		}
	}
}

func (s *shell) confirm(question string) bool {
	fmt.Fprintf(s.out, "%s [y/N] ", question)
	if !s.scanner.Scan() {
		return false
	}
	answer := strings.TrimSpace(strings.ToLower(s.scanner.Text()))
	return answer == "y" || answer == "yes"
}

func (s *shell) printErr(err error) {
	fmt.Fprintf(s.out, "error: %v\n", err)
}

func (s *shell) printCurrent(m *session.Machine) {
	if seg, ok := m.Current(); ok {
		s.printSegment(m, seg)
	}
}

func (s *shell) printSegment(m *session.Machine, seg domain.Segment) {
	status := m.Status()
	fmt.Fprintf(s.out, "segment %d/%d: %s\n", status.SegmentIndex+1, status.SegmentCount, seg.Transcript)
}

func (s *shell) printStatus(m *session.Machine) {
	status := m.Status()
	fmt.Fprintf(s.out, "phase: %s  attempt: %s  remaining: %02d:%02d\n",
		status.Phase, status.AttemptID,
		status.RemainingSeconds/60, status.RemainingSeconds%60)
	for i, view := range m.Segments() {
		mark := " "
		if i == status.SegmentIndex {
			mark = ">"
		}
		score := "-"
		if view.Result != nil {
			score = fmt.Sprintf("%.1f", view.Result.Score)
		}
		fmt.Fprintf(s.out, "%s %2d. %-12s attempts:%d score:%s\n",
			mark, view.Segment.Position, view.Status, view.AttemptCount, score)
	}
}

func (s *shell) printHelp() {
	fmt.Fprint(s.out, `commands:
  record   play the reference audio, then record your answer
  stop     stop recording; practice and mock test submit right away
  submit   send the captured recording for scoring (rapid review)
  redo     discard the captured recording and try again (rapid review)
  next     move to the next segment
  prev     move to the previous segment
  finish   end the session (requires all segments answered)
  force    end the session even with unanswered segments
  retry    retry fetching the final result
  status   show session progress
  abandon  drop the session for good
  quit     save and exit, resume later
`)
}

// printFinalResult renders the attempt outcome as a small table.
func printFinalResult(out io.Writer, res domain.FinalResult) {
	fmt.Fprintf(out, "\nattempt %s  overall score: %.1f\n", res.AttemptID, res.OverallScore)
	if res.Summary != "" {
		fmt.Fprintf(out, "%s\n", res.Summary)
	}
	for _, seg := range res.Segments {
		fmt.Fprintf(out, "  %2d. %5.1f", seg.Position, seg.Score)
		if seg.Feedback != "" {
			fmt.Fprintf(out, "  %s", seg.Feedback)
		}
		fmt.Fprintln(out)
	}
}

// shellSink renders session events as terminal lines.
type shellSink struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *shellSink) PhaseChanged(phase domain.Phase, reason domain.PhaseReason) {
	if msg := phaseMessage(phase, reason); msg != "" {
		s.println(msg)
	}
}

func (s *shellSink) SegmentsFiltered(remaining, total int) {
	if remaining < total {
		s.println(fmt.Sprintf("%d of %d segments remaining from a prior attempt", remaining, total))
	}
}

func (s *shellSink) RecorderStateChanged(state domain.RecorderState, reason domain.RecorderReason) {
	if msg := recorderMessage(state, reason); msg != "" {
		s.println(msg)
	}
}

func (s *shellSink) PlaybackProgress(_ string, percent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "\rplaying reference %3.0f%%", percent)
	if percent >= 100 {
		fmt.Fprintln(s.out)
	}
}

func (s *shellSink) RecordingLevels(_ string, levels []float64) {
	if len(levels) == 0 {
		return
	}
	level := levels[len(levels)-1]
	const width = 24
	filled := int(level * width)
	if filled > width {
		filled = width
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "\rrecording [%-*s]", width, strings.Repeat("#", filled))
}

func (s *shellSink) TimeRemaining(seconds int) {
	if seconds > 10 && seconds%60 != 0 {
		return
	}
	s.println(fmt.Sprintf("time remaining %02d:%02d", seconds/60, seconds%60))
}

func (s *shellSink) SegmentScored(segmentID string, result domain.ScoredResult) {
	s.println(fmt.Sprintf("segment %s scored %.1f (accuracy %.1f, fluency %.1f)",
		segmentID, result.Score, result.Accuracy, result.Fluency))
	if result.Feedback != "" {
		s.println("  " + result.Feedback)
	}
}

func (s *shellSink) SessionError(code domain.ErrorCode, detail string) {
	s.println(errorMessage(code, detail))
}

func (s *shellSink) println(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, msg)
}

func phaseMessage(phase domain.Phase, reason domain.PhaseReason) string {
	switch reason {
	case domain.PhaseReasonNewAttempt:
		if phase == domain.PhaseInProgress {
			return "session started"
		}
		return ""
	case domain.PhaseReasonResumeRestored:
		return "session resumed from where you left off"
	case domain.PhaseReasonStartFailed:
		return "session could not be started"
	case domain.PhaseReasonManualFinish:
		return "finishing session..."
	case domain.PhaseReasonForceFinish:
		return "finishing session with unanswered segments..."
	case domain.PhaseReasonTimeExpired:
		return "time is up, finishing session..."
	case domain.PhaseReasonRestartScheduled:
		return "time is almost up, a fresh round starts shortly"
	case domain.PhaseReasonRestarted:
		return "new round started"
	case domain.PhaseReasonResultReady:
		return "result ready"
	case domain.PhaseReasonResultFailed:
		return `fetching the result failed, type "retry" to try again`
	case domain.PhaseReasonAbandoned:
		return "session abandoned"
	default:
		return ""
	}
}

func recorderMessage(state domain.RecorderState, reason domain.RecorderReason) string {
	switch reason {
	case domain.RecorderReasonReferenceStarted:
		return "playing reference audio..."
	case domain.RecorderReasonCaptureStarted:
		return `recording, type "stop" when done`
	case domain.RecorderReasonAttemptFinished:
		if state == domain.RecorderStateRecordingCompleted {
			return `recording captured, type "submit" to score it or "redo" to try again`
		}
		return "recording captured"
	case domain.RecorderReasonAttemptDiscarded:
		return "recording discarded"
	case domain.RecorderReasonPlaybackFailed:
		return "reference audio playback failed"
	case domain.RecorderReasonCaptureFailed:
		return "microphone capture failed"
	case domain.RecorderReasonCancelled:
		return "recording cancelled"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartSession:
		return "could not start the session: " + detail
	case domain.ErrorCodeSubmission:
		return "submitting the answer failed: " + detail
	case domain.ErrorCodePlayback:
		return "audio playback issue: " + detail
	case domain.ErrorCodeCapture:
		return "microphone issue: " + detail
	case domain.ErrorCodeResult:
		return "result fetch failed: " + detail
	case domain.ErrorCodeRestart:
		return "restarting the session failed: " + detail
	case domain.ErrorCodeSnapshot:
		return "saving progress failed: " + detail
	case domain.ErrorCodeFlush:
		return "reporting elapsed time failed: " + detail
	default:
		if detail == "" {
			return "unexpected error"
		}
		return detail
	}
}

// stdinPrompter answers machine confirmations from the interactive input.
type stdinPrompter struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func (p *stdinPrompter) ConfirmRepeat(_ context.Context, segmentID string) (bool, error) {
	fmt.Fprintf(p.out, "segment %s already has a recording, record again? [y/N] ", segmentID)
	if !p.scanner.Scan() {
		return false, p.scanner.Err()
	}
	answer := strings.TrimSpace(strings.ToLower(p.scanner.Text()))
	return answer == "y" || answer == "yes", nil
}
