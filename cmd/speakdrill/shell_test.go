package main

import (
	"bytes"
	"strings"
	"testing"

	"speakdrill/internal/domain"
)

func TestParseMode(t *testing.T) {
	cases := []struct {
		in   string
		want domain.Mode
		ok   bool
	}{
		{"practice", domain.ModePractice, true},
		{"RAPID", domain.ModeRapidReview, true},
		{" mock ", domain.ModeMockTest, true},
		{"exam", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := parseMode(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("parseMode(%q) = %v, %v, want %v", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("parseMode(%q) should fail", tc.in)
		}
	}
}

func TestResolveUserPrefersFlag(t *testing.T) {
	t.Setenv("SPEAKDRILL_USER_ID", "env-user")

	got, err := resolveUser("flag-user")
	if err != nil || got != "flag-user" {
		t.Fatalf("resolveUser = %q, %v, want flag-user", got, err)
	}

	got, err = resolveUser("")
	if err != nil || got != "env-user" {
		t.Fatalf("resolveUser fallback = %q, %v, want env-user", got, err)
	}
}

func TestResolveUserRequiresValue(t *testing.T) {
	t.Setenv("SPEAKDRILL_USER_ID", "")
	if _, err := resolveUser(""); err == nil {
		t.Fatal("expected error when no user id is available")
	}
}

func TestPhaseMessages(t *testing.T) {
	if msg := phaseMessage(domain.PhaseInProgress, domain.PhaseReasonResumeRestored); msg == "" {
		t.Fatal("resume should produce a message")
	}
	if msg := phaseMessage(domain.PhaseInitializing, domain.PhaseReasonNewAttempt); msg != "" {
		t.Fatalf("initializing/new_attempt should stay quiet, got %q", msg)
	}
	if msg := phaseMessage(domain.PhaseFinishing, domain.PhaseReasonResultFailed); !strings.Contains(msg, "retry") {
		t.Fatalf("result failure should point at retry, got %q", msg)
	}
}

func TestErrorMessageFallsBackToDetail(t *testing.T) {
	if msg := errorMessage("weird_code", "boom"); msg != "boom" {
		t.Fatalf("unknown code should surface the detail, got %q", msg)
	}
	if msg := errorMessage("weird_code", ""); msg != "unexpected error" {
		t.Fatalf("unknown code without detail, got %q", msg)
	}
}

func TestPrintFinalResult(t *testing.T) {
	var buf bytes.Buffer
	printFinalResult(&buf, domain.FinalResult{
		AttemptID:    "att-5",
		OverallScore: 81.25,
		Summary:      "good pacing",
		Segments: []domain.SegmentScore{
			{Position: 1, Score: 90, Feedback: "clear"},
			{Position: 2, Score: 72.5},
		},
	})

	out := buf.String()
	for _, want := range []string{"att-5", "81.2", "good pacing", "90.0", "clear", "72.5"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestShellSinkFilteredMessage(t *testing.T) {
	var buf bytes.Buffer
	sink := &shellSink{out: &buf}

	sink.SegmentsFiltered(3, 5)
	if !strings.Contains(buf.String(), "3 of 5") {
		t.Fatalf("filtered message missing, got %q", buf.String())
	}

	buf.Reset()
	sink.SegmentsFiltered(5, 5)
	if buf.Len() != 0 {
		t.Fatalf("no message expected when nothing was filtered, got %q", buf.String())
	}
}
