package examapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"speakdrill/internal/domain"
	"speakdrill/internal/ports"
)

func respond(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func TestClientStartSession(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/exam/sessions" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("missing bearer token, got %q", got)
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["exam_type"] != "practice" || payload["force_new"] != true {
			t.Errorf("unexpected payload: %v", payload)
		}

		respond(t, w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"attempt_id": "att-9",
				"segments": []map[string]any{
					{"id": "s1", "position": 1, "transcript": "hello"},
					{"id": "s2", "position": 2, "transcript": "bye", "alreadyDone": true},
				},
				"already_completed_seconds": 42.5,
			},
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, Token: "token-1"}, zerolog.Nop())
	resp, err := client.StartSession(context.Background(), ports.StartSessionRequest{
		ExamType: domain.ModePractice,
		TargetID: "dlg-1",
		UserID:   "user-1",
		ForceNew: true,
	})
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}
	if resp.AttemptID != "att-9" || len(resp.Segments) != 2 || resp.AlreadyCompletedSeconds != 42.5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !resp.Segments[1].AlreadyDone {
		t.Fatalf("expected alreadyDone flag decoded")
	}
}

func TestClientStartSessionServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, http.StatusConflict, map[string]any{
			"error": map[string]any{"code": "ATTEMPT_IN_PROGRESS", "message": "attempt already active"},
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL}, zerolog.Nop())
	_, err := client.StartSession(context.Background(), ports.StartSessionRequest{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := err.Error(); !strings.Contains(got, "ATTEMPT_IN_PROGRESS") || !strings.Contains(got, "409") {
		t.Fatalf("expected code and status in error, got %q", got)
	}
}

func TestClientSubmitSegmentMultipart(t *testing.T) {
	t.Parallel()

	artifact := filepath.Join(t.TempDir(), "s1.wav")
	if err := os.WriteFile(artifact, []byte("RIFFfakewav"), 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		for field, want := range map[string]string{
			"attempt_id":    "att-9",
			"segment_id":    "s1",
			"language":      "en",
			"attempt_count": "2",
			"transcript":    "hello there",
		} {
			if got := r.FormValue(field); got != want {
				t.Errorf("field %s: expected %q, got %q", field, want, got)
			}
		}

		file, header, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("missing audio part: %v", err)
		} else {
			defer func() { _ = file.Close() }()
			if header.Filename != "s1.wav" {
				t.Errorf("unexpected filename: %s", header.Filename)
			}
		}

		respond(t, w, http.StatusOK, map[string]any{
			"data": map[string]any{"segmentId": "s1", "score": 87.5, "feedback": "good pace"},
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL}, zerolog.Nop())
	result, err := client.SubmitSegment(context.Background(), ports.SubmitSegmentRequest{
		AttemptID:    "att-9",
		SegmentID:    "s1",
		DialogueID:   "dlg-1",
		Language:     "en",
		UserID:       "user-1",
		Transcript:   "hello there",
		AttemptCount: 2,
		SubmissionID: "sub-1",
		Recording:    domain.Recording{Path: artifact},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if result.SegmentID != "s1" || result.Score != 87.5 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestClientElapsedRoundTrip(t *testing.T) {
	t.Parallel()

	var incremented int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if got := r.URL.Query().Get("user_id"); got != "user-1" {
				t.Errorf("missing user_id, got %q", got)
			}
			respond(t, w, http.StatusOK, map[string]any{
				"data": map[string]any{"elapsed_seconds": 1150.0},
			})
		case http.MethodPost:
			var payload map[string]any
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode payload: %v", err)
			}
			if payload["delta_seconds"] != float64(10) {
				t.Errorf("unexpected delta: %v", payload)
			}
			incremented++
			respond(t, w, http.StatusOK, map[string]any{"data": map[string]any{}})
		}
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL}, zerolog.Nop())

	elapsed, err := client.GetElapsedSeconds(context.Background(), "user-1", "att-9")
	if err != nil {
		t.Fatalf("get elapsed failed: %v", err)
	}
	if elapsed != 1150 {
		t.Fatalf("unexpected elapsed: %f", elapsed)
	}

	if err := client.IncrementElapsedSeconds(context.Background(), "user-1", "att-9", 10); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if incremented != 1 {
		t.Fatalf("expected one increment call, got %d", incremented)
	}
}

func TestClientFinalResult(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/exam/attempts/att-9/result" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		respond(t, w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"attemptId":    "att-9",
				"overallScore": 81.0,
				"summary":      "solid attempt",
				"segments": []map[string]any{
					{"segmentId": "s1", "position": 1, "score": 90.0},
				},
			},
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL}, zerolog.Nop())
	result, err := client.GetFinalResult(context.Background(), "att-9")
	if err != nil {
		t.Fatalf("final result failed: %v", err)
	}
	if result.OverallScore != 81 || len(result.Segments) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}
