// Package examapi is the HTTP client for the exam backend: session
// lifecycle, segment scoring and elapsed-time tracking.
package examapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"speakdrill/internal/domain"
	"speakdrill/internal/ports"
)

// Config controls backend endpoint and auth settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client implements ports.ExamAPI against the REST backend.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *errorBody      `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type startSessionPayload struct {
	ExamType string `json:"exam_type"`
	TargetID string `json:"target_id"`
	UserID   string `json:"user_id"`
	ForceNew bool   `json:"force_new"`
}

type startSessionData struct {
	AttemptID               string           `json:"attempt_id"`
	Segments                []domain.Segment `json:"segments"`
	AlreadyCompletedSeconds float64          `json:"already_completed_seconds"`
}

// StartSession creates or resumes a server-side exam attempt. With
// forceNew false the server returns the existing in-progress attempt
// rather than creating a duplicate.
func (c *Client) StartSession(ctx context.Context, req ports.StartSessionRequest) (ports.StartSessionResponse, error) {
	payload := startSessionPayload{
		ExamType: string(req.ExamType),
		TargetID: req.TargetID,
		UserID:   req.UserID,
		ForceNew: req.ForceNew,
	}

	var data startSessionData
	if err := c.postJSON(ctx, "/api/v1/exam/sessions", payload, &data); err != nil {
		return ports.StartSessionResponse{}, fmt.Errorf("start session: %w", err)
	}
	if data.AttemptID == "" {
		return ports.StartSessionResponse{}, fmt.Errorf("start session: server returned no attempt id")
	}
	return ports.StartSessionResponse{
		AttemptID:               data.AttemptID,
		Segments:                data.Segments,
		AlreadyCompletedSeconds: data.AlreadyCompletedSeconds,
	}, nil
}

// SubmitSegment uploads one finalized recording plus metadata as a
// multipart payload and returns the AI score. Deduplication of repeated
// segment+attempt submissions is the server's responsibility.
func (c *Client) SubmitSegment(ctx context.Context, req ports.SubmitSegmentRequest) (domain.ScoredResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	fields := map[string]string{
		"attempt_id":          req.AttemptID,
		"segment_id":          req.SegmentID,
		"dialogue_id":         req.DialogueID,
		"language":            req.Language,
		"user_id":             req.UserID,
		"transcript":          req.Transcript,
		"reference_audio_url": req.ReferenceAudioURL,
		"suggested_audio_url": req.SuggestedAudioURL,
		"attempt_count":       fmt.Sprintf("%d", req.AttemptCount),
		"submission_id":       req.SubmissionID,
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return domain.ScoredResult{}, fmt.Errorf("submit segment: %w", err)
		}
	}

	audio, err := os.Open(req.Recording.Path)
	if err != nil {
		return domain.ScoredResult{}, fmt.Errorf("submit segment: open artifact: %w", err)
	}
	defer func() { _ = audio.Close() }()

	part, err := writer.CreateFormFile("audio", fmt.Sprintf("%s.wav", req.SegmentID))
	if err != nil {
		return domain.ScoredResult{}, fmt.Errorf("submit segment: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return domain.ScoredResult{}, fmt.Errorf("submit segment: copy artifact: %w", err)
	}
	if err := writer.Close(); err != nil {
		return domain.ScoredResult{}, fmt.Errorf("submit segment: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/exam/segments", body)
	if err != nil {
		return domain.ScoredResult{}, fmt.Errorf("submit segment: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	var result domain.ScoredResult
	if err := c.do(httpReq, &result); err != nil {
		return domain.ScoredResult{}, fmt.Errorf("submit segment: %w", err)
	}
	return result, nil
}

// GetFinalResult fetches the computed result for a finished attempt. The
// read is idempotent and safe to retry.
func (c *Client) GetFinalResult(ctx context.Context, attemptID string) (domain.FinalResult, error) {
	var result domain.FinalResult
	path := fmt.Sprintf("/api/v1/exam/attempts/%s/result", url.PathEscape(attemptID))
	if err := c.getJSON(ctx, path, &result); err != nil {
		return domain.FinalResult{}, fmt.Errorf("final result: %w", err)
	}
	return result, nil
}

type elapsedData struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// GetElapsedSeconds returns the server-authoritative time already spent
// on the attempt, used to seed the countdown on resume.
func (c *Client) GetElapsedSeconds(ctx context.Context, userID, attemptID string) (float64, error) {
	path := fmt.Sprintf("/api/v1/exam/attempts/%s/elapsed?user_id=%s",
		url.PathEscape(attemptID), url.QueryEscape(userID))
	var data elapsedData
	if err := c.getJSON(ctx, path, &data); err != nil {
		return 0, fmt.Errorf("elapsed seconds: %w", err)
	}
	return data.ElapsedSeconds, nil
}

type incrementPayload struct {
	UserID       string `json:"user_id"`
	DeltaSeconds int    `json:"delta_seconds"`
}

// IncrementElapsedSeconds reports a flush delta. Callers treat this as
// fire-and-forget; a failed delta is lost by design.
func (c *Client) IncrementElapsedSeconds(ctx context.Context, userID, attemptID string, deltaSeconds int) error {
	path := fmt.Sprintf("/api/v1/exam/attempts/%s/elapsed", url.PathEscape(attemptID))
	if err := c.postJSON(ctx, path, incrementPayload{UserID: userID, DeltaSeconds: deltaSeconds}, nil); err != nil {
		return fmt.Errorf("increment elapsed: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Msg("exam api call")

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("unexpected response (status %d): %w", resp.StatusCode, err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if env.Error != nil {
			return fmt.Errorf("server error %s (status %d): %s", env.Error.Code, resp.StatusCode, env.Error.Message)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("server returned empty data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
