package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/calmframe/meditate-pipeline/internal/apperr"
	"github.com/calmframe/meditate-pipeline/internal/tracing"
)

// VideoHTTPAdapter talks to the external long-running video generation API.
type VideoHTTPAdapter struct {
	client      *http.Client
	pollClient  *http.Client
	fetchClient *http.Client
	baseURL     string
	apiKey      string
	sem         chan struct{}
}

// NewVideoHTTPAdapter creates an adapter with independent timeouts for
// start/fetch and poll, bounded by maxConcurrent in-flight start and
// fetch calls. Polls are cheap and not gated.
func NewVideoHTTPAdapter(baseURL, apiKey string, generateTimeout, pollTimeout time.Duration, maxConcurrent int) *VideoHTTPAdapter {
	return &VideoHTTPAdapter{
		client:      &http.Client{Timeout: generateTimeout},
		pollClient:  &http.Client{Timeout: pollTimeout},
		fetchClient: &http.Client{Timeout: generateTimeout},
		baseURL:     baseURL,
		apiKey:      apiKey,
		sem:         make(chan struct{}, maxConcurrent),
	}
}

type videoStartRequest struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"durationSeconds"`
}

type videoStartResponse struct {
	JobID string `json:"jobId"`
}

// Start submits a long-running video generation request and returns the
// provider's opaque job id.
func (a *VideoHTTPAdapter) Start(ctx context.Context, prompt string, durationSeconds int) (string, error) {
	select {
	case a.sem <- struct{}{}:
		defer func() { <-a.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	span, ctx := tracing.StartSpan(ctx, "provider.video.start")
	defer tracing.FinishSpan(span)

	body, err := json.Marshal(videoStartRequest{Prompt: prompt, DurationSeconds: durationSeconds})
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("failed to marshal video start request: %w", err))
	}

	req, err := a.newRequest(ctx, http.MethodPost, "/v1/videos", body)
	if err != nil {
		return "", err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		tracing.LogError(span, err)
		return "", apperr.ProviderTransient("video", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.ProviderTransient("video", err)
	}
	if resp.StatusCode >= 500 {
		return "", apperr.ProviderTransient("video", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", apperr.ProviderPermanent("video", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}

	var out videoStartResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", apperr.ProviderPermanent("video", fmt.Errorf("failed to decode start response: %w", err))
	}

	return out.JobID, nil
}

type videoPollResponse struct {
	State       string `json:"state"`
	DownloadURI string `json:"downloadUri,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Poll reads the job's current state: processing, completed with a
// download URI, or failed with an error message.
func (a *VideoHTTPAdapter) Poll(ctx context.Context, jobID string) (VideoPollResult, error) {
	span, ctx := tracing.StartSpan(ctx, "provider.video.poll")
	defer tracing.FinishSpan(span)

	req, err := a.newRequest(ctx, http.MethodGet, "/v1/videos/"+jobID, nil)
	if err != nil {
		return VideoPollResult{}, err
	}

	resp, err := a.pollClient.Do(req)
	if err != nil {
		tracing.LogError(span, err)
		return VideoPollResult{}, apperr.ProviderTransient("video", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return VideoPollResult{}, apperr.ProviderTransient("video", err)
	}
	if resp.StatusCode >= 500 {
		return VideoPollResult{}, apperr.ProviderTransient("video", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return VideoPollResult{}, apperr.ProviderPermanent("video", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}

	var out videoPollResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return VideoPollResult{}, apperr.ProviderPermanent("video", fmt.Errorf("failed to decode poll response: %w", err))
	}

	return VideoPollResult{
		State:       VideoState(out.State),
		DownloadURI: out.DownloadURI,
		Error:       out.Error,
	}, nil
}

// Fetch streams the completed video's bytes; callers are responsible for
// calling this only after Poll reports completed, and for closing the
// returned stream, which also releases the adapter's concurrency slot.
func (a *VideoHTTPAdapter) Fetch(ctx context.Context, jobID string) (io.ReadCloser, error) {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-a.sem }

	span, ctx := tracing.StartSpan(ctx, "provider.video.fetch")
	defer tracing.FinishSpan(span)

	req, err := a.newRequest(ctx, http.MethodGet, "/v1/videos/"+jobID+"/download", nil)
	if err != nil {
		release()
		return nil, err
	}

	resp, err := a.fetchClient.Do(req)
	if err != nil {
		release()
		tracing.LogError(span, err)
		return nil, apperr.ProviderTransient("video", err)
	}

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		release()
		if resp.StatusCode >= 500 {
			return nil, apperr.ProviderTransient("video", fmt.Errorf("status %d", resp.StatusCode))
		}
		return nil, apperr.ProviderPermanent("video", fmt.Errorf("status %d", resp.StatusCode))
	}

	return &semStream{ReadCloser: resp.Body, release: release}, nil
}

func (a *VideoHTTPAdapter) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to build video request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	return req, nil
}
