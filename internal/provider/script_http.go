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

// ScriptHTTPAdapter talks to the external script-generation API.
type ScriptHTTPAdapter struct {
	client  *http.Client
	baseURL string
	apiKey  string
	sem     chan struct{}
}

// NewScriptHTTPAdapter creates an adapter bounded by maxConcurrent
// in-flight requests, mirroring the per-provider semaphore idiom.
func NewScriptHTTPAdapter(baseURL, apiKey string, timeout time.Duration, maxConcurrent int) *ScriptHTTPAdapter {
	return &ScriptHTTPAdapter{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
		sem:     make(chan struct{}, maxConcurrent),
	}
}

type scriptGenerateRequest struct {
	ScriptType      string `json:"scriptType"`
	Theme           string `json:"theme"`
	DurationSeconds int    `json:"durationSeconds"`
	UserPrompt      string `json:"userPrompt,omitempty"`
}

type scriptGenerateResponse struct {
	Text string `json:"text"`
}

// Generate returns plain narration text, roughly 130 words per minute of
// target duration.
func (a *ScriptHTTPAdapter) Generate(ctx context.Context, scriptType, theme string, durationSeconds int, userPrompt string) (string, error) {
	select {
	case a.sem <- struct{}{}:
		defer func() { <-a.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	span, ctx := tracing.StartSpan(ctx, "provider.script.generate")
	defer tracing.FinishSpan(span)

	body, err := json.Marshal(scriptGenerateRequest{
		ScriptType:      scriptType,
		Theme:           theme,
		DurationSeconds: durationSeconds,
		UserPrompt:      userPrompt,
	})
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("failed to marshal script request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/scripts/generate", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("failed to build script request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		tracing.LogError(span, err)
		return "", apperr.ProviderTransient("script", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.LogError(span, err)
		return "", apperr.ProviderTransient("script", err)
	}

	if resp.StatusCode >= 500 {
		return "", apperr.ProviderTransient("script", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode >= 400 {
		return "", apperr.ProviderPermanent("script", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}

	var out scriptGenerateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", apperr.ProviderPermanent("script", fmt.Errorf("failed to decode response: %w", err))
	}

	return out.Text, nil
}
