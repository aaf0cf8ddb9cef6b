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

// VoiceHTTPAdapter talks to the external text-to-speech API.
type VoiceHTTPAdapter struct {
	client  *http.Client
	baseURL string
	apiKey  string
	sem     chan struct{}
}

// NewVoiceHTTPAdapter creates an adapter bounded by maxConcurrent in-flight
// requests.
func NewVoiceHTTPAdapter(baseURL, apiKey string, timeout time.Duration, maxConcurrent int) *VoiceHTTPAdapter {
	return &VoiceHTTPAdapter{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
		sem:     make(chan struct{}, maxConcurrent),
	}
}

type voiceSynthesizeRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
}

// Synthesize returns the synthesized MP3 audio as a stream. The
// concurrency slot is held until the caller closes the stream.
func (a *VoiceHTTPAdapter) Synthesize(ctx context.Context, text, voiceID string) (io.ReadCloser, error) {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-a.sem }

	span, ctx := tracing.StartSpan(ctx, "provider.voice.synthesize")
	defer tracing.FinishSpan(span)

	body, err := json.Marshal(voiceSynthesizeRequest{Text: text, VoiceID: voiceID})
	if err != nil {
		release()
		return nil, apperr.Internal(fmt.Errorf("failed to marshal voice request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/speech/synthesize", bytes.NewReader(body))
	if err != nil {
		release()
		return nil, apperr.Internal(fmt.Errorf("failed to build voice request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		release()
		tracing.LogError(span, err)
		return nil, apperr.ProviderTransient("voice", err)
	}

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		release()
		if resp.StatusCode >= 500 {
			return nil, apperr.ProviderTransient("voice", fmt.Errorf("status %d", resp.StatusCode))
		}
		return nil, apperr.ProviderPermanent("voice", fmt.Errorf("status %d: %s", resp.StatusCode, detail))
	}

	return &semStream{ReadCloser: resp.Body, release: release}, nil
}
