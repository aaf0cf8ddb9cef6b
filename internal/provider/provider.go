// Package provider defines the three ports fronting the external script,
// voice, and video AI services, plus their HTTP adapters. Each adapter
// bounds its in-flight calls with a semaphore (video status polls are not
// gated) and applies a per-operation timeout so a slow provider cannot pile
// up goroutines or hold a worker past its attempt budget.
package provider

import (
	"context"
	"io"
)

// VideoState is the long-running video job's observable state.
type VideoState string

const (
	VideoStateProcessing VideoState = "processing"
	VideoStateCompleted  VideoState = "completed"
	VideoStateFailed     VideoState = "failed"
)

// VideoPollResult is the outcome of one VideoPort.Poll call.
type VideoPollResult struct {
	State       VideoState
	DownloadURI string // populated when State == VideoStateCompleted
	Error       string // populated when State == VideoStateFailed
}

// ScriptPort generates narration text for a meditation video.
type ScriptPort interface {
	Generate(ctx context.Context, scriptType, theme string, durationSeconds int, userPrompt string) (string, error)
}

// VoicePort synthesizes narration audio from script text. The returned
// stream is MP3-compatible; the caller owns closing it. Audio responses
// run to several megabytes, so they are never materialized in memory.
type VoicePort interface {
	Synthesize(ctx context.Context, text, voiceID string) (io.ReadCloser, error)
}

// VideoPort drives a long-running video generation job. Fetch is only
// valid once Poll has reported completed; the caller owns closing the
// returned stream.
type VideoPort interface {
	Start(ctx context.Context, prompt string, durationSeconds int) (jobID string, err error)
	Poll(ctx context.Context, jobID string) (VideoPollResult, error)
	Fetch(ctx context.Context, jobID string) (io.ReadCloser, error)
}

// semStream wraps a response body so the adapter's concurrency slot is
// released when the caller finishes draining the stream, not when the
// HTTP call returns.
type semStream struct {
	io.ReadCloser
	release func()
}

func (s *semStream) Close() error {
	err := s.ReadCloser.Close()
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return err
}
