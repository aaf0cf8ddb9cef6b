// Package pipeline drives one generation request from pending to
// completed or failed through five stages: script, voice, video,
// compose, publish. One Runner instance serves all workers in a process;
// each job attempt reloads its request row, so retries always resume
// from durable state. Collaborators are narrow interfaces injected at
// construction so tests substitute fakes for the store, providers, and
// object storage.
package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/calmframe/meditate-pipeline/internal/composer"
	"github.com/calmframe/meditate-pipeline/internal/metrics"
	"github.com/calmframe/meditate-pipeline/internal/provider"
	"github.com/calmframe/meditate-pipeline/pkg/models"
)

// RequestStore is the subset of database.Repository the worker needs.
type RequestStore interface {
	GetGenerationRequest(ctx context.Context, id string) (*models.GenerationRequest, error)
	UpdateScriptContent(ctx context.Context, id, scriptContent string) error
	UpdateStatus(ctx context.Context, id string, status models.Status, progress int) (int, error)
	MarkFailed(ctx context.Context, id, errMsg string) error
	GetMediaAsset(ctx context.Context, id string) (*models.MediaAsset, error)
	CreateVideo(ctx context.Context, tx pgx.Tx, video *models.Video) error
	CompleteWithVideo(ctx context.Context, tx pgx.Tx, id, videoID string) error
}

// TxRunner runs a function inside one database transaction. The terminal
// completed transition and its Video insert commit together through this.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// ObjectStore is the subset of storage.Storage the worker needs.
type ObjectStore interface {
	Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	UploadFile(ctx context.Context, objectName, filePath string) error
	Download(ctx context.Context, objectName string) (io.ReadCloser, error)
}

// ProgressCache mirrors progress snapshots for low-latency reads by the
// progress endpoint.
type ProgressCache interface {
	SetProgress(ctx context.Context, requestID, status string, progress int, videoID *string, ttl time.Duration) error
}

// MediaComposer is the subset of composer.Composer the worker needs.
type MediaComposer interface {
	Compose(ctx context.Context, requestID string, in composer.Inputs) (*composer.Result, error)
}

// Sleeper abstracts the poll loop's wait so tests can inject a fake clock
// instead of sleeping in real time.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper sleeps in real time, honoring context cancellation.
type RealSleeper struct{}

func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config holds the worker's tunables: the video provider's poll cadence
// and cap, the default narration voice, and the progress cache TTL.
type Config struct {
	PollInterval     time.Duration
	MaxPolls         int
	DefaultVoiceID   string
	ProgressCacheTTL time.Duration
}

// Runner drives generation requests through the five-stage pipeline.
type Runner struct {
	db       TxRunner
	store    RequestStore
	objects  ObjectStore
	progress ProgressCache
	script   provider.ScriptPort
	voice    provider.VoicePort
	video    provider.VideoPort
	composer MediaComposer
	sleeper  Sleeper
	cfg      Config
}

// New wires a Runner from its collaborators.
func New(db TxRunner, store RequestStore, objects ObjectStore, progress ProgressCache, script provider.ScriptPort, voice provider.VoicePort, video provider.VideoPort, mediaComposer MediaComposer, sleeper Sleeper, cfg Config) *Runner {
	if sleeper == nil {
		sleeper = RealSleeper{}
	}
	return &Runner{
		db:       db,
		store:    store,
		objects:  objects,
		progress: progress,
		script:   script,
		voice:    voice,
		video:    video,
		composer: mediaComposer,
		sleeper:  sleeper,
		cfg:      cfg,
	}
}

// updateProgress persists the new status/progress on the request and
// mirrors the effective (clamped) value into the cache.
func (r *Runner) updateProgress(ctx context.Context, requestID string, status models.Status, progress int, videoID *string) error {
	effective, err := r.store.UpdateStatus(ctx, requestID, status, progress)
	if err != nil {
		return err
	}
	// Best-effort: a cache miss just falls back to the store, so a cache
	// write failure must not fail the pipeline attempt.
	_ = r.progress.SetProgress(ctx, requestID, string(status), effective, videoID, r.cfg.ProgressCacheTTL)
	return nil
}

// MarkFailed records the terminal failed status once the queue has
// exhausted all attempts. Progress stays frozen where the last attempt
// left it.
func (r *Runner) MarkFailed(ctx context.Context, requestID string, cause error) error {
	if err := r.store.MarkFailed(ctx, requestID, cause.Error()); err != nil {
		return err
	}
	metrics.RequestsFailedTotal.Inc()

	if req, err := r.store.GetGenerationRequest(ctx, requestID); err == nil {
		_ = r.progress.SetProgress(ctx, requestID, string(models.StatusFailed), req.Progress, nil, r.cfg.ProgressCacheTTL)
	}
	return nil
}
