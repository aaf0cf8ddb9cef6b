package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/calmframe/meditate-pipeline/internal/apperr"
	"github.com/calmframe/meditate-pipeline/internal/composer"
	"github.com/calmframe/meditate-pipeline/internal/database"
	"github.com/calmframe/meditate-pipeline/internal/metrics"
	"github.com/calmframe/meditate-pipeline/internal/provider"
	"github.com/calmframe/meditate-pipeline/pkg/models"
)

const maxVideoTitleLen = 200

// VoiceoverKey is the object storage key for a request's narration audio.
func VoiceoverKey(requestID string) string {
	return fmt.Sprintf("generations/%s/voiceover.mp3", requestID)
}

// FinalVideoKey is the object storage key for a request's final render.
func FinalVideoKey(requestID string) string {
	return fmt.Sprintf("videos/%s/final.mp4", requestID)
}

// ThumbnailKey is the object storage key for a request's thumbnail.
func ThumbnailKey(requestID string) string {
	return fmt.Sprintf("videos/%s/thumbnail.jpg", requestID)
}

// Run executes one pipeline attempt for the given request. Errors
// propagate to the queue, which retries per its policy; Run never marks
// the request failed itself. All storage writes are keyed by the request
// id, so a retried attempt overwrites its predecessor's intermediates
// instead of duplicating them.
func (r *Runner) Run(ctx context.Context, requestID string) error {
	metrics.PipelineRequestsInFlight.Inc()
	defer metrics.PipelineRequestsInFlight.Dec()

	req, err := r.store.GetGenerationRequest(ctx, requestID)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.NotFound("request not found")
	}
	if err != nil {
		return apperr.Internal(err)
	}

	if req.Status.IsTerminal() {
		// A duplicate delivery after completion is a no-op.
		log.Info().Str("generation_request_id", requestID).
			Str("status", string(req.Status)).
			Msg("skipping request already in terminal status")
		return nil
	}

	script, err := r.runScriptStage(ctx, req)
	if err != nil {
		metrics.RecordPipelineAttempt(outcomeOf(err))
		return err
	}

	if err := r.runVoiceStage(ctx, req, script); err != nil {
		metrics.RecordPipelineAttempt(outcomeOf(err))
		return err
	}

	jobID, err := r.runVideoStage(ctx, req)
	if err != nil {
		metrics.RecordPipelineAttempt(outcomeOf(err))
		return err
	}

	if err := r.runComposeStage(ctx, req, jobID); err != nil {
		metrics.RecordPipelineAttempt(outcomeOf(err))
		return err
	}

	metrics.RecordPipelineAttempt("completed")
	metrics.RequestsCompletedTotal.Inc()
	return nil
}

// runScriptStage produces the narration text: generated by the script
// provider unless the request already carries user-provided content.
func (r *Runner) runScriptStage(ctx context.Context, req *models.GenerationRequest) (string, error) {
	start := time.Now()
	defer func() { metrics.RecordPipelineStage("script", time.Since(start).Seconds()) }()

	if err := r.updateProgress(ctx, req.ID, models.StatusGeneratingScript, 5, nil); err != nil {
		return "", apperr.Internal(err)
	}

	script := req.ScriptContent
	if req.ScriptType == models.ScriptTypeAIGenerated || script == "" {
		generated, err := r.script.Generate(ctx, string(req.ScriptType), req.MeditationType, req.DurationSeconds, req.VisualPrompt)
		if err != nil {
			return "", err
		}
		if err := r.store.UpdateScriptContent(ctx, req.ID, generated); err != nil {
			return "", apperr.Internal(err)
		}
		script = generated
	}

	if err := r.updateProgress(ctx, req.ID, models.StatusGeneratingScript, 15, nil); err != nil {
		return "", apperr.Internal(err)
	}
	return script, nil
}

// runVoiceStage synthesizes the narration and streams it straight into
// object storage, so a multi-megabyte audio response never sits in memory.
func (r *Runner) runVoiceStage(ctx context.Context, req *models.GenerationRequest, script string) error {
	start := time.Now()
	defer func() { metrics.RecordPipelineStage("voice", time.Since(start).Seconds()) }()

	if err := r.updateProgress(ctx, req.ID, models.StatusGeneratingVoice, 20, nil); err != nil {
		return apperr.Internal(err)
	}

	audio, err := r.voice.Synthesize(ctx, script, r.cfg.DefaultVoiceID)
	if err != nil {
		return err
	}
	defer audio.Close()

	if err := r.objects.Upload(ctx, VoiceoverKey(req.ID), audio, -1, "audio/mpeg"); err != nil {
		return apperr.Internal(err)
	}

	if err := r.updateProgress(ctx, req.ID, models.StatusGeneratingVoice, 35, nil); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// runVideoStage starts the long-running video job and polls it to a
// terminal state, interpolating progress 40..75 across the poll budget.
func (r *Runner) runVideoStage(ctx context.Context, req *models.GenerationRequest) (string, error) {
	start := time.Now()
	defer func() { metrics.RecordPipelineStage("video", time.Since(start).Seconds()) }()

	if err := r.updateProgress(ctx, req.ID, models.StatusGeneratingVideo, 40, nil); err != nil {
		return "", apperr.Internal(err)
	}

	jobID, err := r.video.Start(ctx, req.VisualPrompt, req.DurationSeconds)
	if err != nil {
		return "", err
	}

	for polls := 0; polls < r.cfg.MaxPolls; polls++ {
		result, err := r.video.Poll(ctx, jobID)
		if err != nil {
			return "", err
		}

		switch result.State {
		case provider.VideoStateCompleted:
			metrics.PipelineVideoPollsTotal.Observe(float64(polls + 1))
			if err := r.updateProgress(ctx, req.ID, models.StatusGeneratingVideo, 75, nil); err != nil {
				return "", apperr.Internal(err)
			}
			return jobID, nil

		case provider.VideoStateFailed:
			return "", apperr.ProviderPermanent("video", errors.New(result.Error))

		case provider.VideoStateProcessing:
			progress := 40 + int(float64(polls)/float64(r.cfg.MaxPolls)*35+0.5)
			if progress > 75 {
				progress = 75
			}
			if err := r.updateProgress(ctx, req.ID, models.StatusGeneratingVideo, progress, nil); err != nil {
				return "", apperr.Internal(err)
			}
			if err := r.sleeper.Sleep(ctx, r.cfg.PollInterval); err != nil {
				return "", err
			}

		default:
			return "", apperr.ProviderPermanent("video", fmt.Errorf("unknown job state %q", result.State))
		}
	}

	metrics.PipelineVideoPollsTotal.Observe(float64(r.cfg.MaxPolls))
	timeout := r.cfg.PollInterval * time.Duration(r.cfg.MaxPolls)
	return "", apperr.Timeout(fmt.Sprintf("Veo generation timed out after %d minutes", int(timeout.Minutes())))
}

// runComposeStage muxes the generated video with the narration and
// optional catalog tracks, uploads the final artifacts, and commits the
// Video row together with the request's completed transition.
func (r *Runner) runComposeStage(ctx context.Context, req *models.GenerationRequest, jobID string) error {
	start := time.Now()
	defer func() { metrics.RecordPipelineStage("compose", time.Since(start).Seconds()) }()

	if err := r.updateProgress(ctx, req.ID, models.StatusCompositing, 78, nil); err != nil {
		return apperr.Internal(err)
	}

	videoStream, err := r.video.Fetch(ctx, jobID)
	if err != nil {
		return err
	}
	defer videoStream.Close()

	voiceover, err := r.objects.Download(ctx, VoiceoverKey(req.ID))
	if err != nil {
		return apperr.Internal(err)
	}
	defer voiceover.Close()

	inputs := composer.Inputs{
		VideoStream:     videoStream,
		VoiceoverStream: voiceover,
	}

	ambient, err := r.openCatalogTrack(ctx, req.AmbientSoundID)
	if err != nil {
		return err
	}
	if ambient != nil {
		defer ambient.Close()
		inputs.AmbientStream = ambient
	}

	music, err := r.openCatalogTrack(ctx, req.MusicTrackID)
	if err != nil {
		return err
	}
	if music != nil {
		defer music.Close()
		inputs.MusicStream = music
	}

	result, err := r.composer.Compose(ctx, req.ID, inputs)
	if err != nil {
		return err
	}
	defer result.Cleanup()

	if err := r.updateProgress(ctx, req.ID, models.StatusCompositing, 95, nil); err != nil {
		return apperr.Internal(err)
	}

	// The two final uploads have no ordering dependency.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.objects.UploadFile(gctx, FinalVideoKey(req.ID), result.VideoPath)
	})
	g.Go(func() error {
		return r.objects.UploadFile(gctx, ThumbnailKey(req.ID), result.ThumbnailPath)
	})
	if err := g.Wait(); err != nil {
		return apperr.Internal(err)
	}

	video := &models.Video{
		UserID:           req.UserID,
		Title:            truncate(req.VisualPrompt, maxVideoTitleLen),
		StorageKey:       FinalVideoKey(req.ID),
		ThumbnailKey:     ThumbnailKey(req.ID),
		DurationSeconds:  result.DurationSeconds,
		Visibility:       models.VideoVisibilityPendingReview,
		ModerationStatus: models.ModerationStatusPending,
		VisualPrompt:     req.VisualPrompt,
		Metadata: models.Metadata{
			"duration_seconds":     result.DurationSeconds,
			"requested_duration":   req.DurationSeconds,
			"requested_visibility": string(req.Visibility),
		},
	}

	err = r.db.WithinTx(ctx, func(tx pgx.Tx) error {
		if err := r.store.CreateVideo(ctx, tx, video); err != nil {
			return err
		}
		return r.store.CompleteWithVideo(ctx, tx, req.ID, video.ID)
	})
	if err != nil {
		return apperr.Internal(err)
	}

	_ = r.progress.SetProgress(ctx, req.ID, string(models.StatusCompleted), 100, &video.ID, r.cfg.ProgressCacheTTL)

	log.Info().
		Str("generation_request_id", req.ID).
		Str("video_id", video.ID).
		Int("duration_seconds", result.DurationSeconds).
		Msg("generation request completed")
	return nil
}

// openCatalogTrack resolves an optional media asset reference and opens
// its stream from object storage. A nil id yields a nil stream.
func (r *Runner) openCatalogTrack(ctx context.Context, assetID *string) (io.ReadCloser, error) {
	if assetID == nil || *assetID == "" {
		return nil, nil
	}

	asset, err := r.store.GetMediaAsset(ctx, *assetID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("media asset %s not found", *assetID))
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	stream, err := r.objects.Download(ctx, asset.StorageKey)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return stream, nil
}

func outcomeOf(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindTimeout:
		return "timeout"
	case apperr.KindProviderPermanent:
		return "permanent_error"
	case apperr.KindProviderTransient:
		return "transient_error"
	default:
		return "error"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
