package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/calmframe/meditate-pipeline/pkg/models"
)

// ErrNotFound is returned by repository reads that find no matching row.
var ErrNotFound = errors.New("not found")

// Repository provides database operations for the generation control plane.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// GenerationRequests

// CreateGenerationRequest inserts a new request row. Callers MUST run this
// inside the same transaction as the Ledger.Reserve call that charged it;
// the repository itself does not open transactions.
func (r *Repository) CreateGenerationRequest(ctx context.Context, tx pgx.Tx, req *models.GenerationRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	query := `
		INSERT INTO generation_requests
			(id, user_id, visual_prompt, meditation_type, script_type, script_content,
			 duration_seconds, ambient_sound_id, music_track_id, visibility,
			 credits_charged, status, progress)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`

	err := tx.QueryRow(ctx, query,
		req.ID, req.UserID, req.VisualPrompt, req.MeditationType, req.ScriptType, req.ScriptContent,
		req.DurationSeconds, req.AmbientSoundID, req.MusicTrackID, req.Visibility,
		req.CreditsCharged, req.Status, req.Progress,
	).Scan(&req.CreatedAt, &req.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create generation request: %w", err)
	}

	return nil
}

// GetGenerationRequest fetches a request by id only, for worker-side loads.
func (r *Repository) GetGenerationRequest(ctx context.Context, id string) (*models.GenerationRequest, error) {
	query := `
		SELECT id, user_id, visual_prompt, meditation_type, script_type, script_content,
		       duration_seconds, ambient_sound_id, music_track_id, visibility,
		       credits_charged, status, progress, video_id, error_message, created_at, updated_at
		FROM generation_requests
		WHERE id = $1
	`

	return r.scanGenerationRequest(r.db.Pool.QueryRow(ctx, query, id))
}

// GetGenerationRequestForUser fetches a request scoped to its owner: a
// mismatched owner is indistinguishable from a missing row.
func (r *Repository) GetGenerationRequestForUser(ctx context.Context, id, userID string) (*models.GenerationRequest, error) {
	query := `
		SELECT id, user_id, visual_prompt, meditation_type, script_type, script_content,
		       duration_seconds, ambient_sound_id, music_track_id, visibility,
		       credits_charged, status, progress, video_id, error_message, created_at, updated_at
		FROM generation_requests
		WHERE id = $1 AND user_id = $2
	`

	return r.scanGenerationRequest(r.db.Pool.QueryRow(ctx, query, id, userID))
}

// ListGenerationRequestsByUser returns one page of a user's requests, most
// recent first.
func (r *Repository) ListGenerationRequestsByUser(ctx context.Context, userID string, limit, offset int) ([]*models.GenerationRequest, error) {
	query := `
		SELECT id, user_id, visual_prompt, meditation_type, script_type, script_content,
		       duration_seconds, ambient_sound_id, music_track_id, visibility,
		       credits_charged, status, progress, video_id, error_message, created_at, updated_at
		FROM generation_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list generation requests: %w", err)
	}
	defer rows.Close()

	var out []*models.GenerationRequest
	for rows.Next() {
		req, err := r.scanGenerationRequestRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ListPendingOlderThan returns requests still in status=pending whose
// created_at is older than the given cutoff, for the sweeper.
func (r *Repository) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*models.GenerationRequest, error) {
	query := `
		SELECT id, user_id, visual_prompt, meditation_type, script_type, script_content,
		       duration_seconds, ambient_sound_id, music_track_id, visibility,
		       credits_charged, status, progress, video_id, error_message, created_at, updated_at
		FROM generation_requests
		WHERE status = $1 AND created_at < $2
	`

	rows, err := r.db.Pool.Query(ctx, query, models.StatusPending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending generation requests: %w", err)
	}
	defer rows.Close()

	var out []*models.GenerationRequest
	for rows.Next() {
		req, err := r.scanGenerationRequestRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// UpdateStatus advances status/progress, guarded by id (workers own their
// job message and nothing else contends on the row). Progress is clamped
// server-side so it never decreases: a retried attempt restarting at the
// script stage must not roll a request back from 40 to 5. Returns the
// effective progress after clamping.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status models.Status, progress int) (int, error) {
	query := `
		UPDATE generation_requests
		SET status = $2, progress = GREATEST(progress, $3), updated_at = now()
		WHERE id = $1
		RETURNING progress
	`
	var effective int
	err := r.db.Pool.QueryRow(ctx, query, id, status, progress).Scan(&effective)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update generation request status: %w", err)
	}
	return effective, nil
}

// UpdateScriptContent persists the script stage's output (either generated
// or the caller-provided text, already present).
func (r *Repository) UpdateScriptContent(ctx context.Context, id, scriptContent string) error {
	query := `UPDATE generation_requests SET script_content = $2, updated_at = now() WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, scriptContent)
	if err != nil {
		return fmt.Errorf("failed to update generation request script: %w", err)
	}
	return nil
}

// MarkFailed sets the terminal failed status and records the error for
// inspection alongside the structured log line.
func (r *Repository) MarkFailed(ctx context.Context, id, errMsg string) error {
	query := `
		UPDATE generation_requests
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, id, models.StatusFailed, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark generation request failed: %w", err)
	}
	return nil
}

// CompleteWithVideo is the terminal success transition: status, progress,
// and videoId are all set together so no observer ever sees
// status=completed with videoId still nil. Runs in the same transaction
// as the Video insert.
func (r *Repository) CompleteWithVideo(ctx context.Context, tx pgx.Tx, id, videoID string) error {
	query := `
		UPDATE generation_requests
		SET status = $2, progress = 100, video_id = $3, updated_at = now()
		WHERE id = $1
	`
	_, err := tx.Exec(ctx, query, id, models.StatusCompleted, videoID)
	if err != nil {
		return fmt.Errorf("failed to complete generation request: %w", err)
	}
	return nil
}

func (r *Repository) scanGenerationRequest(row pgx.Row) (*models.GenerationRequest, error) {
	var req models.GenerationRequest
	err := row.Scan(
		&req.ID, &req.UserID, &req.VisualPrompt, &req.MeditationType, &req.ScriptType, &req.ScriptContent,
		&req.DurationSeconds, &req.AmbientSoundID, &req.MusicTrackID, &req.Visibility,
		&req.CreditsCharged, &req.Status, &req.Progress, &req.VideoID, &req.ErrorMessage,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation request: %w", err)
	}
	return &req, nil
}

func (r *Repository) scanGenerationRequestRow(rows pgx.Rows) (*models.GenerationRequest, error) {
	var req models.GenerationRequest
	err := rows.Scan(
		&req.ID, &req.UserID, &req.VisualPrompt, &req.MeditationType, &req.ScriptType, &req.ScriptContent,
		&req.DurationSeconds, &req.AmbientSoundID, &req.MusicTrackID, &req.Visibility,
		&req.CreditsCharged, &req.Status, &req.Progress, &req.VideoID, &req.ErrorMessage,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan generation request: %w", err)
	}
	return &req, nil
}

// Videos

// CreateVideo inserts the published artifact row at the tail of a
// successful pipeline run, inside the same transaction as the request's
// completed transition.
func (r *Repository) CreateVideo(ctx context.Context, tx pgx.Tx, video *models.Video) error {
	if video.ID == "" {
		video.ID = uuid.New().String()
	}
	if video.Visibility == "" {
		video.Visibility = models.VideoVisibilityPendingReview
	}
	if video.ModerationStatus == "" {
		video.ModerationStatus = models.ModerationStatusPending
	}

	query := `
		INSERT INTO videos
			(id, user_id, title, storage_key, thumbnail_key, duration_seconds,
			 visibility, moderation_status, visual_prompt, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := tx.QueryRow(ctx, query,
		video.ID, video.UserID, video.Title, video.StorageKey, video.ThumbnailKey, video.DurationSeconds,
		video.Visibility, video.ModerationStatus, video.VisualPrompt, video.Metadata,
	).Scan(&video.CreatedAt, &video.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create video: %w", err)
	}

	return nil
}

// GetVideo retrieves a video by ID
func (r *Repository) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	var video models.Video

	query := `
		SELECT id, user_id, title, storage_key, thumbnail_key, duration_seconds,
		       visibility, moderation_status, visual_prompt, metadata, created_at, updated_at
		FROM videos
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&video.ID, &video.UserID, &video.Title, &video.StorageKey, &video.ThumbnailKey, &video.DurationSeconds,
		&video.Visibility, &video.ModerationStatus, &video.VisualPrompt, &video.Metadata,
		&video.CreatedAt, &video.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	return &video, nil
}

// CreditTransactions

// CreateCreditTransaction inserts an append-only ledger row. Callers in
// the Ledger package run this inside the same transaction as the balance
// UPDATE.
func (r *Repository) CreateCreditTransaction(ctx context.Context, tx pgx.Tx, txn *models.CreditTransaction) error {
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}

	query := `
		INSERT INTO credit_transactions (id, user_id, amount, type, description, external_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := tx.QueryRow(ctx, query,
		txn.ID, txn.UserID, txn.Amount, txn.Type, txn.Description, txn.ExternalRef,
	).Scan(&txn.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create credit transaction: %w", err)
	}

	return nil
}

// ListCreditTransactionsByUser returns a user's full ledger history,
// oldest first. Summing the amounts reconciles against the balance.
func (r *Repository) ListCreditTransactionsByUser(ctx context.Context, userID string) ([]*models.CreditTransaction, error) {
	query := `
		SELECT id, user_id, amount, type, description, external_ref, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.CreditTransaction
	for rows.Next() {
		var txn models.CreditTransaction
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.Amount, &txn.Type, &txn.Description, &txn.ExternalRef, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		out = append(out, &txn)
	}
	return out, rows.Err()
}

// MediaAssets

// GetMediaAsset resolves a catalog asset (ambient sound or music track)
// to its storage key so the compose stage can stream it.
func (r *Repository) GetMediaAsset(ctx context.Context, id string) (*models.MediaAsset, error) {
	var asset models.MediaAsset

	query := `
		SELECT id, kind, name, storage_key, duration_seconds, created_at
		FROM media_assets
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&asset.ID, &asset.Kind, &asset.Name, &asset.StorageKey, &asset.DurationSeconds, &asset.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get media asset: %w", err)
	}

	return &asset, nil
}

// Users

// GetUserBalance reads the current balance. It only reads; balance
// mutation always goes through the Ledger's guarded UPDATE.
func (r *Repository) GetUserBalance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := r.db.Pool.QueryRow(ctx, `SELECT credits_balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get user balance: %w", err)
	}
	return balance, nil
}
