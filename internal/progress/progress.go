// Package progress serves owner-scoped progress reads: the cached
// snapshot when the worker has mirrored one recently, the request row
// otherwise. The ownership check always hits the store so a cached entry
// can never leak another user's request.
package progress

import (
	"context"
	"errors"

	"github.com/calmframe/meditate-pipeline/internal/apperr"
	"github.com/calmframe/meditate-pipeline/internal/database"
	"github.com/calmframe/meditate-pipeline/internal/metrics"
	"github.com/calmframe/meditate-pipeline/pkg/models"
)

// Snapshot is the observable state of one request.
type Snapshot struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Progress int     `json:"progress"`
	VideoID  *string `json:"video_id,omitempty"`
}

// Store is the owner-scoped read the reporter needs.
type Store interface {
	GetGenerationRequestForUser(ctx context.Context, id, userID string) (*models.GenerationRequest, error)
}

// Cache is the snapshot read the reporter consults first.
type Cache interface {
	GetProgress(ctx context.Context, requestID string) (status string, progress int, videoID *string, ok bool, err error)
}

// Reporter answers progress queries for a (userId, requestId) pair.
type Reporter struct {
	store Store
	cache Cache
}

// New wires a Reporter.
func New(store Store, cache Cache) *Reporter {
	return &Reporter{store: store, cache: cache}
}

// Get returns the request's snapshot, or NotFound when the pair does not
// match. A mismatched owner is indistinguishable from a missing id.
func (r *Reporter) Get(ctx context.Context, userID, requestID string) (*Snapshot, error) {
	req, err := r.store.GetGenerationRequestForUser(ctx, requestID, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("generation request not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if r.cache != nil {
		status, progress, videoID, ok, err := r.cache.GetProgress(ctx, requestID)
		if err == nil && ok {
			metrics.RecordCacheAccess("progress", true)
			// The store row can lag the worker's last mirror; prefer the
			// fresher value but never report backwards motion.
			if progress >= req.Progress {
				return &Snapshot{ID: req.ID, Status: status, Progress: progress, VideoID: videoID}, nil
			}
		} else {
			metrics.RecordCacheAccess("progress", false)
		}
	}

	return &Snapshot{
		ID:       req.ID,
		Status:   string(req.Status),
		Progress: req.Progress,
		VideoID:  req.VideoID,
	}, nil
}
