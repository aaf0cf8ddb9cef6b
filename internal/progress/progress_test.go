package progress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmframe/meditate-pipeline/internal/apperr"
	"github.com/calmframe/meditate-pipeline/internal/database"
	"github.com/calmframe/meditate-pipeline/pkg/models"
)

type fakeStore struct {
	requests map[string]*models.GenerationRequest // keyed by id
}

func (s *fakeStore) GetGenerationRequestForUser(ctx context.Context, id, userID string) (*models.GenerationRequest, error) {
	req, ok := s.requests[id]
	if !ok || req.UserID != userID {
		return nil, database.ErrNotFound
	}
	return req, nil
}

type fakeCache struct {
	status   string
	progress int
	videoID  *string
	hit      bool
}

func (c *fakeCache) GetProgress(ctx context.Context, requestID string) (string, int, *string, bool, error) {
	return c.status, c.progress, c.videoID, c.hit, nil
}

func TestGetFromStore(t *testing.T) {
	store := &fakeStore{requests: map[string]*models.GenerationRequest{
		"req-1": {ID: "req-1", UserID: "user-1", Status: models.StatusGeneratingVoice, Progress: 25},
	}}
	r := New(store, &fakeCache{})

	snap, err := r.Get(context.Background(), "user-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "generating_voice", snap.Status)
	assert.Equal(t, 25, snap.Progress)
	assert.Nil(t, snap.VideoID)
}

func TestGetPrefersFresherCache(t *testing.T) {
	store := &fakeStore{requests: map[string]*models.GenerationRequest{
		"req-1": {ID: "req-1", UserID: "user-1", Status: models.StatusGeneratingVoice, Progress: 25},
	}}
	cache := &fakeCache{status: "generating_video", progress: 55, hit: true}
	r := New(store, cache)

	snap, err := r.Get(context.Background(), "user-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "generating_video", snap.Status)
	assert.Equal(t, 55, snap.Progress)
}

func TestGetIgnoresStaleCache(t *testing.T) {
	store := &fakeStore{requests: map[string]*models.GenerationRequest{
		"req-1": {ID: "req-1", UserID: "user-1", Status: models.StatusCompositing, Progress: 90},
	}}
	cache := &fakeCache{status: "generating_script", progress: 10, hit: true}
	r := New(store, cache)

	snap, err := r.Get(context.Background(), "user-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, 90, snap.Progress)
	assert.Equal(t, "compositing", snap.Status)
}

func TestGetOwnershipIsolation(t *testing.T) {
	store := &fakeStore{requests: map[string]*models.GenerationRequest{
		"req-1": {ID: "req-1", UserID: "user-1", Status: models.StatusCompleted, Progress: 100},
	}}
	// Even a hot cache entry must not leak across users.
	cache := &fakeCache{status: "completed", progress: 100, hit: true}
	r := New(store, cache)

	_, err := r.Get(context.Background(), "user-2", "req-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGetUnknownID(t *testing.T) {
	r := New(&fakeStore{requests: map[string]*models.GenerationRequest{}}, &fakeCache{})

	_, err := r.Get(context.Background(), "user-1", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
