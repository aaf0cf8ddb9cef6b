package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmframe/meditate-pipeline/internal/apperr"
	"github.com/calmframe/meditate-pipeline/internal/composer"
	"github.com/calmframe/meditate-pipeline/internal/database"
	"github.com/calmframe/meditate-pipeline/internal/provider"
	"github.com/calmframe/meditate-pipeline/pkg/models"
)

// fakeStore is an in-memory RequestStore recording every progress update
// in order.
type fakeStore struct {
	mu       sync.Mutex
	requests map[string]*models.GenerationRequest
	assets   map[string]*models.MediaAsset
	videos   []*models.Video
	updates  []progressUpdate
}

type progressUpdate struct {
	status   models.Status
	progress int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests: make(map[string]*models.GenerationRequest),
		assets:   make(map[string]*models.MediaAsset),
	}
}

func (s *fakeStore) GetGenerationRequest(ctx context.Context, id string) (*models.GenerationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *fakeStore) UpdateScriptContent(ctx context.Context, id, scriptContent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[id].ScriptContent = scriptContent
	return nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, status models.Status, progress int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return 0, database.ErrNotFound
	}
	if progress < req.Progress {
		progress = req.Progress
	}
	req.Status = status
	req.Progress = progress
	s.updates = append(s.updates, progressUpdate{status, progress})
	return progress, nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.requests[id]
	req.Status = models.StatusFailed
	req.ErrorMessage = &errMsg
	return nil
}

func (s *fakeStore) GetMediaAsset(ctx context.Context, id string) (*models.MediaAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.assets[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return asset, nil
}

func (s *fakeStore) CreateVideo(ctx context.Context, tx pgx.Tx, video *models.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	video.ID = "video-1"
	s.videos = append(s.videos, video)
	return nil
}

func (s *fakeStore) CompleteWithVideo(ctx context.Context, tx pgx.Tx, id, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.requests[id]
	req.Status = models.StatusCompleted
	req.Progress = 100
	req.VideoID = &videoID
	s.updates = append(s.updates, progressUpdate{models.StatusCompleted, 100})
	return nil
}

type fakeTxRunner struct{}

func (fakeTxRunner) WithinTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	files   map[string]string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte), files: make(map[string]string)}
}

func (o *fakeObjects) Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[objectName] = data
	return nil
}

func (o *fakeObjects) UploadFile(ctx context.Context, objectName, filePath string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[objectName] = filePath
	return nil
}

func (o *fakeObjects) Download(ctx context.Context, objectName string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[objectName]
	if !ok {
		return nil, errors.New("object not found: " + objectName)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeProgressCache struct {
	mu      sync.Mutex
	entries []progressUpdate
}

func (c *fakeProgressCache) SetProgress(ctx context.Context, requestID, status string, progress int, videoID *string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, progressUpdate{models.Status(status), progress})
	return nil
}

type fakeScript struct {
	text  string
	err   error
	calls int
}

func (s *fakeScript) Generate(ctx context.Context, scriptType, theme string, durationSeconds int, userPrompt string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

type fakeVoice struct {
	err error
}

func (v *fakeVoice) Synthesize(ctx context.Context, text, voiceID string) (io.ReadCloser, error) {
	if v.err != nil {
		return nil, v.err
	}
	return io.NopCloser(strings.NewReader("mp3:" + text)), nil
}

// fakeVideo reports processing for pollsUntilDone polls, then terminal.
type fakeVideo struct {
	pollsUntilDone int
	failWith       string
	neverDone      bool
	polls          int
}

func (v *fakeVideo) Start(ctx context.Context, prompt string, durationSeconds int) (string, error) {
	return "job-1", nil
}

func (v *fakeVideo) Poll(ctx context.Context, jobID string) (provider.VideoPollResult, error) {
	v.polls++
	if v.failWith != "" {
		return provider.VideoPollResult{State: provider.VideoStateFailed, Error: v.failWith}, nil
	}
	if v.neverDone || v.polls <= v.pollsUntilDone {
		return provider.VideoPollResult{State: provider.VideoStateProcessing}, nil
	}
	return provider.VideoPollResult{State: provider.VideoStateCompleted, DownloadURI: "https://example/video.mp4"}, nil
}

func (v *fakeVideo) Fetch(ctx context.Context, jobID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("mp4-bytes")), nil
}

type fakeComposer struct {
	gotInputs composer.Inputs
	cleaned   bool
	err       error
}

func (c *fakeComposer) Compose(ctx context.Context, requestID string, in composer.Inputs) (*composer.Result, error) {
	c.gotInputs = in
	if c.err != nil {
		return nil, c.err
	}
	return &composer.Result{
		VideoPath:       "/scratch/final.mp4",
		ThumbnailPath:   "/scratch/thumbnail.jpg",
		DurationSeconds: 61,
		Cleanup:         func() { c.cleaned = true },
	}, nil
}

// instantSleeper records waits without sleeping.
type instantSleeper struct {
	slept []time.Duration
}

func (s *instantSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return nil
}

type fixture struct {
	store    *fakeStore
	objects  *fakeObjects
	cache    *fakeProgressCache
	script   *fakeScript
	voice    *fakeVoice
	video    *fakeVideo
	composer *fakeComposer
	sleeper  *instantSleeper
	runner   *Runner
}

func newFixture(maxPolls int) *fixture {
	f := &fixture{
		store:    newFakeStore(),
		objects:  newFakeObjects(),
		cache:    &fakeProgressCache{},
		script:   &fakeScript{text: "breathe in, hold, breathe out"},
		voice:    &fakeVoice{},
		video:    &fakeVideo{pollsUntilDone: 2},
		composer: &fakeComposer{},
		sleeper:  &instantSleeper{},
	}
	f.runner = New(fakeTxRunner{}, f.store, f.objects, f.cache, f.script, f.voice, f.video, f.composer, f.sleeper, Config{
		PollInterval:     10 * time.Second,
		MaxPolls:         maxPolls,
		DefaultVoiceID:   "default-calm-voice",
		ProgressCacheTTL: time.Minute,
	})
	return f
}

func (f *fixture) seedRequest(req *models.GenerationRequest) {
	if req.ID == "" {
		req.ID = "req-1"
	}
	if req.Status == "" {
		req.Status = models.StatusPending
	}
	f.store.requests[req.ID] = req
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(48)
	f.seedRequest(&models.GenerationRequest{
		UserID:          "user-1",
		VisualPrompt:    "A peaceful mountain scene",
		MeditationType:  "general",
		ScriptType:      models.ScriptTypeAIGenerated,
		DurationSeconds: 60,
		Visibility:      models.VisibilityPublic,
	})

	require.NoError(t, f.runner.Run(context.Background(), "req-1"))

	req := f.store.requests["req-1"]
	assert.Equal(t, models.StatusCompleted, req.Status)
	assert.Equal(t, 100, req.Progress)
	require.NotNil(t, req.VideoID)
	assert.Equal(t, "breathe in, hold, breathe out", req.ScriptContent)

	// Voiceover streamed into storage before composition.
	assert.Equal(t, []byte("mp3:breathe in, hold, breathe out"), f.objects.objects["generations/req-1/voiceover.mp3"])

	// Final artifacts uploaded from the composer's scratch paths.
	assert.Equal(t, "/scratch/final.mp4", f.objects.files["videos/req-1/final.mp4"])
	assert.Equal(t, "/scratch/thumbnail.jpg", f.objects.files["videos/req-1/thumbnail.jpg"])

	// Scratch space always released.
	assert.True(t, f.composer.cleaned)

	require.Len(t, f.store.videos, 1)
	video := f.store.videos[0]
	assert.Equal(t, models.VideoVisibilityPendingReview, video.Visibility)
	assert.Equal(t, models.ModerationStatusPending, video.ModerationStatus)
	assert.Equal(t, "A peaceful mountain scene", video.Title)
	assert.Equal(t, 61, video.DurationSeconds)
}

func TestRunProgressMonotone(t *testing.T) {
	f := newFixture(48)
	f.seedRequest(&models.GenerationRequest{
		VisualPrompt:    "ocean waves",
		ScriptType:      models.ScriptTypeAIGenerated,
		DurationSeconds: 120,
	})

	require.NoError(t, f.runner.Run(context.Background(), "req-1"))

	last := -1
	for _, u := range f.store.updates {
		assert.GreaterOrEqual(t, u.progress, last,
			"progress regressed: %v", f.store.updates)
		last = u.progress
	}
	assert.Equal(t, 100, last)
}

func TestRunSkipsScriptGenerationForUserProvided(t *testing.T) {
	f := newFixture(48)
	f.seedRequest(&models.GenerationRequest{
		VisualPrompt:    "forest",
		ScriptType:      models.ScriptTypeUserProvided,
		ScriptContent:   "my own words",
		DurationSeconds: 60,
	})

	require.NoError(t, f.runner.Run(context.Background(), "req-1"))

	assert.Zero(t, f.script.calls)
	assert.Equal(t, []byte("mp3:my own words"), f.objects.objects["generations/req-1/voiceover.mp3"])
}

func TestRunGeneratesWhenUserScriptEmpty(t *testing.T) {
	f := newFixture(48)
	f.seedRequest(&models.GenerationRequest{
		VisualPrompt:    "forest",
		ScriptType:      models.ScriptTypeTemplate,
		ScriptContent:   "",
		DurationSeconds: 60,
	})

	require.NoError(t, f.runner.Run(context.Background(), "req-1"))
	assert.Equal(t, 1, f.script.calls)
}

func TestRunVideoTimeout(t *testing.T) {
	f := newFixture(48)
	f.video.neverDone = true
	f.seedRequest(&models.GenerationRequest{
		VisualPrompt:    "clouds",
		ScriptType:      models.ScriptTypeAIGenerated,
		DurationSeconds: 60,
	})

	err := f.runner.Run(context.Background(), "req-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.Contains(t, err.Error(), "timed out after 8 minutes")
	assert.Equal(t, 48, f.video.polls)

	// The attempt fails without touching terminal status; only the queue's
	// exhaustion hook may mark the request failed.
	req := f.store.requests["req-1"]
	assert.NotEqual(t, models.StatusFailed, req.Status)
	assert.Nil(t, req.VideoID)
}

func TestRunVideoProviderFailed(t *testing.T) {
	f := newFixture(48)
	f.video.failWith = "content policy violation"
	f.seedRequest(&models.GenerationRequest{
		VisualPrompt:    "clouds",
		ScriptType:      models.ScriptTypeAIGenerated,
		DurationSeconds: 60,
	})

	err := f.runner.Run(context.Background(), "req-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrProviderPermanent)
	assert.Contains(t, err.Error(), "content policy violation")
}

func TestRunPollProgressClampedAt75(t *testing.T) {
	f := newFixture(4)
	f.video.pollsUntilDone = 3
	f.seedRequest(&models.GenerationRequest{
		VisualPrompt:    "rain",
		ScriptType:      models.ScriptTypeAIGenerated,
		DurationSeconds: 60,
	})

	require.NoError(t, f.runner.Run(context.Background(), "req-1"))

	for _, u := range f.store.updates {
		if u.status == models.StatusGeneratingVideo {
			assert.LessOrEqual(t, u.progress, 75)
		}
	}
}

func TestRunNotFoundRequest(t *testing.T) {
	f := newFixture(48)

	err := f.runner.Run(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRunTerminalRequestIsNoOp(t *testing.T) {
	f := newFixture(48)
	videoID := "video-9"
	f.seedRequest(&models.GenerationRequest{
		VisualPrompt:    "done already",
		ScriptType:      models.ScriptTypeAIGenerated,
		DurationSeconds: 60,
		Status:          models.StatusCompleted,
		Progress:        100,
		VideoID:         &videoID,
	})

	require.NoError(t, f.runner.Run(context.Background(), "req-1"))
	assert.Zero(t, f.script.calls)
	assert.Empty(t, f.store.updates)
}

func TestRunComposeFailureCleansUpNothingTwice(t *testing.T) {
	f := newFixture(48)
	f.composer.err = apperr.Internal(errors.New("ffmpeg exploded"))
	f.seedRequest(&models.GenerationRequest{
		VisualPrompt:    "storm",
		ScriptType:      models.ScriptTypeAIGenerated,
		DurationSeconds: 60,
	})

	err := f.runner.Run(context.Background(), "req-1")
	require.Error(t, err)

	// The composer releases its own scratch on error, so the runner does
	// not call Cleanup a second time.
	assert.False(t, f.composer.cleaned)

	// The failed attempt leaves the request mid-pipeline for the retry.
	req := f.store.requests["req-1"]
	assert.Equal(t, models.StatusCompositing, req.Status)
	assert.Nil(t, req.VideoID)
}

func TestRunComposeReceivesCatalogTracks(t *testing.T) {
	f := newFixture(48)
	ambientID := "ambient-1"
	musicID := "music-1"
	f.store.assets[ambientID] = &models.MediaAsset{ID: ambientID, Kind: models.MediaAssetAmbientSound, StorageKey: "assets/ambient/rain.mp3"}
	f.store.assets[musicID] = &models.MediaAsset{ID: musicID, Kind: models.MediaAssetMusicTrack, StorageKey: "assets/music/piano.mp3"}
	f.objects.objects["assets/ambient/rain.mp3"] = []byte("rain")
	f.objects.objects["assets/music/piano.mp3"] = []byte("piano")

	f.seedRequest(&models.GenerationRequest{
		VisualPrompt:    "rain on leaves",
		ScriptType:      models.ScriptTypeAIGenerated,
		DurationSeconds: 180,
		AmbientSoundID:  &ambientID,
		MusicTrackID:    &musicID,
	})

	require.NoError(t, f.runner.Run(context.Background(), "req-1"))

	assert.NotNil(t, f.composer.gotInputs.AmbientStream)
	assert.NotNil(t, f.composer.gotInputs.MusicStream)
}

func TestRunMissingCatalogTrack(t *testing.T) {
	f := newFixture(48)
	ambientID := "nope"
	f.seedRequest(&models.GenerationRequest{
		VisualPrompt:    "rain",
		ScriptType:      models.ScriptTypeAIGenerated,
		DurationSeconds: 60,
		AmbientSoundID:  &ambientID,
	})

	err := f.runner.Run(context.Background(), "req-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMarkFailedFreezesProgress(t *testing.T) {
	f := newFixture(48)
	f.seedRequest(&models.GenerationRequest{
		VisualPrompt:    "stuck",
		ScriptType:      models.ScriptTypeAIGenerated,
		DurationSeconds: 60,
		Status:          models.StatusGeneratingVideo,
		Progress:        55,
	})

	require.NoError(t, f.runner.MarkFailed(context.Background(), "req-1", errors.New("attempts exhausted")))

	req := f.store.requests["req-1"]
	assert.Equal(t, models.StatusFailed, req.Status)
	assert.Equal(t, 55, req.Progress)
	require.NotNil(t, req.ErrorMessage)
	assert.Equal(t, "attempts exhausted", *req.ErrorMessage)
	assert.Nil(t, req.VideoID)
}

func TestVideoTitleTruncated(t *testing.T) {
	f := newFixture(48)
	longPrompt := strings.Repeat("a", 500)
	f.seedRequest(&models.GenerationRequest{
		VisualPrompt:    longPrompt,
		ScriptType:      models.ScriptTypeAIGenerated,
		DurationSeconds: 60,
	})

	require.NoError(t, f.runner.Run(context.Background(), "req-1"))

	require.Len(t, f.store.videos, 1)
	assert.Len(t, f.store.videos[0].Title, 200)
	assert.Equal(t, longPrompt, f.store.videos[0].VisualPrompt)
}

func TestRealSleeperHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RealSleeper{}.Sleep(ctx, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
