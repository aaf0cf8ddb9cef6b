package submission

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmframe/meditate-pipeline/internal/apperr"
	"github.com/calmframe/meditate-pipeline/pkg/models"
)

type fakeTxRunner struct{}

func (fakeTxRunner) WithinTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

// fakeLedger tracks a single in-memory balance with the same guarded
// semantics as the real reserve.
type fakeLedger struct {
	mu      sync.Mutex
	balance int
	spends  []int
}

func (l *fakeLedger) Reserve(ctx context.Context, tx pgx.Tx, userID string, amount int, description string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance < amount {
		return 0, apperr.InsufficientCredits(amount)
	}
	l.balance -= amount
	l.spends = append(l.spends, amount)
	return l.balance, nil
}

type fakeStore struct {
	mu        sync.Mutex
	created   []*models.GenerationRequest
	failed    []string
	createErr error
	gotLimit  int
	gotOffset int
}

func (s *fakeStore) CreateGenerationRequest(ctx context.Context, tx pgx.Tx, req *models.GenerationRequest) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req.ID = "req-1"
	s.created = append(s.created, req)
	return nil
}

func (s *fakeStore) GetGenerationRequestForUser(ctx context.Context, id, userID string) (*models.GenerationRequest, error) {
	return nil, errors.New("not used")
}

func (s *fakeStore) ListGenerationRequestsByUser(ctx context.Context, userID string, limit, offset int) ([]*models.GenerationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotLimit, s.gotOffset = limit, offset
	return nil, nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, id)
	return nil
}

type fakeQueue struct {
	enqueued []string
	err      error
}

func (q *fakeQueue) Enqueue(ctx context.Context, generationRequestID string) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, generationRequestID)
	return nil
}

func newService(balance int) (*Service, *fakeLedger, *fakeStore, *fakeQueue) {
	ledger := &fakeLedger{balance: balance}
	store := &fakeStore{}
	queue := &fakeQueue{}
	return New(fakeTxRunner{}, ledger, store, queue), ledger, store, queue
}

func validRequest() Request {
	return Request{
		VisualPrompt:    "A peaceful mountain scene",
		ScriptType:      "ai_generated",
		DurationSeconds: 60,
	}
}

func TestPrice(t *testing.T) {
	tests := []struct {
		duration   int
		visibility models.Visibility
		want       int
	}{
		{60, models.VisibilityPublic, 5},
		{120, models.VisibilityPublic, 8},
		{180, models.VisibilityPublic, 12},
		{300, models.VisibilityPublic, 15},
		{60, models.VisibilityPrivate, 8},
		{120, models.VisibilityPrivate, 11},
		{180, models.VisibilityPrivate, 15},
		{300, models.VisibilityPrivate, 18},
	}

	for _, tt := range tests {
		got := Price(tt.duration, tt.visibility)
		assert.Equal(t, tt.want, got, "duration=%d visibility=%s", tt.duration, tt.visibility)
	}
}

func TestSubmitHappyPath(t *testing.T) {
	svc, ledger, store, queue := newService(100)

	req, err := svc.Submit(context.Background(), "user-1", validRequest())
	require.NoError(t, err)

	assert.Equal(t, 5, req.CreditsCharged)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Equal(t, 0, req.Progress)
	assert.Equal(t, models.VisibilityPublic, req.Visibility)
	assert.Equal(t, models.DefaultMeditationType, req.MeditationType)

	assert.Equal(t, 95, ledger.balance)
	require.Len(t, store.created, 1)
	assert.Equal(t, []string{"req-1"}, queue.enqueued)
}

func TestSubmitPrivateSurcharge(t *testing.T) {
	svc, ledger, _, _ := newService(100)

	in := validRequest()
	in.Visibility = "private"

	req, err := svc.Submit(context.Background(), "user-1", in)
	require.NoError(t, err)

	assert.Equal(t, 8, req.CreditsCharged)
	assert.Equal(t, 92, ledger.balance)
}

func TestSubmitInsufficientCredits(t *testing.T) {
	svc, ledger, store, queue := newService(0)

	_, err := svc.Submit(context.Background(), "user-1", validRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInsufficientCredits)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 5, appErr.Required)

	// No side effects: no row, no message, no charge.
	assert.Equal(t, 0, ledger.balance)
	assert.Empty(t, store.created)
	assert.Empty(t, queue.enqueued)
}

func TestSubmitInvalidDuration(t *testing.T) {
	svc, ledger, store, queue := newService(100)

	in := validRequest()
	in.DurationSeconds = 90

	_, err := svc.Submit(context.Background(), "user-1", in)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Details, "durationSeconds")

	assert.Equal(t, 100, ledger.balance)
	assert.Empty(t, store.created)
	assert.Empty(t, queue.enqueued)
}

func TestSubmitUserProvidedWithoutContent(t *testing.T) {
	svc, _, _, _ := newService(100)

	in := validRequest()
	in.ScriptType = "user_provided"

	_, err := svc.Submit(context.Background(), "user-1", in)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Details, "scriptContent")
}

func TestSubmitTemplateWithContent(t *testing.T) {
	svc, _, store, _ := newService(100)

	in := validRequest()
	in.ScriptType = "template"
	in.ScriptContent = "close your eyes"

	req, err := svc.Submit(context.Background(), "user-1", in)
	require.NoError(t, err)
	assert.Equal(t, "close your eyes", req.ScriptContent)
	require.Len(t, store.created, 1)
}

func TestSubmitRejectsUnknownScriptType(t *testing.T) {
	svc, _, _, _ := newService(100)

	in := validRequest()
	in.ScriptType = "freestyle"

	_, err := svc.Submit(context.Background(), "user-1", in)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSubmitRejectsOversizedPrompt(t *testing.T) {
	svc, _, _, _ := newService(100)

	in := validRequest()
	for len(in.VisualPrompt) <= 1000 {
		in.VisualPrompt += in.VisualPrompt
	}

	_, err := svc.Submit(context.Background(), "user-1", in)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSubmitEnqueueFailureMarksRequestFailed(t *testing.T) {
	svc, ledger, store, queue := newService(100)
	queue.err = errors.New("broker unavailable")

	_, err := svc.Submit(context.Background(), "user-1", validRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInternal)

	// The charge stands and the committed row is marked failed.
	assert.Equal(t, 95, ledger.balance)
	assert.Equal(t, []string{"req-1"}, store.failed)
}

func TestSubmitConcurrentSpendsNeverOverdraw(t *testing.T) {
	svc, ledger, store, _ := newService(12)

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Submit(context.Background(), "user-1", validRequest())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, apperr.ErrInsufficientCredits)
		}
	}

	// 12 credits fund exactly two 5-credit submissions.
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 2, ledger.balance)
	assert.Len(t, store.created, succeeded)

	total := 0
	for _, amount := range ledger.spends {
		total += amount
	}
	assert.Equal(t, 10, total)
}

func TestListClampsPagination(t *testing.T) {
	svc, _, store, _ := newService(0)

	// Out-of-range values fall back to defaults without erroring.
	_, err := svc.List(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, store.gotLimit)
	assert.Equal(t, 0, store.gotOffset)
	_, err = svc.List(context.Background(), "user-1", -3, 500)
	require.NoError(t, err)
	assert.Equal(t, 20, store.gotLimit)
	assert.Equal(t, 0, store.gotOffset)
}
