// Package submission is the synchronous entrypoint for new generation
// requests: validate, price, reserve credits, persist, enqueue. The
// reserve and the request insert commit in one database transaction; the
// enqueue happens after commit, so a lost enqueue leaves a resumable
// pending row behind rather than an open transaction spanning two
// systems.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/calmframe/meditate-pipeline/internal/apperr"
	"github.com/calmframe/meditate-pipeline/internal/metrics"
	"github.com/calmframe/meditate-pipeline/pkg/models"
)

// Request is the submission body. scriptContent is required exactly when
// the script is not AI-generated.
type Request struct {
	VisualPrompt    string  `json:"visualPrompt" validate:"required,min=1,max=1000"`
	MeditationType  string  `json:"meditationType" validate:"omitempty,max=100"`
	ScriptType      string  `json:"scriptType" validate:"required,oneof=ai_generated user_provided template"`
	ScriptContent   string  `json:"scriptContent" validate:"required_unless=ScriptType ai_generated"`
	DurationSeconds int     `json:"durationSeconds" validate:"required,oneof=60 120 180 300"`
	AmbientSoundID  *string `json:"ambientSoundId" validate:"omitempty,uuid"`
	MusicTrackID    *string `json:"musicTrackId" validate:"omitempty,uuid"`
	Visibility      string  `json:"visibility" validate:"omitempty,oneof=public private"`
}

// Reserver is the ledger operation the service needs.
type Reserver interface {
	Reserve(ctx context.Context, tx pgx.Tx, userID string, amount int, description string) (int, error)
}

// Store is the subset of database.Repository the service needs.
type Store interface {
	CreateGenerationRequest(ctx context.Context, tx pgx.Tx, req *models.GenerationRequest) error
	GetGenerationRequestForUser(ctx context.Context, id, userID string) (*models.GenerationRequest, error)
	ListGenerationRequestsByUser(ctx context.Context, userID string, limit, offset int) ([]*models.GenerationRequest, error)
	MarkFailed(ctx context.Context, id, errMsg string) error
}

// TxRunner runs a function inside one database transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Enqueuer publishes a job for a committed request.
type Enqueuer interface {
	Enqueue(ctx context.Context, generationRequestID string) error
}

// Service implements submission and the request listing.
type Service struct {
	db       TxRunner
	ledger   Reserver
	store    Store
	queue    Enqueuer
	validate *validator.Validate
}

// New wires a Service from its collaborators.
func New(db TxRunner, ledger Reserver, store Store, queue Enqueuer) *Service {
	return &Service{
		db:       db,
		ledger:   ledger,
		store:    store,
		queue:    queue,
		validate: validator.New(),
	}
}

// Price computes the credit cost for a duration/visibility combination.
// The duration must already be validated against the allowed set.
func Price(durationSeconds int, visibility models.Visibility) int {
	cost := models.DurationBaseCost[durationSeconds]
	if visibility == models.VisibilityPrivate {
		cost += models.PrivateSurcharge
	}
	return cost
}

// Submit validates the request, atomically charges the user, persists the
// request row, and enqueues the pipeline job. The caller receives the
// created row on success.
func (s *Service) Submit(ctx context.Context, userID string, in Request) (*models.GenerationRequest, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	visibility := models.Visibility(in.Visibility)
	if visibility == "" {
		visibility = models.VisibilityPublic
	}

	meditationType := in.MeditationType
	if meditationType == "" {
		meditationType = models.DefaultMeditationType
	}

	creditsNeeded := Price(in.DurationSeconds, visibility)

	req := &models.GenerationRequest{
		UserID:          userID,
		VisualPrompt:    in.VisualPrompt,
		MeditationType:  meditationType,
		ScriptType:      models.ScriptType(in.ScriptType),
		ScriptContent:   in.ScriptContent,
		DurationSeconds: in.DurationSeconds,
		AmbientSoundID:  in.AmbientSoundID,
		MusicTrackID:    in.MusicTrackID,
		Visibility:      visibility,
		CreditsCharged:  creditsNeeded,
		Status:          models.StatusPending,
		Progress:        0,
	}

	err := s.db.WithinTx(ctx, func(tx pgx.Tx) error {
		description := fmt.Sprintf("%ds %s meditation video", in.DurationSeconds, visibility)
		if _, err := s.ledger.Reserve(ctx, tx, userID, creditsNeeded, description); err != nil {
			return err
		}
		return s.store.CreateGenerationRequest(ctx, tx, req)
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperr.Internal(err)
	}

	// Post-commit enqueue: a failure here orphans the committed row as
	// failed instead of rolling back the charge. The sweeper does not
	// resurrect it because it is no longer pending.
	if err := s.queue.Enqueue(ctx, req.ID); err != nil {
		log.Error().Err(err).
			Str("generation_request_id", req.ID).
			Msg("enqueue failed after commit, marking request failed")
		if markErr := s.store.MarkFailed(ctx, req.ID, "failed to enqueue generation job"); markErr != nil {
			log.Error().Err(markErr).
				Str("generation_request_id", req.ID).
				Msg("failed to mark orphaned request failed")
		}
		return nil, apperr.Internal(err)
	}

	metrics.RecordSubmission(string(visibility), in.ScriptType)
	return req, nil
}

// List returns one page of the user's own requests.
func (s *Service) List(ctx context.Context, userID string, page, limit int) ([]*models.GenerationRequest, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 50 {
		limit = 20
	}
	offset := (page - 1) * limit

	out, err := s.store.ListGenerationRequestsByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// validationError flattens validator.ValidationErrors into the
// field-keyed detail map the HTTP boundary returns as a 400 body.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("invalid request", nil)
	}

	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fieldName(fe.Field())] = messageFor(fe)
	}
	return apperr.Validation("invalid request", details)
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_unless":
		return "is required for this script type"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "uuid":
		return "must be a valid uuid"
	default:
		return "is invalid"
	}
}

// fieldName lowercases the struct field's first rune to match the JSON
// field names clients submit.
func fieldName(structField string) string {
	if structField == "" {
		return structField
	}
	return strings.ToLower(structField[:1]) + structField[1:]
}
