// Package ledger owns credit balance mutations: every change to a user's
// balance is a guarded server-side UPDATE paired with an append-only
// CreditTransaction row written in the same database transaction, so the
// transaction log always sums to the balance.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/calmframe/meditate-pipeline/internal/apperr"
	"github.com/calmframe/meditate-pipeline/internal/database"
	"github.com/calmframe/meditate-pipeline/internal/metrics"
	"github.com/calmframe/meditate-pipeline/pkg/models"
)

// Ledger owns balance mutations on users.credits_balance.
type Ledger struct {
	db   *database.DB
	repo *database.Repository
}

// New creates a Ledger over the given pool and repository.
func New(db *database.DB, repo *database.Repository) *Ledger {
	return &Ledger{db: db, repo: repo}
}

// Reserve atomically decrements userID's balance by amount and appends a
// generation_spend transaction, all inside tx (supplied by the caller so
// the submission service can include the GenerationRequest insert in the
// same commit). The guard is a server-side UPDATE ... WHERE balance >=
// amount; a previously-read balance is never trusted.
func (l *Ledger) Reserve(ctx context.Context, tx pgx.Tx, userID string, amount int, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	var newBalance int
	err := tx.QueryRow(ctx, `
		UPDATE users
		SET credits_balance = credits_balance - $2
		WHERE id = $1 AND credits_balance >= $2
		RETURNING credits_balance
	`, userID, amount).Scan(&newBalance)

	if errors.Is(err, pgx.ErrNoRows) {
		metrics.RecordReserve("insufficient_credits", 0)
		return 0, apperr.InsufficientCredits(amount)
	}
	if err != nil {
		metrics.RecordReserve("error", 0)
		return 0, apperr.Internal(fmt.Errorf("failed to reserve credits: %w", err))
	}

	txn := &models.CreditTransaction{
		UserID:      userID,
		Amount:      -amount,
		Type:        models.CreditTransactionGenerationSpend,
		Description: description,
	}
	if err := l.repo.CreateCreditTransaction(ctx, tx, txn); err != nil {
		metrics.RecordReserve("error", 0)
		return 0, apperr.Internal(err)
	}

	metrics.RecordReserve("ok", newBalance)
	return newBalance, nil
}

// Grant atomically increments userID's balance by amount and appends a
// matching transaction of the given type. Runs in its own transaction
// unless the caller supplies one via GrantTx.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int, txType models.CreditTransactionType, description string, externalRef *string) (int, error) {
	tx, err := l.db.Pool.Begin(ctx)
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	balance, err := l.GrantTx(ctx, tx, userID, amount, txType, description, externalRef)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, apperr.Internal(fmt.Errorf("failed to commit grant: %w", err))
	}

	return balance, nil
}

// GrantTx is Grant run inside a caller-supplied transaction.
func (l *Ledger) GrantTx(ctx context.Context, tx pgx.Tx, userID string, amount int, txType models.CreditTransactionType, description string, externalRef *string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", amount)
	}

	var newBalance int
	err := tx.QueryRow(ctx, `
		UPDATE users
		SET credits_balance = credits_balance + $2
		WHERE id = $1
		RETURNING credits_balance
	`, userID, amount).Scan(&newBalance)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound("user not found")
	}
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("failed to grant credits: %w", err))
	}

	txn := &models.CreditTransaction{
		UserID:      userID,
		Amount:      amount,
		Type:        txType,
		Description: description,
		ExternalRef: externalRef,
	}
	if err := l.repo.CreateCreditTransaction(ctx, tx, txn); err != nil {
		return 0, apperr.Internal(err)
	}

	return newBalance, nil
}
