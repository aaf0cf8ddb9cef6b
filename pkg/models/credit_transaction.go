package models

import "time"

// CreditTransaction is an append-only ledger row. Every balance mutation on
// a User is accompanied by exactly one of these, written in the same
// database transaction as the balance update.
type CreditTransaction struct {
	ID          string                `json:"id" db:"id"`
	UserID      string                `json:"user_id" db:"user_id"`
	Amount      int                   `json:"amount" db:"amount"`
	Type        CreditTransactionType `json:"type" db:"type"`
	Description string                `json:"description" db:"description"`
	ExternalRef *string               `json:"external_ref,omitempty" db:"external_ref"`
	CreatedAt   time.Time             `json:"created_at" db:"created_at"`
}

// CreditTransactionType classifies the reason behind a balance mutation.
type CreditTransactionType string

const (
	CreditTransactionPurchase         CreditTransactionType = "purchase"
	CreditTransactionGenerationSpend  CreditTransactionType = "generation_spend"
	CreditTransactionPrivateSurcharge CreditTransactionType = "private_surcharge"
	CreditTransactionRefund           CreditTransactionType = "refund"
)
