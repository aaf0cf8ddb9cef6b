package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Video is the published artifact of a successfully completed pipeline run.
// It is created exactly once, at the tail of the Compose stage, and is
// mutated thereafter only by the moderation service.
type Video struct {
	ID                string           `json:"id" db:"id"`
	UserID            string           `json:"user_id" db:"user_id"`
	Title             string           `json:"title" db:"title"`
	StorageKey        string           `json:"storage_key" db:"storage_key"`
	ThumbnailKey      string           `json:"thumbnail_key" db:"thumbnail_key"`
	DurationSeconds   int              `json:"duration_seconds" db:"duration_seconds"`
	Visibility        VideoVisibility  `json:"visibility" db:"visibility"`
	ModerationStatus  ModerationStatus `json:"moderation_status" db:"moderation_status"`
	VisualPrompt      string           `json:"visual_prompt" db:"visual_prompt"`
	Metadata          Metadata         `json:"metadata" db:"metadata"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// VideoVisibility mirrors GenerationRequest.Visibility at the time of
// publish, plus the pending_review state a freshly-inserted video always
// starts in until the moderation service acts on it.
type VideoVisibility string

const (
	VideoVisibilityPendingReview VideoVisibility = "pending_review"
	VideoVisibilityPublic        VideoVisibility = "public"
	VideoVisibilityPrivate       VideoVisibility = "private"
)

// ModerationStatus tracks the moderation service's verdict.
type ModerationStatus string

const (
	ModerationStatusPending  ModerationStatus = "pending"
	ModerationStatusApproved ModerationStatus = "approved"
	ModerationStatusRejected ModerationStatus = "rejected"
)

// Metadata is a free-form jsonb column. The pipeline stores the
// ffprobe-measured duration ("duration_seconds") and the request's
// "requested_duration" and "requested_visibility"; codec and dimensions
// are not recorded.
type Metadata map[string]interface{}

// Value implements driver.Valuer for database storage.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = make(Metadata)
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(b, m)
}
