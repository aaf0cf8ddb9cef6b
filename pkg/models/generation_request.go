package models

import "time"

// GenerationRequest is the single source of truth for one meditation video
// in flight. It is created by the Submission Service and driven forward
// exclusively by the Pipeline Worker until it reaches a terminal status.
type GenerationRequest struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	VisualPrompt    string     `json:"visual_prompt" db:"visual_prompt"`
	MeditationType  string     `json:"meditation_type" db:"meditation_type"`
	ScriptType      ScriptType `json:"script_type" db:"script_type"`
	ScriptContent   string     `json:"script_content,omitempty" db:"script_content"`
	DurationSeconds int        `json:"duration_seconds" db:"duration_seconds"`
	AmbientSoundID  *string    `json:"ambient_sound_id,omitempty" db:"ambient_sound_id"`
	MusicTrackID    *string    `json:"music_track_id,omitempty" db:"music_track_id"`
	Visibility      Visibility `json:"visibility" db:"visibility"`
	CreditsCharged  int        `json:"credits_charged" db:"credits_charged"`
	Status          Status     `json:"status" db:"status"`
	Progress        int        `json:"progress" db:"progress"`
	VideoID         *string    `json:"video_id,omitempty" db:"video_id"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// ScriptType selects where the request's narration script comes from.
type ScriptType string

const (
	ScriptTypeAIGenerated  ScriptType = "ai_generated"
	ScriptTypeUserProvided ScriptType = "user_provided"
	ScriptTypeTemplate     ScriptType = "template"
)

// Visibility is the publish visibility requested at submission time; it is
// copied onto the Video row at publish, which itself starts pending_review
// regardless until moderation acts.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Status is the pipeline state machine's current stage for one request.
type Status string

const (
	StatusPending           Status = "pending"
	StatusGeneratingScript  Status = "generating_script"
	StatusGeneratingVoice   Status = "generating_voice"
	StatusGeneratingVideo   Status = "generating_video"
	StatusCompositing       Status = "compositing"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
)

// IsTerminal reports whether no further stage transition is expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AllowedDurations enumerates the only durations the Submission Service
// will price and accept.
var AllowedDurations = map[int]bool{
	60:  true,
	120: true,
	180: true,
	300: true,
}

// DurationBaseCost is the credit pricing table, keyed by
// durationSeconds.
var DurationBaseCost = map[int]int{
	60:  5,
	120: 8,
	180: 12,
	300: 15,
}

// PrivateSurcharge is added on top of the base cost when Visibility is
// private.
const PrivateSurcharge = 3

// DefaultMeditationType is used when the caller does not specify a theme;
// the visual prompt still carries the thematic hint passed to the script
// provider.
const DefaultMeditationType = "general"
