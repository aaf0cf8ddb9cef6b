package models

import "time"

// MediaAsset is a catalog entry for a reusable ambient sound or music
// track, referenced by id from a generation request and streamed from
// object storage during composition.
type MediaAsset struct {
	ID              string         `json:"id" db:"id"`
	Kind            MediaAssetKind `json:"kind" db:"kind"`
	Name            string         `json:"name" db:"name"`
	StorageKey      string         `json:"storage_key" db:"storage_key"`
	DurationSeconds int            `json:"duration_seconds" db:"duration_seconds"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// MediaAssetKind distinguishes the two catalog families a request can
// reference.
type MediaAssetKind string

const (
	MediaAssetAmbientSound MediaAssetKind = "ambient_sound"
	MediaAssetMusicTrack   MediaAssetKind = "music_track"
)
