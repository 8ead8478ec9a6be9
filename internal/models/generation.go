package models

import (
	"time"

	"github.com/google/uuid"
)

// HistoryWindow is how many generations a user keeps before the oldest are evicted.
const HistoryWindow = 30

// Generation is the user-facing history record of a completed job.
type Generation struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	JobID      uuid.UUID `json:"job_id"`
	Type       Module    `json:"type"`
	PreviewURL *string   `json:"preview_url,omitempty"`
	FinalURLs  []string  `json:"final_urls"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// DeletionQueueEntry is an evicted generation whose assets still need removing.
type DeletionQueueEntry struct {
	ID            uuid.UUID `json:"id"`
	GenerationID  uuid.UUID `json:"generation_id"`
	UserID        uuid.UUID `json:"user_id"`
	AssetURLs     []string  `json:"asset_urls"`
	RetryCount    int       `json:"retry_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     *string   `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
