package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Module is a category of generation task mapped to one provider/model.
type Module string

const (
	ModuleChat              Module = "chat"
	ModuleImage             Module = "image"
	ModuleTTS               Module = "tts"
	ModuleImageToVideo      Module = "image-to-video-no-audio"
	ModuleImageToVideoAudio Module = "image-to-video-with-audio"
	ModuleAudioToVideo      Module = "audio-to-video"
)

// Modules lists every supported module in display order.
var Modules = []Module{
	ModuleChat,
	ModuleImage,
	ModuleTTS,
	ModuleImageToVideo,
	ModuleImageToVideoAudio,
	ModuleAudioToVideo,
}

func (m Module) Valid() bool {
	for _, known := range Modules {
		if m == known {
			return true
		}
	}
	return false
}

type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusProcessing      JobStatus = "processing"
	JobStatusPreviewReady    JobStatus = "preview_ready"
	JobStatusGeneratingFinal JobStatus = "generating_final"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
	JobStatusCancelled       JobStatus = "cancelled"
	JobStatusTimeout         JobStatus = "timeout"
)

// Terminal reports whether no further transition may leave this status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	}
	return false
}

// InFlightStatuses are the statuses a job holds while a provider is working on it.
var InFlightStatuses = []JobStatus{JobStatusProcessing, JobStatusPreviewReady, JobStatusGeneratingFinal}

type Job struct {
	ID                  uuid.UUID       `json:"id"`
	IdempotencyKey      string          `json:"idempotency_key"`
	UserID              uuid.UUID       `json:"user_id"`
	Module              Module          `json:"module"`
	Params              json.RawMessage `json:"params"`
	Cost                int             `json:"cost"`
	Status              JobStatus       `json:"status"`
	PreviewURL          *string         `json:"preview_url,omitempty"`
	FinalURLs           []string        `json:"final_urls"`
	OutputText          *string         `json:"output_text,omitempty"`
	Provider            string          `json:"provider,omitempty"`
	ProviderRequestID   *string         `json:"provider_request_id,omitempty"`
	Model               string          `json:"model,omitempty"`
	RetryCount          int             `json:"retry_count"`
	MaxRetries          int             `json:"max_retries"`
	PollAttempts        int             `json:"poll_attempts"`
	ErrorMessage        *string         `json:"error,omitempty"`
	DeadlineAt          *time.Time      `json:"deadline_at,omitempty"`
	NextAttemptAt       *time.Time      `json:"next_attempt_at,omitempty"`
	QueuedAt            *time.Time      `json:"queued_at,omitempty"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	PreviewReadyAt      *time.Time      `json:"preview_ready_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	FailedAt            *time.Time      `json:"failed_at,omitempty"`
	CancelledAt         *time.Time      `json:"cancelled_at,omitempty"`
	TimedOutAt          *time.Time      `json:"timed_out_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Submitted reports whether a provider has accepted the job.
func (j *Job) Submitted() bool {
	return j.ProviderRequestID != nil && *j.ProviderRequestID != ""
}
