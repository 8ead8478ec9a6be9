package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mediaforge/backend/internal/auth"
	"github.com/mediaforge/backend/internal/catalog"
	"github.com/mediaforge/backend/internal/ledger"
	"github.com/mediaforge/backend/internal/models"
	"github.com/mediaforge/backend/internal/orchestrator"
	"github.com/mediaforge/backend/internal/services"
)

type JobCreator interface {
	CreateJobWithDebit(ctx context.Context, in ledger.NewJob) (*ledger.CreateResult, error)
}

type JobReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Job, error)
}

type JobControl interface {
	Cancel(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error)
	Retry(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, int, error)
}

type Catalog interface {
	Get(m models.Module) (catalog.Spec, error)
	List() []catalog.Spec
}

type ParamsValidator interface {
	Validate(m models.Module, params json.RawMessage) error
}

// JobHandler serves /api/v1/jobs.
type JobHandler struct {
	Ledger    JobCreator
	Jobs      JobReader
	Control   JobControl
	Catalog   Catalog
	Validator ParamsValidator
	Errors
}

type createJobRequest struct {
	Module         models.Module   `json:"module"`
	Params         json.RawMessage `json:"params"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type createJobResponse struct {
	JobID            uuid.UUID        `json:"job_id"`
	Status           models.JobStatus `json:"status"`
	Cost             int              `json:"cost"`
	EstimatedSeconds int              `json:"estimated_seconds"`
	Balance          *int             `json:"balance,omitempty"`
}

type insufficientResponse struct {
	Error     string `json:"error"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

type validationResponse struct {
	Error  string                `json:"error"`
	Fields []services.FieldError `json:"fields"`
}

// JobResponse is the user-facing view of a job.
type JobResponse struct {
	ID         uuid.UUID        `json:"id"`
	Module     models.Module    `json:"module"`
	Status     models.JobStatus `json:"status"`
	Cost       int              `json:"cost"`
	PreviewURL *string          `json:"preview_url,omitempty"`
	FinalURLs  []string         `json:"final_urls"`
	OutputText *string          `json:"output_text,omitempty"`
	Error      *string          `json:"error,omitempty"`
	RetryCount int              `json:"retry_count"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func toJobResponse(j *models.Job) JobResponse {
	urls := j.FinalURLs
	if urls == nil {
		urls = []string{}
	}
	return JobResponse{
		ID:         j.ID,
		Module:     j.Module,
		Status:     j.Status,
		Cost:       j.Cost,
		PreviewURL: j.PreviewURL,
		FinalURLs:  urls,
		OutputText: j.OutputText,
		Error:      j.ErrorMessage,
		RetryCount: j.RetryCount,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

// Create handles POST /api/v1/jobs.
// Validate -> debit + create (+ dispatch scheduled in the same tx) -> 202.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromCtx(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if len(req.IdempotencyKey) > 255 {
		writeJSON(w, http.StatusUnprocessableEntity, validationResponse{
			Error:  "validation failed",
			Fields: []services.FieldError{{Field: "idempotency_key", Message: "must be at most 255 characters"}},
		})
		return
	}

	spec, err := h.Catalog.Get(req.Module)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, validationResponse{
			Error:  "validation failed",
			Fields: []services.FieldError{{Field: "module", Message: "unknown module"}},
		})
		return
	}
	if err := h.Validator.Validate(req.Module, req.Params); err != nil {
		var ve *services.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusUnprocessableEntity, validationResponse{Error: "validation failed", Fields: ve.Fields})
			return
		}
		h.internal(w, r, "params validation failed", err)
		return
	}
	if len(req.Params) == 0 {
		req.Params = json.RawMessage(`{}`)
	}

	res, err := h.Ledger.CreateJobWithDebit(r.Context(), ledger.NewJob{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         user.ID,
		Module:         req.Module,
		Params:         req.Params,
		Cost:           spec.Cost,
		MaxRetries:     spec.MaxRetries,
		Provider:       spec.Adapter,
		Model:          spec.Model,
	})
	var insufficient *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, insufficientResponse{
			Error:     "insufficient credits",
			Required:  insufficient.Required,
			Available: insufficient.Available,
		})
		return
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency key already used")
		return
	case errors.Is(err, ledger.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case err != nil:
		h.internal(w, r, "failed to create job", err)
		return
	}

	resp := createJobResponse{
		JobID:            res.Job.ID,
		Status:           res.Job.Status,
		Cost:             res.Job.Cost,
		EstimatedSeconds: spec.EstimatedSeconds(),
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusAccepted
		resp.Balance = &res.Balance
		h.log().Info("job created", "job_id", res.Job.ID, "user_id", user.ID, "module", req.Module, "cost", res.Job.Cost)
	}
	writeJSON(w, status, resp)
}

// ownedJob loads the path job and hides other users' jobs as not found.
func ownedJob(w http.ResponseWriter, r *http.Request, jobs JobReader, e Errors) (*models.User, *models.Job, bool) {
	user := auth.UserFromCtx(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, nil, false
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return nil, nil, false
	}
	job, err := jobs.GetByID(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && job.UserID != user.ID) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, nil, false
	}
	if err != nil {
		e.internal(w, r, "failed to load job", err)
		return nil, nil, false
	}
	return user, job, true
}

// Get handles GET /api/v1/jobs/{id}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	_, job, ok := ownedJob(w, r, h.Jobs, h.Errors)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromCtx(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	jobs, err := h.Jobs.ListByUserID(r.Context(), user.ID, queryLimit(r, 50, 200))
	if err != nil {
		h.internal(w, r, "failed to list jobs", err)
		return
	}
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// Cancel handles POST /api/v1/jobs/{id}/cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromCtx(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := h.Control.Cancel(r.Context(), user.ID, id)
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, orchestrator.ErrNotCancellable):
		writeError(w, http.StatusConflict, "job can no longer be cancelled")
	case err != nil:
		h.internal(w, r, "failed to cancel job", err)
	default:
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

type retryResponse struct {
	JobID   uuid.UUID        `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Cost    int              `json:"cost"`
	Balance int              `json:"balance"`
}

// Retry handles POST /api/v1/jobs/{id}/retry. The cost is debited again.
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromCtx(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, balance, err := h.Control.Retry(r.Context(), user.ID, id)
	var insufficient *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, insufficientResponse{
			Error:     "insufficient credits",
			Required:  insufficient.Required,
			Available: insufficient.Available,
		})
	case errors.Is(err, ledger.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, ledger.ErrNotRetryable):
		writeError(w, http.StatusConflict, "only failed jobs can be retried")
	case err != nil:
		h.internal(w, r, "failed to retry job", err)
	default:
		writeJSON(w, http.StatusAccepted, retryResponse{JobID: job.ID, Status: job.Status, Cost: job.Cost, Balance: balance})
	}
}
