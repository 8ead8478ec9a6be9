package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/backend/internal/callback"
	"github.com/mediaforge/backend/internal/orchestrator"
	"github.com/mediaforge/backend/internal/provider"
)

type ProviderLookup interface {
	Named(name string) (provider.Adapter, bool)
}

type WebhookReceiver interface {
	HandleWebhook(ctx context.Context, jobID uuid.UUID, ev *provider.WebhookEvent) error
}

// WebhookHandler accepts provider completion callbacks.
type WebhookHandler struct {
	Secret    []byte
	Providers ProviderLookup
	Receiver  WebhookReceiver
	Now       func() time.Time
	Errors
}

// Handle serves POST /webhooks/{provider}/{jobId}. Verified callbacks for
// settled or mismatched jobs are acknowledged with 200 so they are not redelivered.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("jobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	err = callback.Verify(h.Secret, jobID.String(), r.Header.Get(callback.HeaderTimestamp), r.Header.Get(callback.HeaderSignature), body, now())
	if err != nil {
		h.log().Warn("webhook rejected", "job_id", jobID, "provider", r.PathValue("provider"), "error", err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	adapter, ok := h.Providers.Named(r.PathValue("provider"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	parser, ok := adapter.(provider.WebhookParser)
	if !ok {
		writeError(w, http.StatusNotFound, "provider does not send webhooks")
		return
	}
	ev, err := parser.ParseWebhook(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed webhook payload")
		return
	}

	err = h.Receiver.HandleWebhook(r.Context(), jobID, ev)
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, orchestrator.ErrNotSubmitted):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "job submission in progress, retry later")
	case errors.Is(err, orchestrator.ErrProviderMismatch):
		h.log().Warn("webhook for another provider request ignored", "job_id", jobID, "request_id", ev.RequestID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		h.internal(w, r, "failed to apply webhook", err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
