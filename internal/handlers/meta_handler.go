package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/mediaforge/backend/internal/catalog"
	"github.com/mediaforge/backend/internal/models"
)

type moduleResponse struct {
	Module           models.Module          `json:"module"`
	Cost             int                    `json:"cost"`
	Mode             catalog.CompletionMode `json:"mode"`
	EstimatedSeconds int                    `json:"estimated_seconds"`
}

// Modules handles GET /api/v1/modules.
func Modules(c Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		specs := c.List()
		out := make([]moduleResponse, 0, len(specs))
		for _, s := range specs {
			out = append(out, moduleResponse{Module: s.Module, Cost: s.Cost, Mode: s.Mode, EstimatedSeconds: s.EstimatedSeconds()})
		}
		writeJSON(w, http.StatusOK, map[string]any{"modules": out})
	}
}

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health handles GET /healthz.
func Health(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make(map[string]string, len(deps))
		status := http.StatusOK
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		writeJSON(w, status, map[string]any{"status": state, "checks": checks})
	}
}
