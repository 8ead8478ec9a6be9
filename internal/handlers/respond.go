package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// Errors writes 5xx responses. The cause is logged and, with debug on,
// returned as detail.
type Errors struct {
	Logger *slog.Logger
	Debug  bool
}

func (e Errors) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// internal answers 503 when the database or another backing service could not
// be reached and 500 for anything else.
func (e Errors) internal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	e.log().Error(msg, "method", r.Method, "path", r.URL.Path, "error", err)
	status := http.StatusInternalServerError
	resp := errorResponse{Error: msg}
	if unavailable(err) {
		status = http.StatusServiceUnavailable
		resp.Error = "service temporarily unavailable"
		w.Header().Set("Retry-After", "5")
	}
	if e.Debug && err != nil {
		resp.Detail = err.Error()
	}
	writeJSON(w, status, resp)
}

// unavailable reports whether err comes from an unreachable or overloaded
// backing service rather than a fault in the request or the code.
func unavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 {
		// connection exception, insufficient resources, operator intervention
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	return id, err == nil
}

// queryLimit reads ?limit= clamped to (0, upper], defaulting to def.
func queryLimit(r *http.Request, def, upper int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, upper)
}
