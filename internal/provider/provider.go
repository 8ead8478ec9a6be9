// Package provider wraps third-party generation APIs behind one asynchronous
// contract: submit, then poll or receive a webhook, then fetch the result.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mediaforge/backend/internal/catalog"
	"github.com/mediaforge/backend/internal/models"
)

var (
	ErrNoAdapter       = errors.New("no adapter registered for module")
	ErrUnknownRequest  = errors.New("unknown provider request")
	ErrInvalidWebhook  = errors.New("invalid webhook payload")
	ErrResultNotReady  = errors.New("result not ready")
	ErrMissingAPIKey   = errors.New("provider api key is required")
	ErrMissingEndpoint = errors.New("provider base url is required")
)

// State is the provider-side status of a submitted request.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Done reports whether the provider has finished with the request.
func (s State) Done() bool { return s == StateCompleted || s == StateFailed }

type SubmitRequest struct {
	JobID  uuid.UUID
	Module models.Module
	Model  string
	Params json.RawMessage
	// WebhookURL is empty for modules that are polled.
	WebhookURL string
}

type Submission struct {
	RequestID string
	Model     string
}

type Status struct {
	State      State
	PreviewURL string
	Error      string
}

type Artifact struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

type Result struct {
	Artifacts       []Artifact
	Text            string
	DurationSeconds float64
}

// WebhookEvent is a provider callback normalised to the adapter contract.
type WebhookEvent struct {
	RequestID  string
	State      State
	PreviewURL string
	Result     *Result
	Error      string
}

// Adapter is implemented once per provider.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (*Submission, error)
	PollStatus(ctx context.Context, requestID string) (*Status, error)
	FetchResult(ctx context.Context, requestID string) (*Result, error)
}

// WebhookParser is implemented by adapters whose provider can call back.
type WebhookParser interface {
	ParseWebhook(body []byte) (*WebhookEvent, error)
}

// Error is returned by adapters. Retryable is true only when the provider
// cannot have accepted (and billed) the request.
type Error struct {
	Op         string
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a provider error that is safe to resubmit.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable
}

// Registry maps modules to adapters.
type Registry struct {
	mu       sync.RWMutex
	byModule map[models.Module]Adapter
	byName   map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		byModule: make(map[models.Module]Adapter),
		byName:   make(map[string]Adapter),
	}
}

func (r *Registry) Register(m models.Module, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModule[m] = a
	r.byName[a.Name()] = a
}

// For returns the adapter serving module m.
func (r *Registry) For(m models.Module) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byModule[m]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, m)
	}
	return a, nil
}

// Named returns the adapter registered under name, used by webhook routes.
func (r *Registry) Named(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// NewRegistryFromCatalog binds every catalog module to the adapter named by its
// spec. Every module must resolve.
func NewRegistryFromCatalog(specs []catalog.Spec, adapters map[string]Adapter) (*Registry, error) {
	r := NewRegistry()
	for _, spec := range specs {
		a, ok := adapters[spec.Adapter]
		if !ok {
			return nil, fmt.Errorf("module %s: %w %q", spec.Module, ErrNoAdapter, spec.Adapter)
		}
		r.Register(spec.Module, a)
	}
	return r, nil
}
