package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MockAdapter is a deterministic in-process provider used in development when
// no upstream is configured, and by tests.
type MockAdapter struct {
	name string

	// CompleteAfter is the number of status polls answered with processing
	// before the request completes.
	CompleteAfter int
	// PreviewURL, when set, is reported while the request is processing.
	PreviewURL string
	// FailWith makes every request end in StateFailed with this message.
	FailWith string
	// SubmitErr is returned from Submit when non-nil.
	SubmitErr error
	// Text is returned as the result text; when empty an artifact URL is returned.
	Text string
	// ArtifactBaseURL prefixes generated artifact URLs.
	ArtifactBaseURL string

	submits atomic.Int64

	mu    sync.Mutex
	polls map[string]int
	seq   int
}

func NewMockAdapter(name string) *MockAdapter {
	if name == "" {
		name = "mock"
	}
	return &MockAdapter{name: name, ArtifactBaseURL: "https://mock.invalid/artifacts", polls: make(map[string]int)}
}

func (m *MockAdapter) Name() string { return m.name }

// SubmitCalls returns how many times Submit was invoked.
func (m *MockAdapter) SubmitCalls() int { return int(m.submits.Load()) }

func (m *MockAdapter) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	m.submits.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "submit", Retryable: true, Err: err}
	}
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("%s-%d-%s", m.name, m.seq, req.JobID)
	m.polls[id] = 0
	model := req.Model
	if model == "" {
		model = "mock-model"
	}
	return &Submission{RequestID: id, Model: model}, nil
}

func (m *MockAdapter) PollStatus(_ context.Context, requestID string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.polls[requestID]
	if !ok {
		return nil, &Error{Op: "poll", Err: ErrUnknownRequest}
	}
	m.polls[requestID] = n + 1
	if m.FailWith != "" && n >= m.CompleteAfter {
		return &Status{State: StateFailed, Error: m.FailWith}, nil
	}
	if m.CompleteAfter < 0 || n < m.CompleteAfter {
		return &Status{State: StateProcessing, PreviewURL: m.PreviewURL}, nil
	}
	return &Status{State: StateCompleted, PreviewURL: m.PreviewURL}, nil
}

func (m *MockAdapter) FetchResult(_ context.Context, requestID string) (*Result, error) {
	m.mu.Lock()
	_, ok := m.polls[requestID]
	m.mu.Unlock()
	if !ok {
		return nil, &Error{Op: "fetch_result", Err: ErrUnknownRequest}
	}
	if m.FailWith != "" {
		return nil, &Error{Op: "fetch_result", Err: fmt.Errorf("%s", m.FailWith)}
	}
	if m.Text != "" {
		return &Result{Text: m.Text}, nil
	}
	return &Result{Artifacts: []Artifact{{URL: m.ArtifactBaseURL + "/" + requestID + ".png", ContentType: "image/png"}}}, nil
}

// ParseWebhook accepts the queue webhook format so dev setups can simulate callbacks.
func (m *MockAdapter) ParseWebhook(body []byte) (*WebhookEvent, error) {
	return (&QueueAdapter{}).ParseWebhook(body)
}

var (
	_ Adapter       = (*MockAdapter)(nil)
	_ WebhookParser = (*MockAdapter)(nil)
)
