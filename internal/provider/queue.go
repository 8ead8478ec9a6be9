package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const queueDefaultTimeout = 30 * time.Second

// QueueOptions configures a QueueAdapter.
type QueueOptions struct {
	Name       string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// QueueAdapter talks to a queue-style generation API:
//
//	POST {base}/queue/{model}                  -> {"request_id"}
//	GET  {base}/queue/requests/{id}/status     -> {"status", "preview_url", "error"}
//	GET  {base}/queue/requests/{id}/result     -> {"outputs": [...], "duration_seconds"}
type QueueAdapter struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

type queueSubmitBody struct {
	Input      json.RawMessage `json:"input"`
	WebhookURL string          `json:"webhook_url,omitempty"`
	ClientRef  string          `json:"client_ref"`
}

type queueSubmitResponse struct {
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
}

type queueStatusResponse struct {
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	PreviewURL string `json:"preview_url"`
	Error      string `json:"error"`
}

type queueResultResponse struct {
	Outputs         []Artifact `json:"outputs"`
	Text            string     `json:"text"`
	DurationSeconds float64    `json:"duration_seconds"`
	Error           string     `json:"error"`
}

type queueWebhookPayload struct {
	queueStatusResponse
	Outputs         []Artifact `json:"outputs"`
	Text            string     `json:"text"`
	DurationSeconds float64    `json:"duration_seconds"`
}

func NewQueueAdapter(opts QueueOptions) (*QueueAdapter, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingEndpoint
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: queueDefaultTimeout}
	}
	name := opts.Name
	if name == "" {
		name = "queue"
	}
	return &QueueAdapter{
		name:    name,
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(opts.APIKey),
		client:  client,
	}, nil
}

func (q *QueueAdapter) Name() string { return q.name }

func (q *QueueAdapter) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	input := req.Params
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(queueSubmitBody{Input: input, WebhookURL: req.WebhookURL, ClientRef: req.JobID.String()})
	if err != nil {
		return nil, &Error{Op: "submit", Retryable: true, Err: fmt.Errorf("encode request: %w", err)}
	}
	endpoint := q.baseURL + "/queue/" + strings.Trim(req.Model, "/")

	var out queueSubmitResponse
	if err := q.do(ctx, http.MethodPost, endpoint, body, &out); err != nil {
		return nil, classifySubmit(err)
	}
	if out.RequestID == "" {
		// The provider answered 2xx, so it may have accepted the job.
		return nil, &Error{Op: "submit", Retryable: false, Err: errors.New("response carried no request id")}
	}
	model := out.Model
	if model == "" {
		model = req.Model
	}
	return &Submission{RequestID: out.RequestID, Model: model}, nil
}

func (q *QueueAdapter) PollStatus(ctx context.Context, requestID string) (*Status, error) {
	var out queueStatusResponse
	endpoint := fmt.Sprintf("%s/queue/requests/%s/status", q.baseURL, url.PathEscape(requestID))
	if err := q.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, &Error{Op: "poll", Err: err, StatusCode: statusOf(err)}
	}
	return &Status{State: normalizeState(out.Status), PreviewURL: out.PreviewURL, Error: out.Error}, nil
}

func (q *QueueAdapter) FetchResult(ctx context.Context, requestID string) (*Result, error) {
	var out queueResultResponse
	endpoint := fmt.Sprintf("%s/queue/requests/%s/result", q.baseURL, url.PathEscape(requestID))
	if err := q.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, &Error{Op: "fetch_result", Err: err, StatusCode: statusOf(err)}
	}
	if out.Error != "" {
		return nil, &Error{Op: "fetch_result", Err: errors.New(out.Error)}
	}
	if len(out.Outputs) == 0 && out.Text == "" {
		return nil, &Error{Op: "fetch_result", Err: errors.New("result has no outputs")}
	}
	return &Result{Artifacts: out.Outputs, Text: out.Text, DurationSeconds: out.DurationSeconds}, nil
}

func (q *QueueAdapter) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var p queueWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if p.RequestID == "" || p.Status == "" {
		return nil, fmt.Errorf("%w: request_id and status are required", ErrInvalidWebhook)
	}
	ev := &WebhookEvent{
		RequestID:  p.RequestID,
		State:      normalizeState(p.Status),
		PreviewURL: p.PreviewURL,
		Error:      p.Error,
	}
	if ev.State == StateCompleted && (len(p.Outputs) > 0 || p.Text != "") {
		ev.Result = &Result{Artifacts: p.Outputs, Text: p.Text, DurationSeconds: p.DurationSeconds}
	}
	return ev, nil
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	if e.body == "" {
		return http.StatusText(e.code)
	}
	return e.body
}

func (q *QueueAdapter) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+q.apiKey)

	resp, err := q.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &httpStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifySubmit decides whether a failed submit may be resubmitted. A non-2xx
// answer or a connection that was never established means the provider did not
// take the job. Anything else (timeouts, dropped connections, garbled 2xx
// bodies) leaves the outcome unknown.
func classifySubmit(err error) *Error {
	var se *httpStatusError
	if errors.As(err, &se) {
		return &Error{Op: "submit", Retryable: true, StatusCode: se.code, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &Error{Op: "submit", Retryable: true, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Op: "submit", Retryable: true, Err: err}
	}
	return &Error{Op: "submit", Retryable: false, Err: err}
}

func statusOf(err error) int {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}

func normalizeState(s string) State {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETED", "SUCCEEDED", "SUCCESS", "OK":
		return StateCompleted
	case "FAILED", "ERROR", "CANCELLED", "CANCELED":
		return StateFailed
	case "IN_PROGRESS", "PROCESSING", "RUNNING":
		return StateProcessing
	default:
		return StateQueued
	}
}

var (
	_ Adapter       = (*QueueAdapter)(nil)
	_ WebhookParser = (*QueueAdapter)(nil)
)
