package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	chatDefaultTimeout = 60 * time.Second
	chatDefaultModel   = "gpt-4o-mini"
	chatResultTTL      = 30 * time.Minute
)

type ChatOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// ChatAdapter wraps an OpenAI-compatible chat completions endpoint. The upstream
// call is synchronous, so Submit runs it to completion and keeps the answer in
// memory for chatResultTTL.
type ChatAdapter struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	now     func() time.Time

	mu      sync.Mutex
	results map[string]chatOutcome
}

type chatOutcome struct {
	text   string
	err    string
	stored time.Time
}

type chatParams struct {
	Prompt      string        `json:"prompt"`
	System      string        `json:"system"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func NewChatAdapter(opts ChatOptions) (*ChatAdapter, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = chatDefaultModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: chatDefaultTimeout}
	}
	return &ChatAdapter{
		apiKey:  strings.TrimSpace(opts.APIKey),
		model:   model,
		baseURL: baseURL,
		client:  client,
		now:     time.Now,
		results: make(map[string]chatOutcome),
	}, nil
}

func (c *ChatAdapter) Name() string { return "openai" }

func (c *ChatAdapter) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	var p chatParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &Error{Op: "submit", Retryable: true, Err: fmt.Errorf("decode params: %w", err)}
		}
	}
	messages := buildMessages(p)
	if len(messages) == 0 {
		return nil, &Error{Op: "submit", Retryable: true, Err: errors.New("prompt or messages required")}
	}
	model := c.model
	if strings.TrimSpace(req.Model) != "" {
		model = req.Model
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(chatRequest{Model: model, Messages: messages, Temperature: p.Temperature}); err != nil {
		return nil, &Error{Op: "submit", Retryable: true, Err: fmt.Errorf("encode request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", &buf)
	if err != nil {
		return nil, &Error{Op: "submit", Retryable: true, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifySubmit(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return nil, &Error{Op: "submit", Retryable: true, StatusCode: resp.StatusCode, Err: fmt.Errorf("openai status %d", resp.StatusCode)}
	}

	requestID := "chat-" + uuid.NewString()
	var out chatResponse
	outcome := chatOutcome{stored: c.now()}
	switch {
	case json.NewDecoder(resp.Body).Decode(&out) != nil:
		outcome.err = "decode response failed"
	case len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "":
		outcome.err = "empty response"
	default:
		outcome.text = strings.TrimSpace(out.Choices[0].Message.Content)
	}
	if out.Model != "" {
		model = out.Model
	}
	c.store(requestID, outcome)
	return &Submission{RequestID: requestID, Model: model}, nil
}

func (c *ChatAdapter) PollStatus(_ context.Context, requestID string) (*Status, error) {
	o, ok := c.load(requestID)
	if !ok {
		return &Status{State: StateFailed, Error: ErrUnknownRequest.Error()}, nil
	}
	if o.err != "" {
		return &Status{State: StateFailed, Error: o.err}, nil
	}
	return &Status{State: StateCompleted}, nil
}

func (c *ChatAdapter) FetchResult(_ context.Context, requestID string) (*Result, error) {
	o, ok := c.load(requestID)
	if !ok {
		return nil, &Error{Op: "fetch_result", Err: ErrUnknownRequest}
	}
	if o.err != "" {
		return nil, &Error{Op: "fetch_result", Err: errors.New(o.err)}
	}
	// Kept until chatResultTTL so a retried poll can collect it again.
	return &Result{Text: o.text}, nil
}

func (c *ChatAdapter) store(id string, o chatOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.results {
		if c.now().Sub(v.stored) > chatResultTTL {
			delete(c.results, k)
		}
	}
	c.results[id] = o
}

func (c *ChatAdapter) load(id string) (chatOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.results[id]
	if ok && c.now().Sub(o.stored) > chatResultTTL {
		delete(c.results, id)
		return chatOutcome{}, false
	}
	return o, ok
}

func buildMessages(p chatParams) []chatMessage {
	var out []chatMessage
	if s := strings.TrimSpace(p.System); s != "" {
		out = append(out, chatMessage{Role: "system", Content: s})
	}
	for _, m := range p.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := m.Role
		if role == "" {
			role = "user"
		}
		out = append(out, chatMessage{Role: role, Content: m.Content})
	}
	if prompt := strings.TrimSpace(p.Prompt); prompt != "" {
		out = append(out, chatMessage{Role: "user", Content: prompt})
	}
	if len(out) == 1 && out[0].Role == "system" {
		return nil
	}
	return out
}

var _ Adapter = (*ChatAdapter)(nil)
