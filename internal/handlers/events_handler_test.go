package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/backend/internal/auth"
	"github.com/mediaforge/backend/internal/events"
	"github.com/mediaforge/backend/internal/models"
)

func streamServer(t *testing.T, h *EventsHandler, user *models.User) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// readEvent returns the data payload of the next SSE event, skipping comments.
func readEvent(t *testing.T, br *bufio.Reader) (events.Event, error) {
	t.Helper()
	var data string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return events.Event{}, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			var ev events.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				t.Fatalf("decode event %q: %v", data, err)
			}
			return ev, nil
		}
	}
}

func TestStream_SnapshotThenUpdatesUntilTerminal(t *testing.T) {
	owner := testUser()
	job := &models.Job{ID: uuid.New(), UserID: owner.ID, Module: models.ModuleImage, Status: models.JobStatusQueued}
	bus := events.NewMemoryBus()
	h := &EventsHandler{Jobs: newMockJobs(job), Events: bus, Heartbeat: time.Hour, Errors: Errors{Logger: discard}}
	srv := streamServer(t, h, owner)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/jobs/" + job.ID.String() + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	br := bufio.NewReader(resp.Body)

	ev, err := readEvent(t, br)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if ev.JobID != job.ID || ev.Status != models.JobStatusQueued {
		t.Fatalf("snapshot = %+v", ev)
	}

	preview := "https://cdn.test/preview.png"
	_ = bus.Publish(context.Background(), events.Event{JobID: job.ID, UserID: owner.ID, Status: models.JobStatusPreviewReady, PreviewURL: &preview})
	ev, err = readEvent(t, br)
	if err != nil {
		t.Fatalf("preview event: %v", err)
	}
	if ev.Status != models.JobStatusPreviewReady || ev.PreviewURL == nil || *ev.PreviewURL != preview {
		t.Fatalf("preview event = %+v", ev)
	}

	_ = bus.Publish(context.Background(), events.Event{JobID: job.ID, UserID: owner.ID, Status: models.JobStatusCompleted, FinalURLs: []string{"https://cdn.test/final.png"}})
	ev, err = readEvent(t, br)
	if err != nil {
		t.Fatalf("final event: %v", err)
	}
	if ev.Status != models.JobStatusCompleted || len(ev.FinalURLs) != 1 {
		t.Fatalf("final event = %+v", ev)
	}

	if _, err := readEvent(t, br); !errors.Is(err, io.EOF) {
		t.Errorf("stream should close after a terminal event, got %v", err)
	}
}

func TestStream_TerminalJobSendsOneEvent(t *testing.T) {
	owner := testUser()
	text := "hello"
	job := &models.Job{ID: uuid.New(), UserID: owner.ID, Module: models.ModuleChat, Status: models.JobStatusCompleted, OutputText: &text}
	h := &EventsHandler{Jobs: newMockJobs(job), Events: events.NewMemoryBus(), Errors: Errors{Logger: discard}}
	srv := streamServer(t, h, owner)

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Get(srv.URL + "/jobs/" + job.ID.String() + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	br := bufio.NewReader(resp.Body)

	ev, err := readEvent(t, br)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if ev.OutputText == nil || *ev.OutputText != "hello" {
		t.Errorf("snapshot = %+v", ev)
	}
	if _, err := readEvent(t, br); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestStream_Heartbeat(t *testing.T) {
	owner := testUser()
	job := &models.Job{ID: uuid.New(), UserID: owner.ID, Status: models.JobStatusProcessing}
	h := &EventsHandler{Jobs: newMockJobs(job), Events: events.NewMemoryBus(), Heartbeat: 10 * time.Millisecond, Errors: Errors{Logger: discard}}
	srv := streamServer(t, h, owner)

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Get(srv.URL + "/jobs/" + job.ID.String() + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	br := bufio.NewReader(resp.Body)
	if _, err := readEvent(t, br); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != ": ping\n" {
		t.Errorf("line = %q, want ping comment", line)
	}
}

func TestStream_Errors(t *testing.T) {
	owner := testUser()
	job := &models.Job{ID: uuid.New(), UserID: owner.ID, Status: models.JobStatusQueued}

	tests := []struct {
		name string
		user *models.User
		bus  events.Subscriber
		id   string
		want int
	}{
		{"no user", nil, events.NewMemoryBus(), job.ID.String(), http.StatusUnauthorized},
		{"stranger", testUser(), events.NewMemoryBus(), job.ID.String(), http.StatusNotFound},
		{"bad id", owner, events.NewMemoryBus(), "x", http.StatusBadRequest},
		{"no bus", owner, events.Nop{}, job.ID.String(), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &EventsHandler{Jobs: newMockJobs(job), Events: tt.bus, Errors: Errors{Logger: discard}}
			req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+tt.id+"/events", nil)
			req.SetPathValue("id", tt.id)
			rec := httptest.NewRecorder()
			h.Stream(rec, authed(req, tt.user))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
