package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tether/internal/apperrors"
	"tether/internal/endpoint"
)

// recordingCallbacks captures callback deliveries for assertions.
type recordingCallbacks struct {
	mu       sync.Mutex
	admitted []JobID
	batches  []endpoint.Set
}

func (c *recordingCallbacks) HandleJobAdmitted(_ context.Context, id JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admitted = append(c.admitted, id)
}

func (c *recordingCallbacks) HandleEndpoints(_ context.Context, eps endpoint.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, eps)
}

func (c *recordingCallbacks) snapshot() ([]JobID, []endpoint.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]JobID(nil), c.admitted...), append([]endpoint.Set(nil), c.batches...)
}

func newTestRemote(t *testing.T, serverURL string, cfg RemoteConfig) *Remote {
	t.Helper()
	cfg.BaseURL = serverURL
	r, err := NewRemote(cfg, nil)
	if err != nil {
		t.Fatalf("NewRemote failed: %v", err)
	}
	return r
}

func TestNewRemoteRequiresURL(t *testing.T) {
	t.Parallel()
	_, err := NewRemote(RemoteConfig{}, nil)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected ErrValidation for missing URL, got %v", err)
	}
}

func TestRemoteSubmit(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/jobs" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("expected JSON content type, got %q", got)
		}

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Image != "jupyter/base:latest" || req.Worker != "notebook" {
			t.Errorf("unexpected request body: %+v", req)
		}

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(Response{ID: "job-7f3a", Status: StateAccepted})
	}))
	defer srv.Close()

	r := newTestRemote(t, srv.URL, RemoteConfig{Token: "sekrit"})

	id, err := r.Submit(context.Background(), Request{
		Name:   "notebook-session",
		Image:  "jupyter/base:latest",
		Worker: "notebook",
		Port:   8888,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id != "job-7f3a" {
		t.Errorf("Submit returned %q, want job-7f3a", id)
	}
}

func TestRemoteSubmitErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		req      Request
		sentinel error
	}{
		{
			name:     "request validation short-circuits",
			handler:  func(w http.ResponseWriter, r *http.Request) { t.Error("server should not be reached") },
			req:      Request{},
			sentinel: apperrors.ErrValidation,
		},
		{
			name: "manager rejects request",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
			},
			req:      Request{Image: "img"},
			sentinel: apperrors.ErrValidation,
		},
		{
			name: "manager error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			req:      Request{Image: "img"},
			sentinel: apperrors.ErrManagerUnavailable,
		},
		{
			name: "empty job ID",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
				json.NewEncoder(w).Encode(Response{Status: StateAccepted})
			},
			req:      Request{Image: "img"},
			sentinel: apperrors.ErrManagerUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			r := newTestRemote(t, srv.URL, RemoteConfig{})
			_, err := r.Submit(context.Background(), tt.req)
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("Submit error = %v, want %v", err, tt.sentinel)
			}
		})
	}
}

func TestRemoteSubmitManagerDown(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // refuse connections

	r := newTestRemote(t, srv.URL, RemoteConfig{RequestTimeout: time.Second})
	_, err := r.Submit(context.Background(), Request{Image: "img"})
	if !errors.Is(err, apperrors.ErrManagerUnavailable) {
		t.Errorf("expected ErrManagerUnavailable, got %v", err)
	}
}

func TestRemoteStatus(t *testing.T) {
	t.Parallel()
	exit := 3
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/jobs/job-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(Status{ID: "job-1", State: StateFailed, ExitCode: &exit})
	}))
	defer srv.Close()

	r := newTestRemote(t, srv.URL, RemoteConfig{})
	status, err := r.Status(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StateFailed || status.ExitStatus() != 3 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestRemoteStatusNotFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := newTestRemote(t, srv.URL, RemoteConfig{})
	_, err := r.Status(context.Background(), "job-gone")
	if !errors.Is(err, apperrors.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRemoteTerminate(t *testing.T) {
	t.Parallel()
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/jobs/job-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		called.Store(true)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := newTestRemote(t, srv.URL, RemoteConfig{})
	if err := r.Terminate(context.Background(), "job-1"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if !called.Load() {
		t.Error("expected DELETE to reach the server")
	}

	if err := r.Terminate(context.Background(), ""); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected ErrValidation for empty ID, got %v", err)
	}
}

func TestRemoteEndpointsSkipsBadEntries(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(EndpointsResponse{Endpoints: []WorkerEndpoint{
			{Name: "notebook", Address: "h1:9999"},
			{Name: "broken", Address: "no-port-here"},
			{Name: "ps-0", Address: "h2:2222"},
		}})
	}))
	defer srv.Close()

	r := newTestRemote(t, srv.URL, RemoteConfig{})
	set, err := r.Endpoints(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Endpoints failed: %v", err)
	}

	want := endpoint.Set{
		{Name: "notebook", Host: "h1", Port: 9999},
		{Name: "ps-0", Host: "h2", Port: 2222},
	}
	if !set.Equal(want) {
		t.Errorf("Endpoints = %v, want %v (bad entry skipped)", set, want)
	}
}

func TestRemoteWatch(t *testing.T) {
	t.Parallel()

	var statusPolls atomic.Int32
	exit := 3
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		n := statusPolls.Add(1)
		status := Status{ID: "job-1", State: StateRunning}
		if n >= 5 {
			status = Status{ID: "job-1", State: StateCompleted, ExitCode: &exit}
		}
		json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("GET /v1/jobs/job-1/endpoints", func(w http.ResponseWriter, r *http.Request) {
		var eps []WorkerEndpoint
		switch n := statusPolls.Load(); {
		case n <= 1:
			// Nothing registered yet.
		case n <= 3:
			eps = []WorkerEndpoint{{Name: "notebook", Address: "h1:9999"}}
		default:
			eps = []WorkerEndpoint{{Name: "notebook", Address: "h1:9999"}, {Name: "ps-0", Address: "h2:2222"}}
		}
		json.NewEncoder(w).Encode(EndpointsResponse{Endpoints: eps})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := newTestRemote(t, srv.URL, RemoteConfig{PollInterval: 10 * time.Millisecond})
	cb := &recordingCallbacks{}

	result, err := r.Watch(context.Background(), "job-1", cb)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if result.State != StateCompleted || result.ExitCode != 3 {
		t.Errorf("Watch result = %+v, want completed/3", result)
	}

	admitted, batches := cb.snapshot()
	if len(admitted) != 1 || admitted[0] != "job-1" {
		t.Errorf("admitted = %v, want exactly one delivery of job-1", admitted)
	}
	// Empty first batch suppressed; identical snapshot suppressed; the
	// grown snapshot delivered once.
	if len(batches) != 2 {
		t.Fatalf("endpoint deliveries = %d (%v), want 2", len(batches), batches)
	}
	if _, ok := batches[0].Lookup("notebook"); !ok || len(batches[0]) != 1 {
		t.Errorf("first batch = %v, want single notebook endpoint", batches[0])
	}
	if len(batches[1]) != 2 {
		t.Errorf("second batch = %v, want grown snapshot", batches[1])
	}
}

func TestRemoteWatchFailureLimit(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestRemote(t, srv.URL, RemoteConfig{
		PollInterval: 5 * time.Millisecond,
		FailureLimit: 3,
	})
	cb := &recordingCallbacks{}

	_, err := r.Watch(context.Background(), "job-1", cb)
	if !errors.Is(err, apperrors.ErrWatchInterrupted) {
		t.Errorf("expected ErrWatchInterrupted after failure limit, got %v", err)
	}

	admitted, batches := cb.snapshot()
	if len(admitted) != 1 {
		t.Errorf("admission callback still fires once, got %v", admitted)
	}
	if len(batches) != 0 {
		t.Errorf("no endpoint batches expected, got %v", batches)
	}
}

func TestRemoteWatchContextCancelled(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Status{ID: "job-1", State: StateRunning})
	}))
	defer srv.Close()

	r := newTestRemote(t, srv.URL, RemoteConfig{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Watch(ctx, "job-1", &recordingCallbacks{})
	if !errors.Is(err, apperrors.ErrWatchInterrupted) {
		t.Errorf("expected ErrWatchInterrupted on cancellation, got %v", err)
	}
}

func TestRemoteReady(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/readyz" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newTestRemote(t, srv.URL, RemoteConfig{})
	if err := r.Ready(context.Background()); err != nil {
		t.Errorf("Ready failed: %v", err)
	}
}
