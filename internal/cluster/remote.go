package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tether/internal/apperrors"
	"tether/internal/endpoint"
)

// RemoteConfig configures the HTTP jobs-API client.
type RemoteConfig struct {
	// BaseURL is the manager's root URL, e.g. https://jobs.internal:8080.
	BaseURL string

	// Token is the bearer token sent with every request. Optional.
	Token string

	// RequestTimeout bounds each individual HTTP request.
	RequestTimeout time.Duration

	// PollInterval is the watch cadence for status and endpoint reads.
	PollInterval time.Duration

	// FailureLimit is how many consecutive failed status polls a watch
	// tolerates before giving up on the manager.
	FailureLimit int
}

func (c *RemoteConfig) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.FailureLimit <= 0 {
		c.FailureLimit = 30
	}
}

// Recorder receives the outcome of each manager request. Implemented by
// the observability metrics; nil disables recording.
type Recorder interface {
	RecordManagerRequest(ctx context.Context, op string, err error, elapsed time.Duration)
}

// Remote talks to a cluster manager's jobs API over HTTP.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
	rec    Recorder
	logger *slog.Logger
}

// Compile-time check that Remote satisfies the Manager interface.
var _ Manager = (*Remote)(nil)

// NewRemote creates a jobs-API client for the manager at cfg.BaseURL.
func NewRemote(cfg RemoteConfig, rec Recorder) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.Validation("manager.url", "manager URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.applyDefaults()

	return &Remote{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rec:    rec,
		logger: slog.With("component", "remote"),
	}, nil
}

// Submit POSTs the job request and returns the manager-assigned ID.
func (r *Remote) Submit(ctx context.Context, req Request) (JobID, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	var resp Response
	if err := r.do(ctx, http.MethodPost, "/v1/jobs", req, &resp, "remote.submit", ""); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", apperrors.Unavailable("remote.submit", errors.New("manager assigned no job ID"))
	}

	r.logger.Info("Job submitted", "jobId", resp.ID, "status", resp.Status)
	return JobID(resp.ID), nil
}

// Watch polls the manager until the job reaches a terminal state,
// delivering the admission callback first and endpoint snapshots as
// they change. Endpoint poll failures are logged but only status poll
// failures count toward the failure limit: the status probe is the
// authoritative liveness signal for the watch.
func (r *Remote) Watch(ctx context.Context, id JobID, cb Callbacks) (Result, error) {
	logger := r.logger.With("jobId", string(id))

	cb.HandleJobAdmitted(ctx, id)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	var last endpoint.Set
	delivered := false
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return Result{}, apperrors.Interrupted("remote.watch", ctx.Err())
		case <-ticker.C:
		}

		status, err := r.Status(ctx, id)
		if err != nil {
			failures++
			logger.Warn("Status poll failed", "consecutiveFailures", failures, "error", err)
			if failures >= r.cfg.FailureLimit {
				return Result{}, apperrors.Interrupted("remote.watch",
					fmt.Errorf("%d consecutive poll failures: %w", failures, err))
			}
			continue
		}
		failures = 0

		if status.State == StateRunning {
			set, err := r.Endpoints(ctx, id)
			switch {
			case err != nil:
				logger.Warn("Endpoint poll failed", "error", err)
			case delivered && set.Equal(last):
				// Unchanged snapshot, nothing to deliver.
			case !delivered && len(set) == 0:
				// Nothing registered yet; the first delivery waits for
				// a real batch.
			default:
				cb.HandleEndpoints(ctx, set)
				last, delivered = set, true
			}
		}

		if status.Terminal() {
			logger.Info("Job reached terminal state", "state", status.State, "exitCode", status.ExitStatus())
			return Result{State: status.State, ExitCode: status.ExitStatus()}, nil
		}
	}
}

// Terminate issues a forced termination for the job.
func (r *Remote) Terminate(ctx context.Context, id JobID) error {
	if id == "" {
		return apperrors.Validation("job.id", "job ID is required")
	}
	return r.do(ctx, http.MethodDelete, "/v1/jobs/"+string(id), nil, nil, "remote.terminate", id)
}

// Status fetches the manager's current view of the job.
func (r *Remote) Status(ctx context.Context, id JobID) (Status, error) {
	if id == "" {
		return Status{}, apperrors.Validation("job.id", "job ID is required")
	}
	var status Status
	err := r.do(ctx, http.MethodGet, "/v1/jobs/"+string(id), nil, &status, "remote.status", id)
	return status, err
}

// Endpoints fetches and parses the job's registered worker endpoints.
// Entries that fail to parse are skipped with a warning; a bad entry
// never poisons the batch.
func (r *Remote) Endpoints(ctx context.Context, id JobID) (endpoint.Set, error) {
	var resp EndpointsResponse
	if err := r.do(ctx, http.MethodGet, "/v1/jobs/"+string(id)+"/endpoints", nil, &resp, "remote.endpoints", id); err != nil {
		return nil, err
	}

	set := make(endpoint.Set, 0, len(resp.Endpoints))
	for _, ref := range resp.Endpoints {
		ep, err := endpoint.Parse(ref.Name, ref.Address)
		if err != nil {
			r.logger.Warn("Skipping unparseable endpoint",
				"jobId", string(id), "name", ref.Name, "address", ref.Address, "error", err)
			continue
		}
		set = append(set, ep)
	}
	return set, nil
}

// Ready probes the manager's readiness endpoint.
func (r *Remote) Ready(ctx context.Context) error {
	return r.do(ctx, http.MethodGet, "/readyz", nil, nil, "remote.ready", "")
}

// Close releases idle connections. The remote job is unaffected.
func (r *Remote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

// do runs one JSON round trip against the manager and records its
// outcome. in and out may be nil for bodyless requests and responses.
func (r *Remote) do(ctx context.Context, method, path string, in, out any, op string, jobID JobID) error {
	start := time.Now()
	err := r.roundTrip(ctx, method, path, in, out, op, jobID)
	if r.rec != nil {
		r.rec.RecordManagerRequest(ctx, op, err, time.Since(start))
	}
	return err
}

func (r *Remote) roundTrip(ctx context.Context, method, path string, in, out any, op string, jobID JobID) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return apperrors.Unavailable(op, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, body)
	if err != nil {
		return apperrors.Unavailable(op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return apperrors.Unavailable(op, err)
	}
	defer resp.Body.Close()

	if err := apperrors.FromStatus(resp.StatusCode, op, string(jobID)); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Unavailable(op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}
