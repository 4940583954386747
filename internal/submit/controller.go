// Package submit owns the session lifecycle: stage the payload, submit
// the job, watch it, bridge the named worker to a local port, and
// guarantee the remote job is terminated on every exit path.
package submit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tether/internal/bridge"
	"tether/internal/cluster"
	"tether/internal/endpoint"
	"tether/internal/notify"
	"tether/internal/staging"
)

// State is the controller's position in the session lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateSubmitting  State = "submitting"
	StateRunning     State = "running"
	StateBridged     State = "bridged"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

// Recorder receives controller metrics. Implemented by the
// observability metrics; nil disables recording.
type Recorder interface {
	RecordCallback(ctx context.Context, kind string)
	RecordPoll(ctx context.Context, matched bool)
}

// Callback kinds passed to Recorder.RecordCallback.
const (
	callbackAdmitted  = "admitted"
	callbackEndpoints = "endpoints"
)

// Options wires a Controller's collaborators.
type Options struct {
	Manager cluster.Manager

	// Stager is required when the request carries a payload.
	Stager *staging.Stager

	// Notifier is the optional lifecycle webhook (nil disables it).
	Notifier *notify.Notifier

	// Metrics and BridgeRecorder are optional.
	Metrics        Recorder
	BridgeRecorder bridge.Recorder

	// Worker names the endpoint the session bridges to.
	Worker string

	// PollInterval is the endpoint polling cadence (default 1s).
	PollInterval time.Duration

	// LocalHost is the bridge listen address (default 127.0.0.1).
	LocalHost string

	// Out receives the single instruction line (default os.Stdout).
	Out io.Writer
}

// Session is a point-in-time snapshot of the controller, served by the
// introspection listener.
type Session struct {
	JobID  string         `json:"jobId,omitempty"`
	State  State          `json:"state"`
	Worker string         `json:"worker"`
	Bridge *bridge.Handle `json:"bridge,omitempty"`
}

// Controller drives one session. It is the cluster.Callbacks
// implementation for the watch, so the watch goroutine writes the job
// ID and endpoint snapshots while the controller's own goroutine polls;
// the endpoint registry and the mutex-guarded fields are the only state
// crossing that boundary.
type Controller struct {
	manager   cluster.Manager
	stager    *staging.Stager
	registry  *endpoint.Registry
	notifier  *notify.Notifier
	metrics   Recorder
	bridgeRec bridge.Recorder
	logger    *slog.Logger
	tracer    trace.Tracer
	out       io.Writer

	worker       string
	pollInterval time.Duration
	localHost    string

	mu     sync.Mutex
	jobID  cluster.JobID
	state  State
	bridge *bridge.Bridge

	terminateOnce sync.Once
}

// Compile-time check that Controller receives watch callbacks.
var _ cluster.Callbacks = (*Controller)(nil)

// New creates a Controller in the idle state.
func New(opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LocalHost == "" {
		opts.LocalHost = "127.0.0.1"
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	return &Controller{
		manager:      opts.Manager,
		stager:       opts.Stager,
		registry:     endpoint.NewRegistry(),
		notifier:     opts.Notifier,
		metrics:      opts.Metrics,
		bridgeRec:    opts.BridgeRecorder,
		logger:       slog.With("component", "submit"),
		tracer:       otel.Tracer("tether/submit"),
		out:          opts.Out,
		worker:       opts.Worker,
		pollInterval: opts.PollInterval,
		localHost:    opts.LocalHost,
		state:        StateIdle,
	}
}

// watchOutcome joins the watch goroutine's result back to Run.
type watchOutcome struct {
	result cluster.Result
	err    error
}

// Run drives the session to completion and returns the process exit
// code: the job's own exit status on a normal end, 1 when staging or
// submission fails or the run is interrupted. The remote job is
// force-terminated on every return path.
func (c *Controller) Run(ctx context.Context, req cluster.Request) (int, error) {
	ctx, span := c.tracer.Start(ctx, "session.run",
		trace.WithAttributes(attribute.String("job.worker", c.worker)))
	defer span.End()

	c.setState(StateSubmitting)

	// Terminate fires on all exit paths from here on, tolerating a job
	// that was never admitted.
	defer c.terminate(ctx)

	if req.Payload != "" {
		staged, err := c.stage(ctx, req.Payload)
		if err != nil {
			c.logger.Error("Staging failed", "payload", req.Payload, "error", err)
			return 1, err
		}
		req.Payload = staged.Archive
	}

	id, err := c.submit(ctx, req)
	if err != nil {
		c.logger.Error("Submission failed", "error", err)
		return 1, err
	}

	c.mu.Lock()
	c.jobID = id
	c.state = StateRunning
	c.mu.Unlock()

	// The watch drives callback delivery from its own goroutine; the
	// loop below is the only consumer of its outcome.
	watchCh := make(chan watchOutcome, 1)
	go func() {
		result, err := c.manager.Watch(ctx, id, c)
		watchCh <- watchOutcome{result: result, err: err}
	}()

	return c.pollLoop(ctx, watchCh)
}

// pollLoop scans the registry once per interval until the watch
// delivers the job's terminal result or the context is cancelled.
func (c *Controller) pollLoop(ctx context.Context, watchCh <-chan watchOutcome) (int, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Session interrupted", "reason", ctx.Err())
			return 1, ctx.Err()

		case outcome := <-watchCh:
			if outcome.err != nil {
				c.logger.Error("Watch ended before the job did", "error", outcome.err)
				return 1, outcome.err
			}
			c.logger.Info("Job finished",
				"state", outcome.result.State, "exitCode", outcome.result.ExitCode)
			c.notifier.JobFinished(string(c.JobID()), outcome.result.State, outcome.result.ExitCode)
			code := outcome.result.ExitCode
			if code < 0 {
				code = 1
			}
			return code, nil

		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce checks the registry for the target worker and starts the
// bridge on the first match. Failures are logged and left for the next
// tick; one attempt per interval is the whole backoff story.
func (c *Controller) pollOnce(ctx context.Context) {
	if c.bridgeStarted() {
		return
	}

	set, ok := c.registry.Current()
	if !ok {
		if c.metrics != nil {
			c.metrics.RecordPoll(ctx, false)
		}
		return
	}

	ep, found := set.Lookup(c.worker)
	if c.metrics != nil {
		c.metrics.RecordPoll(ctx, found)
	}
	if !found {
		return
	}

	if err := c.startBridge(ctx, ep); err != nil {
		c.logger.Warn("Bridge setup failed, retrying next interval", "error", err)
	}
}

// startBridge allocates an ephemeral local port and binds the bridge to
// the worker endpoint. The port is allocated by binding :0 and
// releasing it for the bridge to rebind; the narrow reclaim window is
// accepted and a lost race surfaces as a bind failure retried on the
// next tick.
func (c *Controller) startBridge(ctx context.Context, ep endpoint.Endpoint) error {
	_, span := c.tracer.Start(ctx, "session.bridge",
		trace.WithAttributes(attribute.String("endpoint", ep.Addr())))
	defer span.End()

	localPort, err := bridge.AllocatePort(c.localHost)
	if err != nil {
		return err
	}

	b := bridge.New(bridge.Config{
		LocalHost:  c.localHost,
		LocalPort:  localPort,
		RemoteHost: ep.Host,
		RemotePort: ep.Port,
	}, c.bridgeRec)
	if err := b.Start(); err != nil {
		return err
	}

	c.mu.Lock()
	c.bridge = b
	c.state = StateBridged
	c.mu.Unlock()

	c.printInstruction(localPort)
	c.notifier.BridgeReady(string(c.JobID()), localPort, ep.Host, ep.Port)
	return nil
}

// printInstruction emits the single user-facing connection line.
func (c *Controller) printInstruction(localPort uint16) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "this-host"
	}
	who := "user"
	if u, err := user.Current(); err == nil && u.Username != "" {
		who = u.Username
	}
	fmt.Fprintf(c.out,
		"Notebook is available at 127.0.0.1:%d. From your machine: ssh -L 18888:127.0.0.1:%d %s@%s then open 127.0.0.1:18888 in your browser.\n",
		localPort, localPort, who, hostname)
}

func (c *Controller) stage(ctx context.Context, payload string) (staging.Staged, error) {
	ctx, span := c.tracer.Start(ctx, "session.stage")
	defer span.End()
	return c.stager.Stage(ctx, payload)
}

func (c *Controller) submit(ctx context.Context, req cluster.Request) (cluster.JobID, error) {
	ctx, span := c.tracer.Start(ctx, "session.submit",
		trace.WithAttributes(attribute.String("job.image", req.Image)))
	defer span.End()
	return c.manager.Submit(ctx, req)
}

// terminate stops the bridge and issues the best-effort forced
// termination of the remote job, exactly once per controller run. The
// termination context is detached from the (likely cancelled) run
// context so cleanup survives signal-driven shutdown.
func (c *Controller) terminate(ctx context.Context) {
	c.terminateOnce.Do(func() {
		c.mu.Lock()
		c.state = StateTerminating
		b := c.bridge
		id := c.jobID
		c.mu.Unlock()

		if b != nil {
			b.Stop()
		}

		if id == "" {
			// Never admitted; nothing remote to clean up.
			c.setState(StateTerminated)
			return
		}

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		tctx, span := c.tracer.Start(tctx, "session.terminate",
			trace.WithAttributes(attribute.String("job.id", string(id))))
		defer span.End()

		if err := c.manager.Terminate(tctx, id); err != nil {
			// Shutdown proceeds regardless; the manager reaps timed-out
			// jobs on its own.
			c.logger.Error("Forced termination failed", "jobId", string(id), "error", err)
		} else {
			c.logger.Info("Job terminated", "jobId", string(id))
		}
		c.setState(StateTerminated)
	})
}

// HandleJobAdmitted records the assigned job identifier. Invoked from
// the watch goroutine.
func (c *Controller) HandleJobAdmitted(ctx context.Context, id cluster.JobID) {
	c.mu.Lock()
	c.jobID = id
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCallback(ctx, callbackAdmitted)
	}
	c.notifier.JobAdmitted(string(id))
	c.logger.Info("Job admitted", "jobId", string(id))
}

// HandleEndpoints publishes the snapshot for the polling loop. Invoked
// from the watch goroutine; the registry swap is the only shared state.
func (c *Controller) HandleEndpoints(ctx context.Context, endpoints endpoint.Set) {
	c.registry.Publish(endpoints)

	if c.metrics != nil {
		c.metrics.RecordCallback(ctx, callbackEndpoints)
	}
	c.logger.Debug("Endpoints received", "count", len(endpoints))
}

// JobID returns the assigned job identifier, empty before admission.
func (c *Controller) JobID() cluster.JobID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobID
}

// Snapshot returns the session view served by /v1/session.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Session{
		JobID:  string(c.jobID),
		State:  c.state,
		Worker: c.worker,
	}
	if c.bridge != nil {
		h := c.bridge.Handle()
		s.Bridge = &h
	}
	return s
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Controller) bridgeStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridge != nil
}
