package cluster

import "tether/internal/apperrors"

// JobID is the opaque handle the manager assigns when it admits a job.
// The zero value means "not admitted".
type JobID string

func (id JobID) String() string { return string(id) }

// Request describes the job a client asks the manager to run.
type Request struct {
	// Name is a human-readable job name. Generated when empty.
	Name string            `json:"name"`
	Meta map[string]string `json:"meta,omitempty"`

	Image       string            `json:"image"`
	Command     string            `json:"command,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`

	CPU            float64 `json:"cpu,omitempty"`    // cores
	Memory         int     `json:"memory,omitempty"` // MB
	TimeoutSeconds int     `json:"timeoutSeconds,omitempty"`

	// Payload is the shared-filesystem path of the staged payload
	// archive the job should unpack into its workspace.
	Payload string `json:"payload,omitempty"`

	// Worker names the interactive worker this session will bridge to,
	// and Port is the port that worker listens on inside the job. The
	// docker backend publishes Port and reports it under Worker; the
	// remote manager forwards both to the job runtime.
	Worker string `json:"worker,omitempty"`
	Port   uint16 `json:"port,omitempty"`
}

// Validate checks the fields every backend requires.
func (r *Request) Validate() error {
	if r.Image == "" {
		return apperrors.Validation("job.image", "job image is required")
	}
	if r.CPU < 0 {
		return apperrors.Validation("job.cpu", "cpu must not be negative")
	}
	if r.Memory < 0 {
		return apperrors.Validation("job.memory_mb", "memory must not be negative")
	}
	if r.TimeoutSeconds < 0 {
		return apperrors.Validation("job.timeout", "timeout must not be negative")
	}
	return nil
}

// Response is the manager's answer to a submission.
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "accepted"
}

// Status is the manager's view of a job.
type Status struct {
	ID       string `json:"id"`
	State    string `json:"status"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

// State constants
const (
	StateAccepted  = "accepted"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Terminal reports whether the job has finished.
func (s Status) Terminal() bool {
	switch s.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ExitStatus maps a terminal status to the process exit code the
// session should propagate: the job's own code when it reported one,
// 0 for a clean completion, 1 otherwise.
func (s Status) ExitStatus() int {
	if s.ExitCode != nil {
		return *s.ExitCode
	}
	if s.State == StateCompleted {
		return 0
	}
	return 1
}

// WorkerEndpoint is one registered worker location as reported on the
// wire: a name plus a host:port address.
type WorkerEndpoint struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// EndpointsResponse lists the worker endpoints a job has registered so
// far. Each response is a complete snapshot, not a delta.
type EndpointsResponse struct {
	Endpoints []WorkerEndpoint `json:"endpoints"`
}

// Result is the terminal outcome a watch returns.
type Result struct {
	State    string
	ExitCode int
}
