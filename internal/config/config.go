// Package config handles loading, validating, and applying
// configuration for a tether session. Configuration is read from a
// YAML file and can be overridden by CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tether/internal/cluster"
	dockerlocal "tether/internal/cluster/docker"
)

// Manager backend modes.
const (
	ModeRemote = "remote"
	ModeDocker = "docker"
)

// Config is the root configuration structure.
type Config struct {
	Manager   ManagerConfig   `yaml:"manager"`
	Job       JobConfig       `yaml:"job"`
	Staging   StagingConfig   `yaml:"staging"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Notify    NotifyConfig    `yaml:"notify"`
	Status    StatusConfig    `yaml:"status"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ManagerConfig selects and configures the cluster manager backend.
type ManagerConfig struct {
	// Mode selects the backend: "remote" (jobs API over HTTP) or
	// "docker" (local daemon, development). Default: remote.
	Mode string `yaml:"mode"`

	// URL is the remote manager's root URL (required in remote mode).
	URL string `yaml:"url"`

	// APITokenFile is a file holding the bearer token for the remote
	// manager. Falls back to the TETHER_API_TOKEN environment variable.
	APITokenFile string `yaml:"api_token_file"`

	// RequestTimeout bounds each manager HTTP request. Default: 10s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// PollInterval is the watch cadence for status and endpoint reads.
	// Default: 1s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// WatchFailureLimit is how many consecutive failed status polls a
	// watch tolerates before giving up. Default: 30.
	WatchFailureLimit int `yaml:"watch_failure_limit"`

	// StopTimeout is the docker backend's container stop grace period.
	// Default: 10s.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// JobConfig describes the job to submit.
type JobConfig struct {
	// Name is the job name; a "notebook-<id>" name is generated when empty.
	Name string `yaml:"name"`

	// Image is the container image the job runs (required).
	Image string `yaml:"image"`

	// Command overrides the image entrypoint.
	Command string `yaml:"command"`

	// Env is extra environment for the job.
	Env map[string]string `yaml:"env"`

	// CPU is the requested cores (fractional allowed).
	CPU float64 `yaml:"cpu"`

	// MemoryMB is the requested memory in MB.
	MemoryMB int `yaml:"memory_mb"`

	// Timeout is the application timeout appended to every interactive
	// submission. Default: 24h.
	Timeout time.Duration `yaml:"timeout"`

	// Worker names the worker endpoint the session bridges to.
	// Default: "notebook".
	Worker string `yaml:"worker"`

	// Port is the port the worker listens on inside the job.
	// Default: 8888.
	Port uint16 `yaml:"port"`

	// Payload is the local file or directory staged for the job.
	Payload string `yaml:"payload"`
}

// StagingConfig locates the shared filesystem the cluster reads job
// inputs from.
type StagingConfig struct {
	Dir string `yaml:"dir"`
}

// BridgeConfig tunes the local forwarding bridge.
type BridgeConfig struct {
	// PollInterval is the endpoint polling cadence. Default: 1s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// LocalHost is the bridge's listen address. Default: 127.0.0.1.
	LocalHost string `yaml:"local_host"`
}

// NotifyConfig configures the optional lifecycle webhook.
type NotifyConfig struct {
	// URL is the webhook destination; notifications are off when empty.
	URL string `yaml:"url"`

	// SigningKeyFile holds the HMAC signing key.
	SigningKeyFile string `yaml:"signing_key_file"`

	// QueueSize bounds pending notifications. Default: 64.
	QueueSize int `yaml:"queue_size"`

	// MaxAttempts is delivery attempts per event. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`
}

// StatusConfig configures the local introspection listener.
type StatusConfig struct {
	// Port for the loopback listener serving /livez, /readyz, /metrics
	// and /v1/session. 0 disables it.
	Port int `yaml:"port"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
	// Format: text, json. Default: text.
	Format string `yaml:"format"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	// OTLPEndpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// Tracing is disabled when empty.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// SampleRatio is the fraction of traces to sample. Default: 1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads a YAML config file from path and returns the parsed
// Config. If the file does not exist the returned Config holds zero
// values which must be filled via flag overrides before Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Manager.Mode == "" {
		c.Manager.Mode = ModeRemote
	}
	if c.Manager.RequestTimeout <= 0 {
		c.Manager.RequestTimeout = 10 * time.Second
	}
	if c.Manager.PollInterval <= 0 {
		c.Manager.PollInterval = time.Second
	}
	if c.Manager.WatchFailureLimit <= 0 {
		c.Manager.WatchFailureLimit = 30
	}
	if c.Manager.StopTimeout <= 0 {
		c.Manager.StopTimeout = 10 * time.Second
	}
	if c.Job.Timeout <= 0 {
		c.Job.Timeout = 24 * time.Hour
	}
	if c.Job.Worker == "" {
		c.Job.Worker = "notebook"
	}
	if c.Job.Port == 0 {
		c.Job.Port = 8888
	}
	if c.Bridge.PollInterval <= 0 {
		c.Bridge.PollInterval = time.Second
	}
	if c.Bridge.LocalHost == "" {
		c.Bridge.LocalHost = "127.0.0.1"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Telemetry.SampleRatio <= 0 || c.Telemetry.SampleRatio > 1 {
		c.Telemetry.SampleRatio = 1
	}
}

// ValidateManager checks the manager backend configuration only, for
// commands that talk to the manager without submitting a job.
func (c *Config) ValidateManager() error {
	c.ApplyDefaults()

	switch c.Manager.Mode {
	case ModeRemote:
		if _, err := url.ParseRequestURI(c.Manager.URL); err != nil {
			return fmt.Errorf("manager.url: invalid URL %q: %w", c.Manager.URL, err)
		}
	case ModeDocker:
		// The daemon address comes from the environment.
	default:
		return fmt.Errorf("manager.mode %q is not supported (supported: remote, docker)", c.Manager.Mode)
	}

	return nil
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	if err := c.ValidateManager(); err != nil {
		return err
	}

	if c.Job.Image == "" {
		return fmt.Errorf("job.image is required")
	}
	if c.Job.CPU < 0 {
		return fmt.Errorf("job.cpu must not be negative")
	}
	if c.Job.MemoryMB < 0 {
		return fmt.Errorf("job.memory_mb must not be negative")
	}
	if c.Job.Payload != "" && c.Staging.Dir == "" {
		return fmt.Errorf("staging.dir is required when job.payload is set")
	}
	if c.Status.Port < 0 || c.Status.Port > 65535 {
		return fmt.Errorf("status.port %d out of range", c.Status.Port)
	}

	return nil
}

// NewLogger creates a *slog.Logger from the Logging configuration and
// installs it as the process default.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: c.slogLevel(),
	}

	var logger *slog.Logger
	switch strings.ToLower(c.Logging.Format) {
	case "json":
		logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	slog.SetDefault(logger)
	return logger
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewManager creates the cluster manager backend selected by
// manager.mode.
func (c *Config) NewManager(rec cluster.Recorder) (cluster.Manager, error) {
	switch c.Manager.Mode {
	case ModeRemote:
		return cluster.NewRemote(cluster.RemoteConfig{
			BaseURL:        c.Manager.URL,
			Token:          c.APIToken(),
			RequestTimeout: c.Manager.RequestTimeout,
			PollInterval:   c.Manager.PollInterval,
			FailureLimit:   c.Manager.WatchFailureLimit,
		}, rec)
	case ModeDocker:
		return dockerlocal.New(dockerlocal.Config{
			StopTimeout:  c.Manager.StopTimeout,
			PollInterval: c.Manager.PollInterval,
		})
	default:
		return nil, fmt.Errorf("unsupported manager mode: %s", c.Manager.Mode)
	}
}

// APIToken resolves the remote manager bearer token: the configured
// token file wins, then the TETHER_API_TOKEN environment variable.
func (c *Config) APIToken() string {
	if token := GetSecretFile(c.Manager.APITokenFile); token != "" {
		return token
	}
	return GetEnv("TETHER_API_TOKEN", "")
}

// SigningKey resolves the notification signing key from its file.
func (c *Config) SigningKey() string {
	return GetSecretFile(c.Notify.SigningKeyFile)
}

// NewRequest builds the submission request. payload is the local file
// or directory to stage for the job, empty when it has none.
func (c *Config) NewRequest(payload string) cluster.Request {
	name := c.Job.Name
	if name == "" {
		name = "notebook-" + uuid.NewString()[:8]
	}
	return cluster.Request{
		Name:           name,
		Image:          c.Job.Image,
		Command:        c.Job.Command,
		Environment:    c.Job.Env,
		CPU:            c.Job.CPU,
		Memory:         c.Job.MemoryMB,
		TimeoutSeconds: int(c.Job.Timeout.Seconds()),
		Payload:        payload,
		Worker:         c.Job.Worker,
		Port:           c.Job.Port,
	}
}
