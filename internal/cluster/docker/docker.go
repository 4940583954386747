// Package docker implements the cluster.Manager interface against the
// local Docker daemon. The job runs as a single container on the host
// with the worker port published to an ephemeral loopback port, which
// the watch reports as the worker's endpoint. Intended for development;
// TimeoutSeconds is not enforced by this backend.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"tether/internal/apperrors"
	"tether/internal/cluster"
	"tether/internal/endpoint"
)

// Container labels carrying job state. The daemon is the source of
// truth: a watch can recover everything it needs from an inspect.
const (
	labelManagedBy  = "managed-by"
	labelJobName    = "tether.job.name"
	labelWorker     = "tether.worker"
	labelWorkerPort = "tether.worker.port"

	managedByValue = "tether"
)

// Config holds settings for the local Docker backend.
type Config struct {
	// StopTimeout is the grace period Terminate gives the container
	// before the daemon kills it (default 10s).
	StopTimeout time.Duration

	// PollInterval is the endpoint discovery cadence after the
	// container starts (default 1s).
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Manager runs jobs as containers on the local Docker daemon.
type Manager struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger
}

// Compile-time check that Manager satisfies the cluster.Manager interface.
var _ cluster.Manager = (*Manager)(nil)

// New connects to the local daemon.
func New(cfg Config) (*Manager, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperrors.Unavailable("docker.connect", err)
	}
	cfg.applyDefaults()

	return &Manager{
		client: dockerClient,
		cfg:    cfg,
		logger: slog.With("component", "docker"),
	}, nil
}

// Submit pulls the image if needed, then creates and starts the job
// container with the worker port published to an ephemeral loopback
// port. The container ID is the job ID.
func (m *Manager) Submit(ctx context.Context, req cluster.Request) (cluster.JobID, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.Worker == "" {
		return "", apperrors.Validation("job.worker", "worker name is required for the docker backend")
	}
	if req.Port == 0 {
		return "", apperrors.Validation("job.port", "worker port is required for the docker backend")
	}

	if err := m.pullImageIfNeeded(ctx, req.Image); err != nil {
		return "", apperrors.Unavailable("docker.pullImage", err)
	}

	env := make([]string, 0, len(req.Environment)+1)
	for k, v := range req.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	var mounts []mount.Mount
	if req.Payload != "" {
		// The staged archive is bind-mounted read-only; the job unpacks
		// it itself.
		target := "/workspace/" + filepath.Base(req.Payload)
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   req.Payload,
			Target:   target,
			ReadOnly: true,
		})
		env = append(env, fmt.Sprintf("TETHER_PAYLOAD=%s", target))
	}

	var cmd []string
	if req.Command != "" {
		cmd = []string{"/bin/sh", "-c", req.Command}
	}

	workerPort, err := nat.NewPort("tcp", strconv.Itoa(int(req.Port)))
	if err != nil {
		return "", apperrors.Validation("job.port", err.Error())
	}

	labels := map[string]string{
		labelManagedBy:  managedByValue,
		labelJobName:    req.Name,
		labelWorker:     req.Worker,
		labelWorkerPort: workerPort.Port(),
	}
	for k, v := range req.Meta {
		labels["tether.meta."+k] = v
	}

	containerConfig := &container.Config{
		Image:        req.Image,
		Cmd:          cmd,
		Env:          env,
		ExposedPorts: nat.PortSet{workerPort: struct{}{}},
		Labels:       labels,
	}

	hostConfig := &container.HostConfig{
		Mounts: mounts,
		PortBindings: nat.PortMap{
			workerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		Resources: container.Resources{
			NanoCPUs: int64(req.CPU * 1e9),
			Memory:   int64(req.Memory) * 1024 * 1024,
		},
	}

	var containerName string
	if req.Name != "" {
		containerName = "tether-" + req.Name
	}

	resp, err := m.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", apperrors.Unavailable("docker.createContainer", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = m.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", apperrors.Unavailable("docker.startContainer", err)
	}

	m.logger.Info("Job container started",
		"jobId", resp.ID, "image", req.Image, "worker", req.Worker)
	return cluster.JobID(resp.ID), nil
}

// Watch delivers the admission callback, discovers the published worker
// endpoint, and blocks until the container exits.
func (m *Manager) Watch(ctx context.Context, id cluster.JobID, cb cluster.Callbacks) (cluster.Result, error) {
	logger := m.logger.With("jobId", string(id))

	cb.HandleJobAdmitted(ctx, id)

	statusCh, errCh := m.client.ContainerWait(ctx, string(id), container.WaitConditionNotRunning)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	delivered := false

	for {
		select {
		case <-ctx.Done():
			return cluster.Result{}, apperrors.Interrupted("docker.watch", ctx.Err())

		case err := <-errCh:
			return cluster.Result{}, apperrors.Interrupted("docker.watch", err)

		case status := <-statusCh:
			exitCode := int(status.StatusCode)
			if status.Error != nil {
				logger.Warn("Container wait reported an error", "error", status.Error.Message)
			}
			state := cluster.StateCompleted
			if exitCode != 0 {
				state = cluster.StateFailed
			}
			logger.Info("Job container exited", "exitCode", exitCode)
			return cluster.Result{State: state, ExitCode: exitCode}, nil

		case <-ticker.C:
			if delivered {
				continue
			}
			if set, ok := m.discoverEndpoint(ctx, id); ok {
				cb.HandleEndpoints(ctx, set)
				delivered = true
			}
		}
	}
}

// discoverEndpoint inspects the container for the published host port.
// Returns false until the binding is visible and the container runs.
func (m *Manager) discoverEndpoint(ctx context.Context, id cluster.JobID) (endpoint.Set, bool) {
	inspect, err := m.client.ContainerInspect(ctx, string(id))
	if err != nil {
		m.logger.Warn("Inspect failed during endpoint discovery", "jobId", string(id), "error", err)
		return nil, false
	}
	if !inspect.State.Running || inspect.NetworkSettings == nil {
		return nil, false
	}

	worker := inspect.Config.Labels[labelWorker]
	portLabel := inspect.Config.Labels[labelWorkerPort]
	if worker == "" || portLabel == "" {
		return nil, false
	}

	bindings := inspect.NetworkSettings.Ports[nat.Port(portLabel+"/tcp")]
	if len(bindings) == 0 {
		return nil, false
	}

	hostPort, err := strconv.ParseUint(bindings[0].HostPort, 10, 16)
	if err != nil || hostPort == 0 {
		return nil, false
	}
	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	return endpoint.Set{{Name: worker, Host: host, Port: uint16(hostPort)}}, true
}

// Terminate stops the container with the configured grace period and
// force-removes it.
func (m *Manager) Terminate(ctx context.Context, id cluster.JobID) error {
	if id == "" {
		return apperrors.Validation("job.id", "job ID is required")
	}

	stopTimeout := int(m.cfg.StopTimeout.Seconds())
	if err := m.client.ContainerStop(ctx, string(id), container.StopOptions{Timeout: &stopTimeout}); err != nil && !client.IsErrNotFound(err) {
		m.logger.Warn("Container stop failed, forcing removal", "jobId", string(id), "error", err)
	}

	if err := m.client.ContainerRemove(ctx, string(id), container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return apperrors.NotFound(string(id))
		}
		return apperrors.Termination(string(id), err)
	}
	return nil
}

// Status maps the container's state into the jobs dialect.
func (m *Manager) Status(ctx context.Context, id cluster.JobID) (cluster.Status, error) {
	inspect, err := m.client.ContainerInspect(ctx, string(id))
	if err != nil {
		if client.IsErrNotFound(err) {
			return cluster.Status{}, apperrors.NotFound(string(id))
		}
		return cluster.Status{}, apperrors.Unavailable("docker.inspectContainer", err)
	}

	status := cluster.Status{ID: string(id)}

	switch {
	case inspect.State.Running:
		status.State = cluster.StateRunning

	case inspect.State.Status == "created":
		status.State = cluster.StateAccepted

	default:
		exitCode := inspect.State.ExitCode
		status.ExitCode = &exitCode

		if exitCode == 0 {
			status.State = cluster.StateCompleted
		} else {
			status.State = cluster.StateFailed
			if inspect.State.Error != "" {
				status.Error = inspect.State.Error
			}
		}
	}

	return status, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (m *Manager) Ready(ctx context.Context) error {
	_, err := m.client.Ping(ctx)
	return err
}

// Close releases the client connection. Running containers continue.
func (m *Manager) Close() error {
	return m.client.Close()
}

func (m *Manager) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := m.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	m.logger.Info("Pulling image", "image", imageName)
	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}
