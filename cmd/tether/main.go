package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tether/internal/api"
	"tether/internal/buildinfo"
	"tether/internal/cluster"
	"tether/internal/config"
	"tether/internal/health"
	"tether/internal/notify"
	"tether/internal/observability"
	"tether/internal/staging"
	"tether/internal/submit"
	"tether/internal/telemetry"
)

var (
	cfgPath       string
	flagOverrides config.Config

	// exitCode carries the session's exit status past cobra's error
	// plumbing so deferred cleanup still runs.
	exitCode int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Interactive cluster job launcher with local port bridging",
	Long: `tether submits an interactive job (a notebook, typically) to a cluster
manager, waits for the job's worker to register its endpoint, and
bridges a local port to it so the worker is reachable from this
machine. When the session ends -- normally or by interrupt -- the
remote job is force-terminated.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job and bridge its worker to a local port",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runSession(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Print the manager's view of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runStatus(ctx, args[0])
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <job-id>",
	Short: "Forcefully end a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runTerminate(ctx, args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tether %s (commit %s, built %s)\n",
			buildinfo.Version, buildinfo.Commit, buildinfo.BuildTime)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "tether.yaml", "Path to YAML configuration file")

	// Manager overrides
	pf.StringVar(&flagOverrides.Manager.Mode, "manager-mode", "", "Manager backend (remote, docker)")
	pf.StringVar(&flagOverrides.Manager.URL, "manager-url", "", "Remote manager base URL")

	// Logging overrides
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	// Job overrides (submit only)
	sf := submitCmd.Flags()
	sf.StringVar(&flagOverrides.Job.Name, "name", "", "Job name (generated when empty)")
	sf.StringVar(&flagOverrides.Job.Image, "image", "", "Container image the job runs")
	sf.StringVar(&flagOverrides.Job.Command, "command", "", "Command overriding the image entrypoint")
	sf.StringVar(&flagOverrides.Job.Payload, "payload", "", "Local file or directory staged for the job")
	sf.StringVar(&flagOverrides.Job.Worker, "worker", "", "Worker endpoint name to bridge to")
	sf.Uint16Var(&flagOverrides.Job.Port, "port", 0, "Port the worker listens on inside the job")
	sf.StringVar(&flagOverrides.Staging.Dir, "staging-dir", "", "Shared filesystem directory for staged payloads")
	sf.IntVar(&flagOverrides.Status.Port, "status-port", 0, "Loopback port for the introspection listener (0 disables)")
	sf.StringVar(&flagOverrides.Notify.URL, "notify-url", "", "Webhook URL for lifecycle notifications")

	rootCmd.AddCommand(submitCmd, statusCmd, terminateCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Manager.Mode != "" {
		cfg.Manager.Mode = flagOverrides.Manager.Mode
	}
	if flagOverrides.Manager.URL != "" {
		cfg.Manager.URL = flagOverrides.Manager.URL
	}
	if flagOverrides.Job.Name != "" {
		cfg.Job.Name = flagOverrides.Job.Name
	}
	if flagOverrides.Job.Image != "" {
		cfg.Job.Image = flagOverrides.Job.Image
	}
	if flagOverrides.Job.Command != "" {
		cfg.Job.Command = flagOverrides.Job.Command
	}
	if flagOverrides.Job.Payload != "" {
		cfg.Job.Payload = flagOverrides.Job.Payload
	}
	if flagOverrides.Job.Worker != "" {
		cfg.Job.Worker = flagOverrides.Job.Worker
	}
	if flagOverrides.Job.Port != 0 {
		cfg.Job.Port = flagOverrides.Job.Port
	}
	if flagOverrides.Staging.Dir != "" {
		cfg.Staging.Dir = flagOverrides.Staging.Dir
	}
	if flagOverrides.Status.Port != 0 {
		cfg.Status.Port = flagOverrides.Status.Port
	}
	if flagOverrides.Notify.URL != "" {
		cfg.Notify.URL = flagOverrides.Notify.URL
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// loadConfig loads, overrides and validates the configuration, and
// installs the logger. Commands that never submit a job pass
// managerOnly to skip the job field checks.
func loadConfig(managerOnly bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	validate := cfg.Validate
	if managerOnly {
		validate = cfg.ValidateManager
	}
	if err := validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, cfg.NewLogger(), nil
}

func runSession(ctx context.Context) error {
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return err
	}

	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("managerMode", cfg.Manager.Mode),
		slog.String("image", cfg.Job.Image),
		slog.String("worker", cfg.Job.Worker),
		slog.String("version", buildinfo.Version),
	)

	metrics, promHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	shutdownTracing, err := telemetry.Setup(ctx, "tether", telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("trace shutdown failed", slog.String("error", err.Error()))
		}
	}()

	manager, err := cfg.NewManager(metrics)
	if err != nil {
		return fmt.Errorf("creating manager client: %w", err)
	}
	defer manager.Close()

	notifier := notify.New(notify.Config{
		URL:         cfg.Notify.URL,
		SigningKey:  cfg.SigningKey(),
		QueueSize:   cfg.Notify.QueueSize,
		MaxAttempts: cfg.Notify.MaxAttempts,
	}, metrics)
	defer func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		notifier.Close(nctx)
	}()

	var stager *staging.Stager
	if cfg.Job.Payload != "" {
		stager = staging.New(cfg.Staging.Dir)
	}

	controller := submit.New(submit.Options{
		Manager:        manager,
		Stager:         stager,
		Notifier:       notifier,
		Metrics:        metrics,
		BridgeRecorder: metrics,
		Worker:         cfg.Job.Worker,
		PollInterval:   cfg.Bridge.PollInterval,
		LocalHost:      cfg.Bridge.LocalHost,
	})

	checker := health.NewChecker(manager)

	if cfg.Status.Port > 0 {
		srv := &http.Server{
			Addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Status.Port)),
			Handler: api.NewRouter(api.RouterConfig{
				Session:        controller,
				HealthChecker:  checker,
				MetricsHandler: promHandler,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status listener started", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status listener failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			checker.SetShuttingDown()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	code, err := controller.Run(ctx, cfg.NewRequest(cfg.Job.Payload))
	exitCode = code
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("session: %w", err)
	}

	logger.Info("session ended", slog.Int("exitCode", code))
	return nil
}

func runStatus(ctx context.Context, jobID string) error {
	cfg, _, err := loadConfig(true)
	if err != nil {
		return err
	}

	manager, err := cfg.NewManager(nil)
	if err != nil {
		return fmt.Errorf("creating manager client: %w", err)
	}
	defer manager.Close()

	status, err := manager.Status(ctx, cluster.JobID(jobID))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func runTerminate(ctx context.Context, jobID string) error {
	cfg, logger, err := loadConfig(true)
	if err != nil {
		return err
	}

	manager, err := cfg.NewManager(nil)
	if err != nil {
		return fmt.Errorf("creating manager client: %w", err)
	}
	defer manager.Close()

	if err := manager.Terminate(ctx, cluster.JobID(jobID)); err != nil {
		return err
	}

	logger.Info("job terminated", slog.String("jobId", jobID))
	return nil
}
