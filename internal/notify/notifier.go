// Package notify delivers session lifecycle events to one optional
// webhook destination. Notifications are advisory: they are queued,
// retried, and ultimately dropped rather than ever blocking or failing
// the session itself.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tether/pkg/backoff"
	"tether/pkg/circuitbreaker"
	"tether/pkg/cloudevent"
)

// Lifecycle event types.
const (
	EventJobAdmitted = "tether.job.admitted"
	EventBridgeReady = "tether.bridge.ready"
	EventJobFinished = "tether.job.finished"
)

const eventSource = "tether"

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// Notifier queues lifecycle events and delivers them from a single
// worker goroutine. Enqueueing never blocks, so callbacks and the
// polling loop can publish from their own goroutines freely.
type Notifier struct {
	cfg     Config
	sender  *cloudevent.Sender
	breaker *circuitbreaker.Breaker
	retry   backoff.Policy
	logger  *slog.Logger
	metrics MetricsRecorder

	queue    chan *cloudevent.CloudEvent
	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New creates a notifier for cfg.URL and starts its worker. A nil
// notifier is returned when no URL is configured; all methods are
// no-ops on nil, so call sites never branch.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	cfg = cfg.withDefaults()

	n := &Notifier{
		cfg:    cfg,
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		retry:    backoff.Default,
		logger:   slog.With("component", "notify"),
		metrics:  metrics,
		queue:    make(chan *cloudevent.CloudEvent, cfg.QueueSize),
		shutdown: make(chan struct{}),
	}

	n.wg.Add(1)
	go n.worker()

	n.logger.Info("Notifier started", "destination", cfg.URL, "queue", cfg.QueueSize)
	return n
}

// JobAdmitted publishes the admission event for a job.
func (n *Notifier) JobAdmitted(jobID string) {
	n.publish(EventJobAdmitted, jobID, map[string]any{
		"jobId": jobID,
	})
}

// BridgeReady publishes the bridge-established event with its local and
// remote addresses.
func (n *Notifier) BridgeReady(jobID string, localPort uint16, remoteHost string, remotePort uint16) {
	n.publish(EventBridgeReady, jobID, map[string]any{
		"jobId":      jobID,
		"localPort":  localPort,
		"remoteHost": remoteHost,
		"remotePort": remotePort,
	})
}

// JobFinished publishes the terminal event for a job.
func (n *Notifier) JobFinished(jobID, state string, exitCode int) {
	n.publish(EventJobFinished, jobID, map[string]any{
		"jobId":    jobID,
		"state":    state,
		"exitCode": exitCode,
	})
}

// publish enqueues one event without blocking; a full queue drops it.
func (n *Notifier) publish(eventType, subject string, data map[string]any) {
	if n == nil || n.closed.Load() {
		return
	}
	event := cloudevent.New(eventType, eventSource, subject, uuid.NewString(), data)

	select {
	case n.queue <- event:
		if n.metrics != nil {
			n.metrics.RecordNotifyQueueSize(context.Background(), int64(len(n.queue)))
		}
	default:
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyDropped(context.Background())
		}
		n.logger.Warn("Notification dropped, queue full", "type", eventType)
	}
}

// Close drains pending events and stops the worker. The context
// deadline bounds the drain. Safe to call on nil and more than once.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil || n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case event := <-n.queue:
					n.deliver(event)
				default:
					return
				}
			}
		case event := <-n.queue:
			n.deliver(event)
		}
	}
}

// deliver attempts one event with retry and the circuit breaker.
func (n *Notifier) deliver(event *cloudevent.CloudEvent) {
	if !n.breaker.Allow() {
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyDropped(context.Background())
		}
		n.logger.Debug("Notification dropped, circuit open", "type", event.Type)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := n.sendWithRetry(ctx, event); err != nil {
		n.breaker.RecordFailure()
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("Notification delivery failed", "type", event.Type, "error", err)
		return
	}

	n.breaker.RecordSuccess()
	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

func (n *Notifier) sendWithRetry(ctx context.Context, event *cloudevent.CloudEvent) error {
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.retry.Delay(attempt - 1)):
			}
		}

		lastErr = n.sender.Send(ctx, n.cfg.URL, event, n.cfg.SigningKey)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
