package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordManagerRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordManagerRequest(ctx, "remote.submit", nil, 50*time.Millisecond)
	metrics.RecordManagerRequest(ctx, "remote.status", nil, time.Millisecond)
	metrics.RecordManagerRequest(ctx, "remote.status", errors.New("boom"), time.Second)
	metrics.RecordManagerRequest(ctx, "remote.terminate", nil, 10*time.Millisecond)
}

func TestRecordSessionMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordCallback(ctx, CallbackAdmitted)
	metrics.RecordCallback(ctx, CallbackEndpoints)
	metrics.RecordPoll(ctx, false)
	metrics.RecordPoll(ctx, true)
	metrics.RecordBridgeConnOpened(ctx)
	metrics.RecordBridgeConnClosed(ctx, 1024, 2048)
	metrics.RecordNotifyDelivered(ctx, 0.05)
	metrics.RecordNotifyFailed(ctx)
	metrics.RecordNotifyDropped(ctx)
	metrics.RecordNotifyQueueSize(ctx, 3)
}
