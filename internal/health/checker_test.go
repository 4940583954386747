package health

import (
	"context"
	"errors"
	"testing"
)

type fakeManager struct {
	err   error
	calls int
}

func (f *fakeManager) Ready(ctx context.Context) error {
	f.calls++
	return f.err
}

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoManager(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}

	if response.Checks == nil {
		t.Fatal("Expected checks to be present")
	}

	managerCheck, ok := response.Checks["manager"]
	if !ok {
		t.Fatal("Expected manager check to be present")
	}

	if managerCheck.Status != StatusUnhealthy {
		t.Errorf("Expected manager check to be unhealthy, got %s", managerCheck.Status)
	}
}

func TestChecker_Readiness_ManagerReachable(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&fakeManager{})

	response := checker.Readiness(context.Background())

	if !response.IsHealthy() {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_ManagerDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&fakeManager{err: errors.New("connection refused")})

	response := checker.Readiness(context.Background())

	if response.IsHealthy() {
		t.Error("Expected unhealthy status when manager probe fails")
	}
	if msg := response.Checks["manager"].Message; msg != "connection refused" {
		t.Errorf("Expected probe error in check message, got %q", msg)
	}
}

func TestChecker_Readiness_CachesProbe(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{}
	checker := NewChecker(mgr)

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if mgr.calls != 1 {
		t.Errorf("Expected 1 probe within the cache window, got %d", mgr.calls)
	}
}

func TestChecker_Readiness_ShuttingDown(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{}
	checker := NewChecker(mgr)
	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())

	if response.IsHealthy() {
		t.Error("Expected unhealthy status while shutting down")
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check to be present")
	}
	if mgr.calls != 0 {
		t.Error("Expected no manager probe while shutting down")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
