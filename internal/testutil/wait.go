// Package testutil provides polling helpers for asynchronous test assertions.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	Message  string
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 20ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

// WithMessage sets the failure message MustWaitFor reports on timeout.
func WithMessage(msg string) WaitOption {
	return func(o *WaitOptions) {
		o.Message = msg
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 20 * time.Millisecond,
	}
}

// WaitFor polls until condition returns true or the timeout is reached.
// Returns true if the condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if condition() {
		return true
	}

	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			return false
		case <-ticker.C:
			if condition() {
				return true
			}
		}
	}
}

// WaitForCount polls until counter reaches the target value or the
// timeout is reached.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool {
		return counter.Load() >= target
	}, opts...)
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if WaitFor(tb, condition, opts...) {
		return
	}
	if o.Message != "" {
		tb.Fatalf("timed out waiting for condition: %s", o.Message)
	}
	tb.Fatal("timed out waiting for condition")
}

// MustWaitForCount polls until counter reaches the target value or
// fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}
