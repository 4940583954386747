package cloudevent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		statusCode int
		expected   string
	}{
		{400, "HTTP 400"},
		{404, "HTTP 404"},
		{500, "HTTP 500"},
		{503, "HTTP 503"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			t.Parallel()
			err := &HTTPError{StatusCode: tt.statusCode}
			if err.Error() != tt.expected {
				t.Errorf("HTTPError{%d}.Error() = %q, want %q", tt.statusCode, err.Error(), tt.expected)
			}
		})
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "400 Bad Request",
			err:      &HTTPError{StatusCode: 400},
			expected: true,
		},
		{
			name:     "401 Unauthorized",
			err:      &HTTPError{StatusCode: 401},
			expected: true,
		},
		{
			name:     "404 Not Found",
			err:      &HTTPError{StatusCode: 404},
			expected: true,
		},
		{
			name:     "499 client error boundary",
			err:      &HTTPError{StatusCode: 499},
			expected: true,
		},
		{
			name:     "500 Internal Server Error",
			err:      &HTTPError{StatusCode: 500},
			expected: false,
		},
		{
			name:     "503 Service Unavailable",
			err:      &HTTPError{StatusCode: 503},
			expected: false,
		},
		{
			name:     "399 not a client error",
			err:      &HTTPError{StatusCode: 399},
			expected: false,
		},
		{
			name:     "non-HTTP error",
			err:      context.DeadlineExceeded,
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := IsClientError(tt.err)
			if got != tt.expected {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestGenerateSignature(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"test":"data"}`)
	key := "secret-key"

	signature := generateSignature(payload, key)

	// Verify it starts with sha256=
	if len(signature) < 7 || signature[:7] != "sha256=" {
		t.Errorf("signature should start with 'sha256=', got %q", signature)
	}

	// Verify the hex part is 64 characters (SHA256 = 32 bytes = 64 hex chars)
	hexPart := signature[7:]
	if len(hexPart) != 64 {
		t.Errorf("signature hex part should be 64 chars, got %d", len(hexPart))
	}

	// Verify deterministic output
	signature2 := generateSignature(payload, key)
	if signature != signature2 {
		t.Error("signature should be deterministic")
	}

	// Different key should produce different signature
	signature3 := generateSignature(payload, "different-key")
	if signature == signature3 {
		t.Error("different keys should produce different signatures")
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	var gotType, gotSig, gotContentType string
	var gotBody CloudEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Ce-Type")
		gotSig = r.Header.Get("X-Signature-256")
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	event := New("session.bridge.ready", "tether", "job-1", "evt-1", map[string]any{"localPort": 45001})
	sender := NewSender(5 * time.Second)

	if err := sender.Send(context.Background(), srv.URL, event, "secret-key"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if gotType != "session.bridge.ready" {
		t.Errorf("Ce-Type = %q, want session.bridge.ready", gotType)
	}
	if gotContentType != "application/cloudevents+json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotBody.ID != "evt-1" || gotBody.Subject != "job-1" {
		t.Errorf("delivered body mismatch: %+v", gotBody)
	}

	// The signature must match a locally computed one over the same body.
	want, err := Sign(event, "secret-key")
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if gotSig != want {
		t.Errorf("X-Signature-256 = %q, want %q", gotSig, want)
	}
}

func TestSender_SendUnsigned(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Signature-256") != "" {
			t.Error("unexpected signature header on unsigned send")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	event := New("session.job.finished", "tether", "job-2", "evt-2", nil)
	if err := NewSender(5 * time.Second).Send(context.Background(), srv.URL, event, ""); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
}

func TestSender_SendServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	event := New("session.job.admitted", "tether", "job-3", "evt-3", nil)
	err := NewSender(5 * time.Second).Send(context.Background(), srv.URL, event, "")
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusBadGateway {
		t.Errorf("expected HTTPError 502, got %v", err)
	}
}
