// Package bridge relays TCP connections from a local listener to a
// single remote worker endpoint, so a process on this machine can reach
// the worker as if it ran locally.
package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"tether/internal/apperrors"
)

// Handle is a point-in-time snapshot of a bridge's identity and state.
type Handle struct {
	LocalPort  uint16 `json:"localPort"`
	RemoteHost string `json:"remoteHost"`
	RemotePort uint16 `json:"remotePort"`
	Running    bool   `json:"running"`
}

// Config holds the addresses a bridge binds and dials.
type Config struct {
	// LocalHost is the listen address (default 127.0.0.1). The bridge is
	// a local convenience surface; binding anything wider is the
	// caller's deliberate choice.
	LocalHost string

	// LocalPort is the listen port. The controller allocates it before
	// constructing the bridge.
	LocalPort uint16

	RemoteHost string
	RemotePort uint16

	// DialTimeout bounds each remote connection attempt (default 10s).
	DialTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.LocalHost == "" {
		c.LocalHost = "127.0.0.1"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Recorder receives bridge connection metrics. Implemented by the
// observability metrics; nil disables recording.
type Recorder interface {
	RecordBridgeConnOpened(ctx context.Context)
	RecordBridgeConnClosed(ctx context.Context, bytesIn, bytesOut int64)
}

// Bridge is a local TCP listener forwarding every accepted connection
// to one remote endpoint. Each connection is relayed independently; a
// failure on one never disturbs the listener or its siblings.
type Bridge struct {
	cfg    Config
	rec    Recorder
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool

	wg sync.WaitGroup
}

// New creates a bridge for the given addresses. Call Start to bind.
func New(cfg Config, rec Recorder) *Bridge {
	cfg.applyDefaults()
	return &Bridge{
		cfg: cfg,
		rec: rec,
		logger: slog.With("component", "bridge",
			"remote", net.JoinHostPort(cfg.RemoteHost, strconv.Itoa(int(cfg.RemotePort)))),
		conns: make(map[net.Conn]struct{}),
	}
}

// Start binds the local listener and begins accepting in a background
// goroutine. A bind failure is returned to the caller; everything after
// that is handled internally.
func (b *Bridge) Start() error {
	addr := net.JoinHostPort(b.cfg.LocalHost, strconv.Itoa(int(b.cfg.LocalPort)))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return apperrors.Bridge("bridge.listen", err)
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		listener.Close()
		return apperrors.Bridge("bridge.listen", errors.New("bridge already stopped"))
	}
	b.listener = listener
	b.mu.Unlock()

	b.logger.Info("Bridge listening", "local", addr)

	b.wg.Add(1)
	go b.acceptLoop(listener)
	return nil
}

// Handle returns the bridge's current snapshot.
func (b *Bridge) Handle() Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Handle{
		LocalPort:  b.cfg.LocalPort,
		RemoteHost: b.cfg.RemoteHost,
		RemotePort: b.cfg.RemotePort,
		Running:    b.listener != nil && !b.stopped,
	}
}

// Stop closes the listener and all active relayed connections, then
// waits for the accept loop and relay pumps to unwind. Idempotent.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	listener := b.listener
	for conn := range b.conns {
		conn.Close()
	}
	b.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	b.wg.Wait()
	b.logger.Info("Bridge stopped")
}

func (b *Bridge) acceptLoop(listener net.Listener) {
	defer b.wg.Done()

	for {
		local, err := listener.Accept()
		if err != nil {
			if b.isStopped() {
				return
			}
			b.logger.Warn("Accept failed", "error", err)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		b.wg.Add(1)
		go b.relay(local)
	}
}

// relay connects the accepted local connection to the remote endpoint
// and pumps bytes both ways until either side closes.
func (b *Bridge) relay(local net.Conn) {
	defer b.wg.Done()

	remoteAddr := net.JoinHostPort(b.cfg.RemoteHost, strconv.Itoa(int(b.cfg.RemotePort)))
	remote, err := net.DialTimeout("tcp", remoteAddr, b.cfg.DialTimeout)
	if err != nil {
		b.logger.Warn("Remote dial failed", "error", err)
		local.Close()
		return
	}

	if !b.track(local, remote) {
		local.Close()
		remote.Close()
		return
	}
	defer b.untrack(local, remote)

	ctx := context.Background()
	if b.rec != nil {
		b.rec.RecordBridgeConnOpened(ctx)
	}

	// Two pumps, one per direction. When one side closes, half-close the
	// peer so in-flight data in the other direction still drains; the
	// deferred hard close runs once both pumps return.
	var pumps sync.WaitGroup
	var bytesIn, bytesOut int64
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		bytesOut, _ = io.Copy(remote, local)
		closeWrite(remote)
	}()
	go func() {
		defer pumps.Done()
		bytesIn, _ = io.Copy(local, remote)
		closeWrite(local)
	}()
	pumps.Wait()

	local.Close()
	remote.Close()

	if b.rec != nil {
		b.rec.RecordBridgeConnClosed(ctx, bytesIn, bytesOut)
	}
	b.logger.Debug("Connection closed", "bytesIn", bytesIn, "bytesOut", bytesOut)
}

// track registers a connection pair for Stop to close. Returns false if
// the bridge stopped while the dial was in flight.
func (b *Bridge) track(local, remote net.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.conns[local] = struct{}{}
	b.conns[remote] = struct{}{}
	return true
}

func (b *Bridge) untrack(local, remote net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, local)
	delete(b.conns, remote)
}

func (b *Bridge) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func closeWrite(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
		return
	}
	conn.Close()
}

// AllocatePort binds host:0, reads the port the OS assigned, and
// releases the listener so the bridge can rebind it. Another process
// could claim the port in the gap between close and rebind; the window
// is narrow and the next poll tick retries allocation from scratch.
func AllocatePort(host string) (uint16, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, apperrors.Bridge("bridge.allocatePort", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if err := listener.Close(); err != nil {
		return 0, apperrors.Bridge("bridge.allocatePort", err)
	}
	return uint16(port), nil
}
