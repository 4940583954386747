// Package endpoint models named worker network locations and holds the
// most recently reported snapshot of them.
package endpoint

import (
	"fmt"
	"net"
	"strconv"

	"tether/internal/apperrors"
)

// Endpoint is a named worker's network location.
type Endpoint struct {
	Name string
	Host string
	Port uint16
}

// Addr returns the endpoint's dialable host:port form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Set is one immutable snapshot of worker endpoints, delivered atomically
// by the watch driver. A new snapshot replaces the previous one; callers
// must not assume endpoints accumulate across deliveries, and must not
// mutate a Set after handing it off.
type Set []Endpoint

// Lookup returns the first endpoint whose name matches. Multiple
// endpoints may share a name; the first one wins.
func (s Set) Lookup(name string) (Endpoint, bool) {
	for _, e := range s {
		if e.Name == name {
			return e, true
		}
	}
	return Endpoint{}, false
}

// Equal reports whether s and other hold the same endpoints in the same
// order. Watch drivers use it to suppress redelivery of unchanged
// snapshots; a reordered but otherwise identical batch redelivers, which
// is harmless because publishing is a plain replace.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Parse builds an Endpoint from a name and a host:port address as
// reported on the wire.
func Parse(name, address string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Endpoint{}, apperrors.InvalidEndpoint(address, err.Error())
	}
	if host == "" {
		return Endpoint{}, apperrors.InvalidEndpoint(address, "missing host")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, apperrors.InvalidEndpoint(address, fmt.Sprintf("port must be 1-65535, got %q", portStr))
	}
	return Endpoint{Name: name, Host: host, Port: uint16(port)}, nil
}
