// Package probe implements out-of-band host reachability checks used by
// terminal connections to detect dead peers that never close the transport.
package probe

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrProbeUnavailable is returned when the probe mechanism itself cannot run
// (no ICMP socket permission, resolver failure). Callers treat it as "assume
// reachable".
var ErrProbeUnavailable = errors.New("reachability probe unavailable")

// Prober checks whether a host answers. A nil error with false means the host
// did not answer; a non-nil error means the probe could not be performed.
type Prober interface {
	Probe(ctx context.Context, host string) (bool, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, host string) (bool, error)

// Probe calls f(ctx, host).
func (f ProberFunc) Probe(ctx context.Context, host string) (bool, error) {
	return f(ctx, host)
}

// StripPort returns the host part of a "host:port" target. Bare hosts and
// IPv6 literals without a port are returned unchanged (brackets removed).
func StripPort(target string) string {
	if host, _, err := net.SplitHostPort(target); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(target, "["), "]")
}
