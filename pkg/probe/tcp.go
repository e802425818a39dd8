package probe

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// TCPProber checks reachability by opening a TCP connection to Port. A refused
// connection counts as reachable since something answered.
type TCPProber struct {
	Port    string
	Timeout time.Duration
}

// Probe dials host:Port.
func (p *TCPProber) Probe(ctx context.Context, host string) (bool, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultEchoTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(StripPort(host), p.Port))
	if err == nil {
		conn.Close()
		return true, nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true, nil
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false, errors.Join(ErrProbeUnavailable, err)
	}
	return false, nil
}

// Fallback runs Primary and, when it reports ErrProbeUnavailable, Secondary.
type Fallback struct {
	Primary   Prober
	Secondary Prober
}

// Probe implements Prober.
func (f Fallback) Probe(ctx context.Context, host string) (bool, error) {
	ok, err := f.Primary.Probe(ctx, host)
	if err == nil || f.Secondary == nil || !errors.Is(err, ErrProbeUnavailable) {
		return ok, err
	}
	return f.Secondary.Probe(ctx, host)
}

var (
	_ Prober = (*TCPProber)(nil)
	_ Prober = Fallback{}
)
