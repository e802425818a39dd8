package connection

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/tu10ng/bspterm-sub000/internal/metrics"
	"github.com/tu10ng/bspterm-sub000/pkg/config"
	"github.com/tu10ng/bspterm-sub000/pkg/telnet"
)

// TelnetTerminalConnection is a terminal backed by a Telnet TCP stream.
type TelnetTerminalConnection struct {
	*connCore
}

var _ TerminalConnection = (*TelnetTerminalConnection)(nil)

// DialTelnet opens the TCP connection and starts the driver. Option
// negotiation happens in the driver as the remote offers options.
func DialTelnet(ctx context.Context, session config.SessionConfig, opts Options) (*TelnetTerminalConnection, error) {
	session = session.WithDefaults()
	opts = opts.withDefaults()
	addr := session.Address()
	started := time.Now()

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.ConnectionEventsTotal.WithLabelValues(string(config.ProtocolTelnet), metrics.EventDialFailed).Inc()
		return nil, fmt.Errorf("telnet: dial %s: %w", addr, err)
	}

	c := newTelnetConnection(context.WithoutCancel(ctx), session, conn, opts)
	metrics.ConnectDuration.WithLabelValues(string(config.ProtocolTelnet)).Observe(time.Since(started).Seconds())
	return c, nil
}

func newTelnetConnection(ctx context.Context, session config.SessionConfig, conn net.Conn, opts Options) *TelnetTerminalConnection {
	opts = opts.withDefaults()
	core := newConnCore(config.ProtocolTelnet, session.Address(), opts.EventBuffer)
	logger := opts.logger().With().
		Str("conn_id", core.id).
		Str("protocol", string(config.ProtocolTelnet)).
		Str("target", core.target).
		Logger()

	// Half-close so the remote sees EOF while the driver drains.
	core.teardown = func() {
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
			return
		}
		conn.Close()
	}

	d := &telnetDriver{
		core:       core,
		conn:       conn,
		negotiator: telnet.NewNegotiator(opts.TermType),
		stats:      newTelnetConnectionStats(core.target, logger),
		logger:     logger,
		debounce:   newDebouncer(opts.DebounceInterval),
		health: newHealthMonitor(opts.ProberFor(session), session.Host, opts.HealthCheckInterval,
			opts.ProbeFailureThreshold, logger),
		keepaliveInterval: session.Keepalive(opts.KeepaliveInterval),
		lastActivity:      time.Now(),
		cols:              session.Cols,
		rows:              session.Rows,
		reads:             make(chan readResult, 16),
		quit:              make(chan struct{}),
	}

	core.markConnected()
	logger.Info().Msg("Telnet connection established")

	c := &TelnetTerminalConnection{connCore: core}
	runtime.AddCleanup(c, (*connCore).release, core)

	go d.run(ctx)
	return c
}
