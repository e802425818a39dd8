package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/tu10ng/bspterm-sub000/internal/metrics"
	"github.com/tu10ng/bspterm-sub000/pkg/telnet"
)

const (
	telnetReadBufferSize = 4096
	// Bounds a keepalive NOP write on a stalled socket.
	telnetKeepaliveWriteTimeout = 10 * time.Second
)

type readResult struct {
	data []byte
	err  error
}

// telnetDriver owns the TCP stream and the negotiator.
type telnetDriver struct {
	core       *connCore
	conn       net.Conn
	negotiator *telnet.Negotiator
	stats      *TelnetConnectionStats
	logger     zerolog.Logger

	debounce *debouncer
	health   *healthMonitor

	keepaliveInterval time.Duration
	keepalive         *time.Timer
	lastActivity      time.Time

	cols            uint16
	rows            uint16
	sentInitialNAWS bool

	reads       chan readResult
	quit        chan struct{}
	closeReason string
}

func (d *telnetDriver) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer d.shutdown()

	go d.readLoop()
	if d.keepaliveInterval > 0 {
		d.keepalive = time.NewTimer(d.keepaliveInterval)
	}

	d.logger.Debug().Msg("Telnet driver started")
	for {
		if d.step(ctx) {
			return
		}
	}
}

func (d *telnetDriver) keepaliveC() <-chan time.Time {
	if d.keepalive == nil {
		return nil
	}
	return d.keepalive.C
}

// step services one event and reports whether the loop must end.
func (d *telnetDriver) step(ctx context.Context) bool {
	select {
	case <-d.debounce.C():
		d.wakeup()
		return false
	default:
	}

	select {
	case <-d.core.queue.ready():
		return d.handleCommands()
	default:
	}

	select {
	case now := <-d.keepaliveC():
		return d.onKeepalive(now)
	default:
	}

	select {
	case r := <-d.health.resultC():
		return d.handleProbe(r)
	case now := <-d.health.tick():
		d.health.maybeProbe(ctx, now)
		return false
	default:
	}

	select {
	case <-d.debounce.C():
		d.wakeup()
	case <-d.core.queue.ready():
		return d.handleCommands()
	case now := <-d.keepaliveC():
		return d.onKeepalive(now)
	case r := <-d.health.resultC():
		return d.handleProbe(r)
	case now := <-d.health.tick():
		d.health.maybeProbe(ctx, now)
	case r := <-d.reads:
		return d.onRead(r)
	}
	return false
}

func (d *telnetDriver) readLoop() {
	buf := make([]byte, telnetReadBufferSize)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case d.reads <- readResult{data: chunk}:
			case <-d.quit:
				return
			}
		}
		if err != nil {
			select {
			case d.reads <- readResult{err: err}:
			case <-d.quit:
			}
			return
		}
	}
}

func (d *telnetDriver) handleCommands() bool {
	for _, cmd := range d.core.queue.drain() {
		switch cmd.Kind {
		case CommandWrite:
			if err := d.send(telnet.EscapeDataForSend(cmd.Data)); err != nil {
				return d.fatal(fmt.Sprintf("write failed: %v", err))
			}

		case CommandResize:
			d.cols, d.rows = cmd.Cols, cmd.Rows
			if !d.negotiator.NAWSEnabled() {
				d.logger.Debug().Msg("NAWS not negotiated, ignoring resize")
				continue
			}
			if err := d.sendNAWS(); err != nil {
				return d.fatal(fmt.Sprintf("window size update failed: %v", err))
			}

		case CommandClose:
			d.closeReason = "closed by client"
			d.core.disconnect()
			d.core.emit(Event{Kind: EventExit})
			return true
		}
	}
	return false
}

func (d *telnetDriver) onRead(r readResult) bool {
	if r.err != nil {
		if errors.Is(r.err, io.EOF) {
			return d.remoteClosed()
		}
		return d.fatal(fmt.Sprintf("read failed: %v", r.err))
	}

	now := time.Now()
	d.stats.BytesIn += uint64(len(r.data))
	metrics.BytesTotal.WithLabelValues(string(d.core.protocol), metrics.DirectionIn).Add(float64(len(r.data)))
	d.lastActivity = now
	d.health.dataReceived(now)

	reply, clean := d.negotiator.ProcessIncoming(r.data)
	if len(reply) > 0 {
		if err := d.send(reply); err != nil {
			return d.fatal(fmt.Sprintf("protocol reply failed: %v", err))
		}
	}

	if d.negotiator.NAWSEnabled() && !d.sentInitialNAWS {
		d.sentInitialNAWS = true
		if err := d.sendNAWS(); err != nil {
			return d.fatal(fmt.Sprintf("window size update failed: %v", err))
		}
		d.logger.Debug().Uint16("cols", d.cols).Uint16("rows", d.rows).Msg("Sent initial window size")
	}

	if len(clean) > 0 {
		d.core.buffer.append(clean)
		d.debounce.arm()
	}
	return false
}

func (d *telnetDriver) onKeepalive(now time.Time) bool {
	if idle := now.Sub(d.lastActivity); idle < d.keepaliveInterval {
		d.keepalive.Reset(d.keepaliveInterval - idle)
		return false
	}

	d.conn.SetWriteDeadline(now.Add(telnetKeepaliveWriteTimeout))
	err := d.send(telnet.BuildNOP())
	d.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		metrics.KeepalivesSentTotal.WithLabelValues(string(d.core.protocol), "failed").Inc()
		return d.fatal(fmt.Sprintf("keepalive failed: %v", err))
	}

	d.stats.Keepalives++
	metrics.KeepalivesSentTotal.WithLabelValues(string(d.core.protocol), "success").Inc()
	d.keepalive.Reset(d.keepaliveInterval)
	return false
}

func (d *telnetDriver) handleProbe(r probeResult) bool {
	if d.health.handle(r) {
		return d.fatal(ReasonHostUnreachable)
	}
	return false
}

func (d *telnetDriver) sendNAWS() error {
	if err := d.send(telnet.BuildNAWS(d.cols, d.rows)); err != nil {
		return err
	}
	d.stats.NAWSChanges++
	metrics.NAWSUpdatesTotal.Inc()
	return nil
}

// send writes p and counts it as activity.
func (d *telnetDriver) send(p []byte) error {
	n, err := d.conn.Write(p)
	d.stats.BytesOut += uint64(n)
	metrics.BytesTotal.WithLabelValues(string(d.core.protocol), metrics.DirectionOut).Add(float64(n))
	if err != nil {
		return err
	}
	d.lastActivity = time.Now()
	return nil
}

func (d *telnetDriver) wakeup() {
	d.debounce.fired()
	d.core.emit(Event{Kind: EventWakeup})
}

func (d *telnetDriver) remoteClosed() bool {
	if d.debounce.flush() {
		d.core.emit(Event{Kind: EventWakeup})
	}
	d.closeReason = "closed by remote"
	if d.core.disconnect() {
		d.core.emit(Event{Kind: EventExit})
	}
	return true
}

func (d *telnetDriver) fatal(reason string) bool {
	if !d.core.fail(reason) {
		d.logger.Debug().Str("reason", reason).Msg("Ignoring error after close")
		return true
	}
	d.logger.Error().Str("reason", reason).Msg("Telnet connection failed")
	d.core.emit(Event{Kind: EventExit})
	return true
}

func (d *telnetDriver) shutdown() {
	close(d.quit)
	d.debounce.flush()
	d.health.stop()
	if d.keepalive != nil {
		d.keepalive.Stop()
	}
	d.conn.Close()

	reason := d.closeReason
	if st := d.core.State(); st.Status == StatusError {
		reason = st.Reason
	} else if reason == "" {
		reason = "closed"
	}
	d.stats.LogDisconnect(reason)
	d.core.finish()
}
