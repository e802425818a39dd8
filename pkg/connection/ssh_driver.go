package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/tu10ng/bspterm-sub000/internal/metrics"
)

const (
	sshReadBufferSize = 32 * 1024
	// Output still in flight when the remote closes the channel is drained for
	// at most this long.
	sshDrainTimeout = 200 * time.Millisecond
	// After both output streams hit EOF, a trailing exit-status is awaited for
	// at most this long before the session is treated as closed.
	sshExitStatusWait = 100 * time.Millisecond

	keepaliveRequest = "keepalive@openssh.com"
)

var errKeepaliveTimeout = errors.New("keepalive reply timed out")

// Wire payloads, RFC 4254 section 6.
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type exitStatusMsg struct {
	Status uint32
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

// sshTransport is the connection-level handle the driver needs: keepalive
// requests and a way to drop the whole client. *ssh.Client satisfies it.
type sshTransport interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// sshDriver owns an open session channel and runs its event loop.
type sshDriver struct {
	core     *connCore
	channel  ssh.Channel
	requests <-chan *ssh.Request
	opts     Options
	logger   zerolog.Logger

	transport      sshTransport
	closeTransport func()
	initialCommand []byte

	debounce *debouncer
	health   *healthMonitor

	data        chan []byte
	readErr     chan error
	readersDone chan struct{}
	quit        chan struct{}
}

func (d *sshDriver) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer d.shutdown()

	d.startReaders()
	if d.transport != nil && d.opts.KeepaliveInterval > 0 {
		go d.keepalive(ctx)
	}

	if len(d.initialCommand) > 0 {
		if _, err := d.channel.Write(d.initialCommand); err != nil {
			d.fatal(fmt.Sprintf("initial command failed: %v", err))
			return
		}
		metrics.BytesTotal.WithLabelValues(string(d.core.protocol), metrics.DirectionOut).Add(float64(len(d.initialCommand)))
	}

	d.logger.Debug().Msg("SSH driver started")
	for {
		if d.step(ctx) {
			return
		}
	}
}

// step services one event and reports whether the loop must end. Sources are
// polled in priority order before blocking on all of them.
func (d *sshDriver) step(ctx context.Context) bool {
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
	case r := <-d.health.resultC():
		return d.handleProbe(r)
	case now := <-d.health.tick():
		d.health.maybeProbe(ctx, now)
	case data := <-d.data:
		d.onData(data)
	case err := <-d.readErr:
		return d.fatal(fmt.Sprintf("read failed: %v", err))
	case <-d.readersDone:
		return d.streamsEnded()
	case req, ok := <-d.requests:
		if !ok {
			return d.remoteClosed()
		}
		d.handleRequest(req)
	}
	return false
}

func (d *sshDriver) startReaders() {
	var wg sync.WaitGroup
	wg.Add(2)
	go d.pump(d.channel, &wg)
	go d.pump(d.channel.Stderr(), &wg)

	go func() {
		wg.Wait()
		close(d.readersDone)
	}()
}

// pump copies one channel stream (data or extended data) to the loop.
func (d *sshDriver) pump(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, sshReadBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case d.data <- chunk:
			case <-d.quit:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case d.readErr <- err:
				case <-d.quit:
				}
			}
			return
		}
	}
}

func (d *sshDriver) handleCommands() bool {
	for _, cmd := range d.core.queue.drain() {
		switch cmd.Kind {
		case CommandWrite:
			if _, err := d.channel.Write(cmd.Data); err != nil {
				return d.fatal(fmt.Sprintf("write failed: %v", err))
			}
			metrics.BytesTotal.WithLabelValues(string(d.core.protocol), metrics.DirectionOut).Add(float64(len(cmd.Data)))

		case CommandResize:
			if err := d.resize(cmd.Cols, cmd.Rows); err != nil {
				d.logger.Warn().Err(err).
					Uint16("cols", cmd.Cols).
					Uint16("rows", cmd.Rows).
					Msg("Failed to resize SSH channel")
			}

		case CommandClose:
			if err := d.channel.Close(); err != nil && !errors.Is(err, io.EOF) {
				d.logger.Debug().Err(err).Msg("Error closing SSH channel")
			}
			d.core.disconnect()
			d.core.emit(Event{Kind: EventExit})
			d.logger.Info().Msg("SSH connection closed by client")
			return true
		}
	}
	return false
}

func (d *sshDriver) resize(cols, rows uint16) error {
	payload := ssh.Marshal(&windowChangeMsg{
		Columns: uint32(cols),
		Rows:    uint32(rows),
	})
	_, err := d.channel.SendRequest("window-change", false, payload)
	return err
}

func (d *sshDriver) handleProbe(r probeResult) bool {
	if d.health.handle(r) {
		return d.fatal(ReasonHostUnreachable)
	}
	return false
}

func (d *sshDriver) onData(data []byte) {
	d.core.buffer.append(data)
	metrics.BytesTotal.WithLabelValues(string(d.core.protocol), metrics.DirectionIn).Add(float64(len(data)))
	d.health.dataReceived(time.Now())
	d.debounce.arm()
}

func (d *sshDriver) wakeup() {
	d.debounce.fired()
	d.core.emit(Event{Kind: EventWakeup})
}

func (d *sshDriver) handleRequest(req *ssh.Request) {
	switch req.Type {
	case "exit-status":
		var msg exitStatusMsg
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			d.logger.Warn().Err(err).Msg("Malformed exit-status request")
			break
		}
		d.logger.Info().Uint32("exit_status", msg.Status).Msg("Remote process exited")
		metrics.ConnectionEventsTotal.WithLabelValues(string(d.core.protocol), metrics.EventChildExit).Inc()
		d.core.emit(Event{Kind: EventChildExit, ExitCode: int(msg.Status)})

	case "exit-signal":
		var msg exitSignalMsg
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			d.logger.Warn().Err(err).Msg("Malformed exit-signal request")
			break
		}
		d.logger.Info().
			Str("signal", msg.Signal).
			Bool("core_dumped", msg.CoreDumped).
			Str("message", msg.Error).
			Msg("Remote process killed by signal")

	default:
		d.logger.Debug().Str("type", req.Type).Msg("Ignoring channel request")
	}

	if req.WantReply {
		req.Reply(false, nil)
	}
}

// remoteClosed handles EOF on the channel or the end of its request stream,
// which the SSH library closes when the remote closes the channel or the
// client dies.
func (d *sshDriver) remoteClosed() bool {
	d.drainOutput()
	if d.debounce.flush() {
		d.core.emit(Event{Kind: EventWakeup})
	}
	if d.core.disconnect() {
		d.core.emit(Event{Kind: EventExit})
	}
	d.logger.Info().Msg("SSH channel closed by remote")
	return true
}

// streamsEnded handles EOF on both output streams from a remote that has not
// closed the channel yet.
func (d *sshDriver) streamsEnded() bool {
	select {
	case err := <-d.readErr:
		return d.fatal(fmt.Sprintf("read failed: %v", err))
	default:
	}

	timer := time.NewTimer(sshExitStatusWait)
	defer timer.Stop()

	for {
		select {
		case req, ok := <-d.requests:
			if !ok {
				return d.remoteClosed()
			}
			d.handleRequest(req)
		case <-timer.C:
			d.logger.Debug().Msg("SSH channel reached EOF")
			return d.remoteClosed()
		}
	}
}

// drainOutput collects output the readers have not delivered yet.
func (d *sshDriver) drainOutput() {
	timeout := time.NewTimer(sshDrainTimeout)
	defer timeout.Stop()

	for {
		select {
		case data := <-d.data:
			d.onData(data)
		case <-d.readersDone:
			for {
				select {
				case data := <-d.data:
					d.onData(data)
				default:
					return
				}
			}
		case <-timeout.C:
			return
		}
	}
}

// fatal records an error state, emits Exit and ends the loop.
func (d *sshDriver) fatal(reason string) bool {
	if !d.core.fail(reason) {
		d.logger.Debug().Str("reason", reason).Msg("Ignoring error after close")
		return true
	}
	d.logger.Error().Str("reason", reason).Msg("SSH connection failed")
	d.core.emit(Event{Kind: EventExit})
	return true
}

// keepalive sends keepalive@openssh.com on the client connection. After
// SSHKeepaliveMax consecutive misses the client is closed, which ends the
// channel and with it the loop.
func (d *sshDriver) keepalive(ctx context.Context) {
	ticker := time.NewTicker(d.opts.KeepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := d.sendKeepalive(ctx)
		if err == nil {
			missed = 0
			metrics.KeepalivesSentTotal.WithLabelValues(string(d.core.protocol), "success").Inc()
			continue
		}
		if ctx.Err() != nil {
			return
		}

		missed++
		metrics.KeepalivesSentTotal.WithLabelValues(string(d.core.protocol), "failed").Inc()
		d.logger.Warn().Err(err).Int("missed", missed).Msg("SSH keepalive failed")

		if missed >= d.opts.SSHKeepaliveMax {
			d.logger.Error().Int("missed", missed).Msg("SSH keepalive limit reached, closing connection")
			d.closeTransport()
			return
		}
	}
}

func (d *sshDriver) sendKeepalive(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		_, _, err := d.transport.SendRequest(keepaliveRequest, true, nil)
		errCh <- err
	}()

	timer := time.NewTimer(d.opts.KeepaliveInterval)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		return errKeepaliveTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *sshDriver) shutdown() {
	close(d.quit)
	d.debounce.flush()
	d.health.stop()

	d.channel.Close()
	d.closeTransport()

	d.core.finish()
	d.logger.Debug().Str("state", d.core.State().String()).Msg("SSH driver stopped")
}
