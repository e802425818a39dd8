// Package connection turns SSH and Telnet transports into uniform terminal
// backends. Each connection is a façade backed by one driver goroutine that
// exclusively owns the transport.
package connection

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/tu10ng/bspterm-sub000/internal/metrics"
	"github.com/tu10ng/bspterm-sub000/pkg/config"
	"github.com/tu10ng/bspterm-sub000/pkg/probe"
)

var (
	// ErrClosed is returned by Write and Resize once the connection has ended.
	ErrClosed = errors.New("connection closed")
	// ErrUnsupportedProtocol is returned by Dial for unknown session protocols.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// ProcessInfo describes a local process backing a terminal. Remote
// connections never have one.
type ProcessInfo struct {
	PID  int
	Name string
}

// TerminalConnection is the capability set shared by every terminal backend.
// All methods are safe for concurrent use and none of them block on the
// network.
type TerminalConnection interface {
	ID() string
	Protocol() config.Protocol
	Target() string

	// Write enqueues bytes for the remote.
	Write(data []byte) error
	// Resize enqueues a window size change.
	Resize(cols, rows uint16) error
	// Shutdown flips the state to Disconnected and tears the transport down in
	// the background. The driver still emits one Exit. Safe to call more than
	// once.
	Shutdown() error
	State() ConnectionState
	// Read drains output received since the previous call. It returns nil
	// when nothing new arrived, which does not mean the connection ended.
	Read() []byte
	ProcessInfo() *ProcessInfo
	// Events delivers Wakeup, Exit and ChildExit notifications. The channel
	// is closed when the driver exits.
	Events() <-chan Event
	// Done is closed once the driver has released the transport.
	Done() <-chan struct{}
	Close() error
}

// Options tunes connection timing and liveness behavior.
type Options struct {
	DebounceInterval      time.Duration
	HealthCheckInterval   time.Duration
	ProbeFailureThreshold int
	// Prober checks host reachability. Nil disables health probing.
	Prober probe.Prober

	KeepaliveInterval time.Duration
	SSHKeepaliveMax   int
	DialTimeout       time.Duration
	TermType          string

	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	// HostKeyCallback overrides KnownHostsFile and InsecureIgnoreHostKey.
	HostKeyCallback ssh.HostKeyCallback

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	Logger *zerolog.Logger
}

// DefaultOptions returns the built-in timing and liveness settings.
func DefaultOptions() Options {
	return Options{
		DebounceInterval:      10 * time.Millisecond,
		HealthCheckInterval:   10 * time.Second,
		ProbeFailureThreshold: 2,
		KeepaliveInterval:     30 * time.Second,
		SSHKeepaliveMax:       3,
		DialTimeout:           10 * time.Second,
		TermType:              "xterm-256color",
		EventBuffer:           defaultEventBuffer,
	}
}

// OptionsFromConfig builds Options from the connection section of the
// configuration. The prober used for a session is chosen by ProberFor.
func OptionsFromConfig(cfg config.ConnectionConfig) Options {
	opts := DefaultOptions()
	opts.DebounceInterval = cfg.DebounceInterval
	opts.HealthCheckInterval = cfg.HealthCheckInterval
	opts.ProbeFailureThreshold = cfg.ProbeFailureThreshold
	opts.KeepaliveInterval = cfg.KeepaliveInterval
	opts.SSHKeepaliveMax = cfg.SSHKeepaliveMax
	opts.DialTimeout = cfg.DialTimeout
	opts.TermType = cfg.TermType
	opts.KnownHostsFile = cfg.KnownHostsFile
	opts.InsecureIgnoreHostKey = cfg.InsecureIgnoreHostKey
	if !cfg.ProbeDisabled {
		opts.Prober = probe.Fallback{
			Primary:   probe.NewICMPProber(cfg.ProbeTimeout),
			Secondary: &probe.TCPProber{Timeout: cfg.ProbeTimeout},
		}
	}
	return opts.withDefaults()
}

// ProberFor points a TCP fallback prober at the session port.
func (o Options) ProberFor(session config.SessionConfig) probe.Prober {
	fb, ok := o.Prober.(probe.Fallback)
	if !ok {
		return o.Prober
	}
	if tcp, ok := fb.Secondary.(*probe.TCPProber); ok && tcp.Port == "" {
		fb.Secondary = &probe.TCPProber{Port: strconv.Itoa(session.Port), Timeout: tcp.Timeout}
	}
	return fb
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.DebounceInterval <= 0 {
		o.DebounceInterval = def.DebounceInterval
	}
	if o.ProbeFailureThreshold <= 0 {
		o.ProbeFailureThreshold = def.ProbeFailureThreshold
	}
	if o.SSHKeepaliveMax <= 0 {
		o.SSHKeepaliveMax = def.SSHKeepaliveMax
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.TermType == "" {
		o.TermType = def.TermType
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = def.EventBuffer
	}
	return o
}

func (o Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return log.Logger
}

// connCore is the state shared between a façade and its driver. It must not
// reference the façade so that an unreachable façade can be cleaned up.
type connCore struct {
	id       string
	protocol config.Protocol
	target   string

	queue  *commandQueue
	buffer incomingBuffer
	state  *stateCell
	events *eventSink
	done   chan struct{}

	// teardown releases the transport without waiting on the driver.
	teardown     func()
	shutdownOnce sync.Once
}

func newConnCore(protocol config.Protocol, target string, eventBuffer int) *connCore {
	return &connCore{
		id:       uuid.NewString(),
		protocol: protocol,
		target:   target,
		queue:    newCommandQueue(),
		state:    newStateCell(Connecting),
		events:   newEventSink(eventBuffer),
		done:     make(chan struct{}),
	}
}

func (c *connCore) ID() string                { return c.id }
func (c *connCore) Protocol() config.Protocol { return c.protocol }
func (c *connCore) Target() string            { return c.target }

func (c *connCore) Write(data []byte) error {
	if c.state.get().IsTerminal() {
		return ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return c.queue.send(writeCommand(buf))
}

func (c *connCore) Resize(cols, rows uint16) error {
	if c.state.get().IsTerminal() {
		return ErrClosed
	}
	return c.queue.send(resizeCommand(cols, rows))
}

func (c *connCore) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.state.set(Disconnected)
		c.queue.closeSender()
		if c.teardown != nil {
			go c.teardown()
		}
	})
	return nil
}

// Close is an alias of Shutdown.
func (c *connCore) Close() error {
	return c.Shutdown()
}

func (c *connCore) State() ConnectionState {
	return c.state.get()
}

func (c *connCore) Read() []byte {
	return c.buffer.take()
}

func (c *connCore) ProcessInfo() *ProcessInfo {
	return nil
}

func (c *connCore) Events() <-chan Event {
	return c.events.ch
}

func (c *connCore) Done() <-chan struct{} {
	return c.done
}

// emit delivers an event and counts wakeups.
func (c *connCore) emit(e Event) {
	if c.events.emit(e) && e.Kind == EventWakeup {
		metrics.WakeupsTotal.WithLabelValues(string(c.protocol)).Inc()
	}
}

// markConnected moves Connecting to Connected.
func (c *connCore) markConnected() {
	if c.state.set(Connected) {
		metrics.ConnectionsActive.WithLabelValues(string(c.protocol)).Inc()
		metrics.ConnectionEventsTotal.WithLabelValues(string(c.protocol), metrics.EventConnected).Inc()
	}
}

// disconnect records a graceful end. It reports false when Shutdown or an
// error got there first.
func (c *connCore) disconnect() bool {
	metrics.ConnectionEventsTotal.WithLabelValues(string(c.protocol), metrics.EventDisconnected).Inc()
	return c.state.set(Disconnected)
}

// fail records a fatal error. It reports false when the connection had
// already ended and the error is not worth reporting.
func (c *connCore) fail(reason string) bool {
	if !c.state.set(ErrorState(reason)) {
		return false
	}
	metrics.ConnectionEventsTotal.WithLabelValues(string(c.protocol), metrics.EventError).Inc()
	return true
}

// finish is the last step of every driver exit path. Exit goes out here if
// no earlier path sent it, which covers a local Shutdown whose teardown won
// the race against the queued Close.
func (c *connCore) finish() {
	c.queue.shutdown()
	c.state.set(Disconnected)
	c.emit(Event{Kind: EventExit})
	c.events.close()
	metrics.ConnectionsActive.WithLabelValues(string(c.protocol)).Dec()
	close(c.done)
}

// release runs when a façade becomes unreachable without Shutdown.
func (c *connCore) release() {
	c.Shutdown()
}
