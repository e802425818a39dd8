package connection

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testOptions disables probing and keepalives and uses a debounce window wide
// enough to be stable on a loaded machine.
func testOptions() Options {
	nop := zerolog.Nop()
	opts := DefaultOptions()
	opts.DebounceInterval = 30 * time.Millisecond
	opts.HealthCheckInterval = 0
	opts.KeepaliveInterval = 0
	opts.Logger = &nop
	return opts
}

// collectEvents gathers events until the channel closes or d elapses.
func collectEvents(conn TerminalConnection, d time.Duration) []Event {
	var events []Event
	timeout := time.After(d)
	for {
		select {
		case e, ok := <-conn.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			return events
		}
	}
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func waitDone(t *testing.T, conn TerminalConnection) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not exit")
	}
}

// fakeChannel is an in-memory ssh.Channel. The test plays the remote side
// through the pipe writers.
type fakeChannel struct {
	stdout  *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  *io.PipeReader
	stderrW *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	requests []fakeRequest
	closed   bool
	writeErr error
}

type fakeRequest struct {
	name    string
	payload []byte
}

func newFakeChannel() *fakeChannel {
	c := &fakeChannel{}
	c.stdout, c.stdoutW = io.Pipe()
	c.stderr, c.stderrW = io.Pipe()
	return c
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.written.Write(p)
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.remoteClose()
	return nil
}

func (c *fakeChannel) CloseWrite() error {
	return nil
}

func (c *fakeChannel) SendRequest(name string, _ bool, payload []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, fakeRequest{name: name, payload: payload})
	return true, nil
}

func (c *fakeChannel) Stderr() io.ReadWriter {
	return struct {
		io.Reader
		io.Writer
	}{c.stderr, io.Discard}
}

func (c *fakeChannel) remoteWrite(t *testing.T, s string) {
	t.Helper()
	_, err := c.stdoutW.Write([]byte(s))
	require.NoError(t, err)
}

func (c *fakeChannel) remoteWriteStderr(t *testing.T, s string) {
	t.Helper()
	_, err := c.stderrW.Write([]byte(s))
	require.NoError(t, err)
}

func (c *fakeChannel) remoteClose() {
	c.stdoutW.Close()
	c.stderrW.Close()
}

func (c *fakeChannel) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeChannel) writtenString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

func (c *fakeChannel) sentRequests() []fakeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeRequest(nil), c.requests...)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ ssh.Channel = (*fakeChannel)(nil)

// telnetPeer plays the remote end of a net.Pipe and records everything the
// driver sends.
type telnetPeer struct {
	conn net.Conn

	mu       sync.Mutex
	received bytes.Buffer
	done     chan struct{}
}

func newTelnetPeer(conn net.Conn) *telnetPeer {
	p := &telnetPeer{conn: conn, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				p.mu.Lock()
				p.received.Write(buf[:n])
				p.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

func (p *telnetPeer) send(t *testing.T, b []byte) {
	t.Helper()
	_, err := p.conn.Write(b)
	require.NoError(t, err)
}

func (p *telnetPeer) bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.received.Bytes()...)
}

// faultyConn wraps the driver side of a Telnet pipe. Writes fail once
// writeErr is set; a remote close surfaces as readErr instead of EOF when set.
type faultyConn struct {
	net.Conn

	mu       sync.Mutex
	writeErr error
	readErr  error
}

func (c *faultyConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if errors.Is(err, io.EOF) {
		c.mu.Lock()
		if c.readErr != nil {
			err = c.readErr
		}
		c.mu.Unlock()
	}
	return n, err
}

func (c *faultyConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

func (c *faultyConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *faultyConn) failReads(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

// lockedBuffer is a log sink shared between the driver and the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
