package app

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tu10ng/bspterm-sub000/pkg/config"
	"github.com/tu10ng/bspterm-sub000/pkg/connection"
)

// fakeConn is a scripted TerminalConnection.
type fakeConn struct {
	id     string
	events chan connection.Event
	done   chan struct{}

	mu       sync.Mutex
	pending  []byte
	written  []string
	state    connection.ConnectionState
	shutdown int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		id:     id,
		events: make(chan connection.Event, 16),
		done:   make(chan struct{}),
		state:  connection.Connected,
	}
}

func (f *fakeConn) ID() string                           { return f.id }
func (f *fakeConn) Protocol() config.Protocol            { return config.ProtocolTelnet }
func (f *fakeConn) Target() string                       { return "192.0.2.5:23" }
func (f *fakeConn) Resize(uint16, uint16) error          { return nil }
func (f *fakeConn) ProcessInfo() *connection.ProcessInfo { return nil }
func (f *fakeConn) Events() <-chan connection.Event      { return f.events }
func (f *fakeConn) Done() <-chan struct{}                { return f.done }
func (f *fakeConn) Close() error                         { return f.Shutdown() }

func (f *fakeConn) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.IsTerminal() {
		return connection.ErrClosed
	}
	f.written = append(f.written, string(data))
	return nil
}

func (f *fakeConn) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown++
	f.state = connection.Disconnected
	return nil
}

func (f *fakeConn) State() connection.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Read() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.pending
	f.pending = nil
	return data
}

// remote simulates output followed by a wakeup.
func (f *fakeConn) remote(s string) {
	f.mu.Lock()
	f.pending = append(f.pending, s...)
	f.mu.Unlock()
	f.events <- connection.Event{Kind: connection.EventWakeup}
}

func (f *fakeConn) end() {
	f.mu.Lock()
	f.state = connection.Disconnected
	f.mu.Unlock()
	f.events <- connection.Event{Kind: connection.EventExit}
	close(f.events)
}

func (f *fakeConn) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

func newTestContext(conn *fakeConn) *Context {
	cfg := &config.Config{
		Sessions: []config.SessionConfig{
			{Name: "switch", Protocol: config.ProtocolTelnet, Host: "192.0.2.5", Username: "admin", Password: "pw", AutoLogin: true},
			{Name: "router", Protocol: config.ProtocolSSH, Host: "192.0.2.6", Username: "root"},
		},
	}
	c := NewContext(cfg)
	c.Dial = func(context.Context, config.SessionConfig, connection.Options) (connection.TerminalConnection, error) {
		return conn, nil
	}
	return c
}

func TestContext_OpenRegistersTerminal(t *testing.T) {
	conn := newFakeConn("conn-1")
	c := newTestContext(conn)

	term, err := c.OpenNamed(context.Background(), "switch", "console")
	require.NoError(t, err)

	assert.Equal(t, "conn-1", term.ID())
	assert.Equal(t, 23, term.Session().Port)

	entry := c.Registry.Get("conn-1")
	require.NotNil(t, entry)
	assert.Equal(t, "switch", entry.SessionName)
	assert.Equal(t, "console", entry.Source)
	assert.Equal(t, "192.0.2.5:23", entry.Target)
}

func TestContext_OpenUnknownSession(t *testing.T) {
	c := newTestContext(newFakeConn("conn-1"))

	_, err := c.OpenNamed(context.Background(), "missing", "relay")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestContext_OpenDialError(t *testing.T) {
	c := newTestContext(nil)
	dialErr := errors.New("connection refused")
	c.Dial = func(context.Context, config.SessionConfig, connection.Options) (connection.TerminalConnection, error) {
		return nil, dialErr
	}

	_, err := c.OpenNamed(context.Background(), "router", "console")
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 0, c.Registry.Count())
}

func TestContext_Sessions(t *testing.T) {
	c := newTestContext(nil)

	sessions := c.Sessions.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "router", sessions[0].Name)
	assert.Equal(t, 22, sessions[0].Port)
	assert.Equal(t, "switch", sessions[1].Name)
}

func TestTerminal_PumpDeliversOutputAndRunsRules(t *testing.T) {
	conn := newFakeConn("conn-1")
	c := newTestContext(conn)

	term, err := c.OpenNamed(context.Background(), "switch", "console")
	require.NoError(t, err)

	var out bytes.Buffer
	type result struct {
		state connection.ConnectionState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		state, err := term.Pump(context.Background(), &out)
		done <- result{state, err}
	}()

	conn.remote("Welcome\r\nlogin: ")
	require.Eventually(t, func() bool { return len(conn.writes()) == 1 }, time.Second, 5*time.Millisecond)
	conn.remote("admin\r\nPassword: ")
	require.Eventually(t, func() bool { return len(conn.writes()) == 2 }, time.Second, 5*time.Millisecond)
	conn.remote("\r\nswitch# ")
	conn.end()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, connection.Disconnected, r.state)
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not return")
	}

	assert.Equal(t, "Welcome\r\nlogin: admin\r\nPassword: \r\nswitch# ", out.String())
	assert.Equal(t, []string{"admin\r\n", "pw\r\n"}, conn.writes())
	assert.Equal(t, 0, c.Registry.Count())
}

func TestTerminal_PumpStopsOnContextCancel(t *testing.T) {
	conn := newFakeConn("conn-1")
	c := newTestContext(conn)

	term, err := c.OpenNamed(context.Background(), "router", "relay")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state, err := term.Pump(ctx, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, connection.Disconnected, state)
	assert.Equal(t, 0, c.Registry.Count())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("client gone") }

func TestTerminal_PumpStopsWhenOutputFails(t *testing.T) {
	conn := newFakeConn("conn-1")
	c := newTestContext(conn)

	term, err := c.OpenNamed(context.Background(), "router", "relay")
	require.NoError(t, err)

	conn.remote("data")
	_, err = term.Pump(context.Background(), failingWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client gone")
	assert.Equal(t, connection.Disconnected, conn.State())
}

func TestContext_ShutdownClosesAll(t *testing.T) {
	conn := newFakeConn("conn-1")
	c := newTestContext(conn)

	_, err := c.OpenNamed(context.Background(), "router", "console")
	require.NoError(t, err)

	c.Shutdown()

	assert.Equal(t, 0, c.Registry.Count())
	assert.Equal(t, connection.Disconnected, conn.State())
}
