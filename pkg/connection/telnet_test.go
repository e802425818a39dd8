package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tu10ng/bspterm-sub000/pkg/config"
	"github.com/tu10ng/bspterm-sub000/pkg/probe"
	"github.com/tu10ng/bspterm-sub000/pkg/telnet"
)

var testTelnetSession = config.SessionConfig{
	Name:     "switch",
	Protocol: config.ProtocolTelnet,
	Host:     "192.0.2.20",
	Port:     23,
	Cols:     80,
	Rows:     24,
}

func startTelnet(t *testing.T, opts Options) (*TelnetTerminalConnection, *telnetPeer) {
	t.Helper()

	client, server := net.Pipe()
	peer := newTelnetPeer(server)
	conn := newTelnetConnection(context.Background(), testTelnetSession, client, opts)
	t.Cleanup(func() {
		conn.Shutdown()
		waitDone(t, conn)
		server.Close()
	})
	return conn, peer
}

func startFaultyTelnet(t *testing.T, opts Options) (*TelnetTerminalConnection, *telnetPeer, *faultyConn) {
	t.Helper()

	client, server := net.Pipe()
	faulty := &faultyConn{Conn: client}
	peer := newTelnetPeer(server)
	conn := newTelnetConnection(context.Background(), testTelnetSession, faulty, opts)
	t.Cleanup(func() {
		conn.Shutdown()
		waitDone(t, conn)
		server.Close()
	})
	return conn, peer, faulty
}

func TestTelnet_NegotiatesNAWSAndBuffersBanner(t *testing.T) {
	conn, peer := startTelnet(t, testOptions())

	banner := "Welcome to switch01\r\nlogin: "
	peer.send(t, append([]byte{telnet.IAC, telnet.DO, telnet.OptNAWS}, banner...))

	want := append([]byte{telnet.IAC, telnet.WILL, telnet.OptNAWS}, telnet.BuildNAWS(80, 24)...)
	require.Eventually(t, func() bool {
		return bytes.Equal(peer.bytes(), want)
	}, time.Second, 5*time.Millisecond)

	events := collectEvents(conn, 200*time.Millisecond)
	assert.Equal(t, 1, countKind(events, EventWakeup))

	data := conn.Read()
	assert.Equal(t, []byte(banner), data)
	assert.NotContains(t, string(data), string([]byte{telnet.IAC}))
}

func TestTelnet_InitialNAWSSentOnce(t *testing.T) {
	conn, peer := startTelnet(t, testOptions())

	// Resizes before negotiation are only recorded.
	require.NoError(t, conn.Resize(100, 30))
	require.NoError(t, conn.Resize(120, 40))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, peer.bytes())

	peer.send(t, []byte{telnet.IAC, telnet.DO, telnet.OptNAWS})
	peer.send(t, []byte("more"))
	peer.send(t, []byte{telnet.IAC, telnet.DO, telnet.OptNAWS})

	want := append([]byte{telnet.IAC, telnet.WILL, telnet.OptNAWS}, telnet.BuildNAWS(120, 40)...)
	require.Eventually(t, func() bool {
		return bytes.Equal(peer.bytes(), want)
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, want, peer.bytes())
}

func TestTelnet_ResizeAfterNegotiation(t *testing.T) {
	conn, peer := startTelnet(t, testOptions())

	peer.send(t, []byte{telnet.IAC, telnet.DO, telnet.OptNAWS})
	negotiated := append([]byte{telnet.IAC, telnet.WILL, telnet.OptNAWS}, telnet.BuildNAWS(80, 24)...)
	require.Eventually(t, func() bool {
		return bytes.Equal(peer.bytes(), negotiated)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Resize(255, 50))

	want := append(negotiated, telnet.BuildNAWS(255, 50)...)
	require.Eventually(t, func() bool {
		return bytes.Equal(peer.bytes(), want)
	}, time.Second, 5*time.Millisecond)
}

func TestTelnet_WriteEscapesIAC(t *testing.T) {
	conn, peer := startTelnet(t, testOptions())

	require.NoError(t, conn.Write([]byte{'a', 0xFF, 'b'}))

	require.Eventually(t, func() bool {
		return bytes.Equal(peer.bytes(), []byte{'a', 0xFF, 0xFF, 'b'})
	}, time.Second, 5*time.Millisecond)
}

func TestTelnet_RefusesUnknownOptions(t *testing.T) {
	_, peer := startTelnet(t, testOptions())

	peer.send(t, []byte{telnet.IAC, telnet.DO, telnet.OptLinemode, telnet.IAC, telnet.WILL, telnet.OptEcho})

	want := []byte{telnet.IAC, telnet.WONT, telnet.OptLinemode, telnet.IAC, telnet.DO, telnet.OptEcho}
	require.Eventually(t, func() bool {
		return bytes.Equal(peer.bytes(), want)
	}, time.Second, 5*time.Millisecond)
}

func TestTelnet_KeepaliveSendsNOPWhenIdle(t *testing.T) {
	opts := testOptions()
	opts.KeepaliveInterval = 20 * time.Millisecond
	conn, peer := startTelnet(t, opts)

	nop := telnet.BuildNOP()
	require.Eventually(t, func() bool {
		return bytes.Count(peer.bytes(), nop) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Connected, conn.State())
}

func TestTelnet_RemoteCloseDisconnects(t *testing.T) {
	client, server := net.Pipe()
	peer := newTelnetPeer(server)
	conn := newTelnetConnection(context.Background(), testTelnetSession, client, testOptions())

	peer.send(t, []byte("logout\r\n"))
	time.Sleep(5 * time.Millisecond)
	server.Close()

	events := collectEvents(conn, 2*time.Second)
	waitDone(t, conn)

	assert.Equal(t, 1, countKind(events, EventExit))
	assert.Equal(t, EventExit, events[len(events)-1].Kind)
	assert.Equal(t, Disconnected, conn.State())
	assert.Equal(t, []byte("logout\r\n"), conn.Read())
	assert.ErrorIs(t, conn.Write([]byte("x")), ErrClosed)
}

func TestTelnet_ShutdownIsIdempotent(t *testing.T) {
	conn, _ := startTelnet(t, testOptions())

	require.NoError(t, conn.Shutdown())
	require.NoError(t, conn.Shutdown())
	assert.Equal(t, Disconnected, conn.State())
	assert.ErrorIs(t, conn.Resize(80, 24), ErrClosed)

	waitDone(t, conn)
	assert.Equal(t, Disconnected, conn.State())

	events := collectEvents(conn, time.Second)
	assert.Equal(t, 1, countKind(events, EventExit))
}

func TestTelnet_KeepaliveWriteFailureIsFatal(t *testing.T) {
	var logs lockedBuffer
	logger := zerolog.New(&logs)
	opts := testOptions()
	opts.KeepaliveInterval = 20 * time.Millisecond
	opts.Logger = &logger

	client, server := net.Pipe()
	defer server.Close()
	faulty := &faultyConn{Conn: client}
	faulty.failWrites(errors.New("broken pipe"))
	conn := newTelnetConnection(context.Background(), testTelnetSession, faulty, opts)

	events := collectEvents(conn, 2*time.Second)
	waitDone(t, conn)

	assert.Equal(t, 1, countKind(events, EventExit))
	state := conn.State()
	assert.Equal(t, StatusError, state.Status)
	assert.Equal(t, "keepalive failed: broken pipe", state.Reason)
	assert.Contains(t, logs.String(), `"reason":"keepalive failed: broken pipe"`)
	assert.Contains(t, logs.String(), "Telnet connection closed")
}

func TestTelnet_ReadErrorIsFatal(t *testing.T) {
	conn, peer, faulty := startFaultyTelnet(t, testOptions())
	faulty.failReads(errors.New("connection reset by peer"))

	peer.conn.Close()

	events := collectEvents(conn, 2*time.Second)
	waitDone(t, conn)

	assert.Equal(t, 1, countKind(events, EventExit))
	assert.Equal(t, ErrorState("read failed: connection reset by peer"), conn.State())
}

func TestTelnet_ProtocolReplyFailureIsFatal(t *testing.T) {
	conn, peer, faulty := startFaultyTelnet(t, testOptions())
	faulty.failWrites(errors.New("broken pipe"))

	peer.send(t, []byte{telnet.IAC, telnet.DO, telnet.OptNAWS})

	events := collectEvents(conn, 2*time.Second)
	waitDone(t, conn)

	assert.Equal(t, 1, countKind(events, EventExit))
	assert.Equal(t, ErrorState("protocol reply failed: broken pipe"), conn.State())
	assert.ErrorIs(t, conn.Write([]byte("x")), ErrClosed)
}

func TestTelnet_UnreachableHostFailsOnce(t *testing.T) {
	var probes atomic.Int32
	opts := testOptions()
	opts.HealthCheckInterval = 20 * time.Millisecond
	opts.ProbeFailureThreshold = 2
	opts.Prober = probe.ProberFunc(func(_ context.Context, host string) (bool, error) {
		probes.Add(1)
		assert.Equal(t, "192.0.2.20", host)
		assert.False(t, strings.Contains(host, ":"), "probe target carries no port")
		return false, nil
	})
	conn, _ := startTelnet(t, opts)

	events := collectEvents(conn, 2*time.Second)

	assert.Equal(t, 1, countKind(events, EventExit))
	assert.Equal(t, ErrorState(ReasonHostUnreachable), conn.State())
	assert.GreaterOrEqual(t, probes.Load(), int32(2))
}

func TestTelnetConnectionStats_LogDisconnect(t *testing.T) {
	var buf bytes.Buffer
	stats := newTelnetConnectionStats("192.0.2.20:23", zerolog.New(&buf))
	stats.ConnectedAt = time.Now().Add(-90 * time.Second)
	stats.Keepalives = 4
	stats.NAWSChanges = 2
	stats.BytesIn = 2048
	stats.BytesOut = 10

	stats.LogDisconnect("closed by remote")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "Telnet connection closed", line["message"])
	assert.Equal(t, "192.0.2.20:23", line["target"])
	assert.Equal(t, "closed by remote", line["reason"])
	assert.Equal(t, "1m30s", line["duration"])
	assert.Equal(t, float64(4), line["keepalives"])
	assert.Equal(t, float64(2), line["naws_changes"])
	assert.Equal(t, "2.0 kB", line["bytes_in"])
	assert.Equal(t, "10 B", line["bytes_out"])
}

func TestDialTelnet(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("login: "))
		buf := make([]byte, 64)
		c.Read(buf)
	}()

	session := config.SessionConfig{
		Name:     "local",
		Protocol: config.ProtocolTelnet,
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
	}
	conn, err := Dial(context.Background(), session, testOptions())
	require.NoError(t, err)
	defer conn.Shutdown()

	assert.IsType(t, &TelnetTerminalConnection{}, conn)
	assert.Equal(t, Connected, conn.State())

	select {
	case e := <-conn.Events():
		assert.Equal(t, EventWakeup, e.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no wakeup")
	}
	assert.Equal(t, []byte("login: "), conn.Read())

	require.NoError(t, conn.Shutdown())
	waitDone(t, conn)
}

func TestDial_Errors(t *testing.T) {
	_, err := Dial(context.Background(), config.SessionConfig{Protocol: "serial", Host: "x", Port: 1}, testOptions())
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)

	_, err = Dial(context.Background(), config.SessionConfig{Protocol: config.ProtocolTelnet}, testOptions())
	assert.Error(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = DialTelnet(context.Background(), config.SessionConfig{Host: "127.0.0.1", Port: port, Protocol: config.ProtocolTelnet}, testOptions())
	require.Error(t, err)
	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr))
}
