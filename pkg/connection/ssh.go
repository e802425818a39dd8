package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tu10ng/bspterm-sub000/internal/metrics"
	"github.com/tu10ng/bspterm-sub000/pkg/config"
)

// SSHTerminalConnection is a terminal backed by an SSH session channel.
type SSHTerminalConnection struct {
	*connCore
}

var _ TerminalConnection = (*SSHTerminalConnection)(nil)

// DialSSH connects, authenticates, opens a session channel with a PTY and a
// shell, then starts the driver. It returns only once the channel is open;
// on error nothing is left to clean up.
func DialSSH(ctx context.Context, session config.SessionConfig, opts Options) (*SSHTerminalConnection, error) {
	session = session.WithDefaults()
	opts = opts.withDefaults()
	addr := session.Address()
	started := time.Now()

	clientConfig, err := sshClientConfig(session, opts)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.ConnectionEventsTotal.WithLabelValues(string(config.ProtocolSSH), metrics.EventDialFailed).Inc()
		return nil, fmt.Errorf("ssh: dial %s: %w", addr, err)
	}

	// The handshake honors the dial timeout and ctx cancellation.
	netConn.SetDeadline(time.Now().Add(opts.DialTimeout))
	stop := context.AfterFunc(ctx, func() { netConn.SetDeadline(time.Unix(1, 0)) })
	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	stop()
	if err != nil {
		netConn.Close()
		metrics.ConnectionEventsTotal.WithLabelValues(string(config.ProtocolSSH), metrics.EventDialFailed).Inc()
		return nil, fmt.Errorf("ssh: handshake with %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	channel, requests, err := openShell(client, opts.TermType, session.Cols, session.Rows)
	if err != nil {
		client.Close()
		metrics.ConnectionEventsTotal.WithLabelValues(string(config.ProtocolSSH), metrics.EventDialFailed).Inc()
		return nil, fmt.Errorf("ssh: %s: %w", addr, err)
	}

	conn := newSSHConnection(context.WithoutCancel(ctx), session, channel, requests, client, opts)
	metrics.ConnectDuration.WithLabelValues(string(config.ProtocolSSH)).Observe(time.Since(started).Seconds())
	return conn, nil
}

// newSSHConnection wires a façade to a driver over an already open session
// channel. The state is Connected before the driver starts.
func newSSHConnection(ctx context.Context, session config.SessionConfig, channel ssh.Channel, requests <-chan *ssh.Request, transport sshTransport, opts Options) *SSHTerminalConnection {
	opts = opts.withDefaults()
	core := newConnCore(config.ProtocolSSH, session.Address(), opts.EventBuffer)
	logger := opts.logger().With().
		Str("conn_id", core.id).
		Str("protocol", string(config.ProtocolSSH)).
		Str("target", core.target).
		Logger()

	var closeOnce sync.Once
	closeTransport := func() {
		closeOnce.Do(func() {
			if transport != nil {
				transport.Close()
			}
		})
	}
	core.teardown = closeTransport

	d := &sshDriver{
		core:           core,
		channel:        channel,
		requests:       requests,
		opts:           opts,
		logger:         logger,
		transport:      transport,
		closeTransport: closeTransport,
		initialCommand: initialCommand(session.InitialCommand),
		debounce:       newDebouncer(opts.DebounceInterval),
		health: newHealthMonitor(opts.ProberFor(session), session.Host, opts.HealthCheckInterval,
			opts.ProbeFailureThreshold, logger),
		data:        make(chan []byte, 64),
		readErr:     make(chan error, 2),
		readersDone: make(chan struct{}),
		quit:        make(chan struct{}),
	}

	core.markConnected()
	logger.Info().Str("user", session.Username).Msg("SSH connection established")

	conn := &SSHTerminalConnection{connCore: core}
	runtime.AddCleanup(conn, (*connCore).release, core)

	go d.run(ctx)
	return conn
}

func openShell(client *ssh.Client, termType string, cols, rows uint16) (ssh.Channel, <-chan *ssh.Request, error) {
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open session channel: %w", err)
	}

	ok, err := channel.SendRequest("pty-req", true, ssh.Marshal(&ptyRequestMsg{
		Term:     termType,
		Columns:  uint32(cols),
		Rows:     uint32(rows),
		Modelist: terminalModes(),
	}))
	if err == nil && !ok {
		err = errors.New("rejected by server")
	}
	if err != nil {
		channel.Close()
		return nil, nil, fmt.Errorf("request pty: %w", err)
	}

	ok, err = channel.SendRequest("shell", true, nil)
	if err == nil && !ok {
		err = errors.New("rejected by server")
	}
	if err != nil {
		channel.Close()
		return nil, nil, fmt.Errorf("start shell: %w", err)
	}

	return channel, requests, nil
}

// terminalModes encodes the PTY modes as in RFC 4254 section 8.
func terminalModes() string {
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	var buf []byte
	for op, val := range modes {
		buf = append(buf, ssh.Marshal(&struct {
			Op  byte
			Val uint32
		}{op, val})...)
	}
	buf = append(buf, 0) // TTY_OP_END
	return string(buf)
}

func initialCommand(cmd string) []byte {
	if cmd == "" {
		return nil
	}
	if !strings.HasSuffix(cmd, "\n") && !strings.HasSuffix(cmd, "\r") {
		cmd += "\n"
	}
	return []byte(cmd)
}

func sshClientConfig(session config.SessionConfig, opts Options) (*ssh.ClientConfig, error) {
	auth, err := sshAuthMethods(session)
	if err != nil {
		return nil, fmt.Errorf("ssh: auth config: %w", err)
	}
	hostKeyCallback, err := sshHostKeyCallback(opts)
	if err != nil {
		return nil, fmt.Errorf("ssh: host key config: %w", err)
	}

	return &ssh.ClientConfig{
		User:            session.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.DialTimeout,
	}, nil
}

// sshAuthMethods offers the private key first, then password and
// keyboard-interactive with the same secret.
func sshAuthMethods(session config.SessionConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if session.PrivateKeyFile != "" {
		pem, err := os.ReadFile(expandHome(session.PrivateKeyFile))
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		var signer ssh.Signer
		if session.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(session.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if session.Password != "" {
		password := session.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, errors.New("no password or private key configured")
	}
	return methods, nil
}

func sshHostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if opts.HostKeyCallback != nil {
		return opts.HostKeyCallback, nil
	}
	if opts.InsecureIgnoreHostKey {
		log.Warn().Msg("SSH host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicitly requested by configuration
	}

	path := opts.KnownHostsFile
	if path == "" {
		path = filepath.Join("~", ".ssh", "known_hosts")
	}
	callback, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", path, err)
	}
	return callback, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
