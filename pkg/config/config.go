// Package config loads bspterm configuration and describes terminal sessions.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName prefixes service-specific environment overrides (BSPTERM_LOG_LEVEL)
// and names the configuration file searched by FindConfigFile.
const ServiceName = "bspterm"

// Config contains all bspterm configuration
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Connection ConnectionConfig `yaml:"connection"`
	Relay      RelayConfig      `yaml:"relay"`

	// Named sessions that can be opened with `bspterm connect <name>` or
	// through the relay.
	Sessions []SessionConfig `yaml:"sessions"`
}

// LogConfig configures logging behavior
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Debug  bool   `yaml:"debug"`
}

// ConfigureZerolog configures zerolog based on the log configuration
func (c *LogConfig) ConfigureZerolog() {
	level := zerolog.InfoLevel
	if c.Debug {
		level = zerolog.DebugLevel
	} else {
		switch strings.ToLower(c.Level) {
		case "trace":
			level = zerolog.TraceLevel
		case "debug":
			level = zerolog.DebugLevel
		case "info":
			level = zerolog.InfoLevel
		case "warn", "warning":
			level = zerolog.WarnLevel
		case "error":
			level = zerolog.ErrorLevel
		case "fatal":
			level = zerolog.FatalLevel
		case "panic":
			level = zerolog.PanicLevel
		}
	}
	zerolog.SetGlobalLevel(level)
}

// ConnectionConfig holds the tunables shared by every terminal connection.
type ConnectionConfig struct {
	// Output is coalesced into one wakeup per quiet window.
	DebounceInterval time.Duration `yaml:"debounce_interval"`

	// Reachability probing while the remote is silent.
	HealthCheckInterval   time.Duration `yaml:"health_check_interval"`
	ProbeFailureThreshold int           `yaml:"probe_failure_threshold"`
	ProbeTimeout          time.Duration `yaml:"probe_timeout"`
	ProbeDisabled         bool          `yaml:"probe_disabled"`

	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	SSHKeepaliveMax   int           `yaml:"ssh_keepalive_max"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
	TermType    string        `yaml:"term_type"`

	// Host key verification. InsecureIgnoreHostKey wins over KnownHostsFile.
	KnownHostsFile        string `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
}

// RelayConfig configures the WebSocket relay served by `bspterm serve`.
type RelayConfig struct {
	ListenAddress  string   `yaml:"listen_address"`
	MetricsEnabled bool     `yaml:"metrics_enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Protocol selects the transport of a session.
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
)

// DefaultPort returns the well-known port for the protocol.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolSSH:
		return 22
	case ProtocolTelnet:
		return 23
	default:
		return 0
	}
}

// SessionConfig describes one remote terminal target. It is supplied by the
// session store at connection-build time.
type SessionConfig struct {
	Name     string   `yaml:"name"`
	Protocol Protocol `yaml:"protocol"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`

	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PrivateKeyFile string `yaml:"private_key_file"`
	KeyPassphrase  string `yaml:"key_passphrase"`

	// KeepaliveInterval overrides ConnectionConfig.KeepaliveInterval when set.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// InitialCommand is written to the remote right after the channel opens.
	InitialCommand string `yaml:"initial_command"`

	// AutoLogin answers login and password prompts with the credentials above.
	AutoLogin bool `yaml:"auto_login"`

	Cols uint16 `yaml:"cols"`
	Rows uint16 `yaml:"rows"`
}

// WithDefaults returns a copy with zero fields filled in.
func (s SessionConfig) WithDefaults() SessionConfig {
	if s.Protocol == "" {
		s.Protocol = ProtocolSSH
	}
	if s.Port == 0 {
		s.Port = s.Protocol.DefaultPort()
	}
	if s.Cols == 0 {
		s.Cols = 80
	}
	if s.Rows == 0 {
		s.Rows = 24
	}
	return s
}

// Validate checks that the session can be dialed.
func (s SessionConfig) Validate() error {
	switch s.Protocol {
	case ProtocolSSH, ProtocolTelnet:
	default:
		return fmt.Errorf("unsupported protocol %q", s.Protocol)
	}
	if s.Host == "" {
		return fmt.Errorf("session %q: host is required", s.Name)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("session %q: invalid port %d", s.Name, s.Port)
	}
	if s.Protocol == ProtocolSSH && s.Username == "" {
		return fmt.Errorf("session %q: ssh requires a username", s.Name)
	}
	return nil
}

// Address returns host:port.
func (s SessionConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Keepalive returns the session keepalive interval, falling back to def.
func (s SessionConfig) Keepalive(def time.Duration) time.Duration {
	if s.KeepaliveInterval > 0 {
		return s.KeepaliveInterval
	}
	return def
}

// Session returns the named session from the configuration.
func (c *Config) Session(name string) (SessionConfig, bool) {
	for _, s := range c.Sessions {
		if s.Name == name {
			return s.WithDefaults(), true
		}
	}
	return SessionConfig{}, false
}
