package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Connection: ConnectionConfig{
			DebounceInterval:      10 * time.Millisecond,
			HealthCheckInterval:   10 * time.Second,
			ProbeFailureThreshold: 2,
			ProbeTimeout:          time.Second,
			KeepaliveInterval:     30 * time.Second,
			SSHKeepaliveMax:       3,
			DialTimeout:           10 * time.Second,
			TermType:              "xterm-256color",
		},
		Relay: RelayConfig{
			ListenAddress:  "127.0.0.1:8095",
			MetricsEnabled: true,
		},
	}
}

// Load builds the configuration from, in order: Defaults, configFile, the
// variables in envFile that are not already set, and the process environment.
// Both files are optional.
func Load(configFile, envFile string) (*Config, error) {
	cfg := Defaults()

	if configFile != "" {
		if err := loadYAML(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if envFile != "" {
		if err := loadEnvironmentFile(envFile); err != nil {
			return nil, fmt.Errorf("failed to load environment file: %w", err)
		}
	}

	if err := applyEnvironment(cfg); err != nil {
		return nil, fmt.Errorf("failed to load from environment: %w", err)
	}

	for i := range cfg.Sessions {
		if err := applySessionEnvironment(&cfg.Sessions[i]); err != nil {
			return nil, fmt.Errorf("session %q: %w", cfg.Sessions[i].Name, err)
		}

		s := cfg.Sessions[i].WithDefaults()
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("invalid session %d: %w", i, err)
		}
		cfg.Sessions[i] = s
	}

	if err := checkDuplicateSessions(cfg.Sessions); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadYAML overlays filename on cfg. Unknown keys are rejected so a typo in a
// session block does not silently drop a setting.
func loadYAML(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return nil
}

// loadEnvironmentFile exports the file's variables that are not already set.
func loadEnvironmentFile(filename string) error {
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := gotenv.Load(filename); err != nil {
		return fmt.Errorf("failed to read environment file %s: %w", filename, err)
	}
	return nil
}

// envVar binds one environment variable to a configuration field. The
// variable is looked up as BSPTERM_<Name> first, then as <Name>.
type envVar struct {
	Name string
	Set  func(cfg *Config, value string) error
}

var envVars = []envVar{
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
	{"DEBUG", func(c *Config, v string) error { return parseBool(v, &c.Log.Debug) }},

	{"DEBOUNCE_INTERVAL", func(c *Config, v string) error { return parseDuration(v, &c.Connection.DebounceInterval) }},
	{"HEALTH_CHECK_INTERVAL", func(c *Config, v string) error { return parseDuration(v, &c.Connection.HealthCheckInterval) }},
	{"PROBE_FAILURE_THRESHOLD", func(c *Config, v string) error { return parseInt(v, &c.Connection.ProbeFailureThreshold) }},
	{"PROBE_TIMEOUT", func(c *Config, v string) error { return parseDuration(v, &c.Connection.ProbeTimeout) }},
	{"PROBE_DISABLED", func(c *Config, v string) error { return parseBool(v, &c.Connection.ProbeDisabled) }},
	{"KEEPALIVE_INTERVAL", func(c *Config, v string) error { return parseDuration(v, &c.Connection.KeepaliveInterval) }},
	{"SSH_KEEPALIVE_MAX", func(c *Config, v string) error { return parseInt(v, &c.Connection.SSHKeepaliveMax) }},
	{"DIAL_TIMEOUT", func(c *Config, v string) error { return parseDuration(v, &c.Connection.DialTimeout) }},
	{"TERM_TYPE", func(c *Config, v string) error { c.Connection.TermType = v; return nil }},
	{"KNOWN_HOSTS_FILE", func(c *Config, v string) error { c.Connection.KnownHostsFile = v; return nil }},
	{"INSECURE_IGNORE_HOST_KEY", func(c *Config, v string) error { return parseBool(v, &c.Connection.InsecureIgnoreHostKey) }},

	{"RELAY_LISTEN_ADDRESS", func(c *Config, v string) error { c.Relay.ListenAddress = v; return nil }},
	{"RELAY_METRICS_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.Relay.MetricsEnabled) }},
	{"RELAY_ALLOWED_ORIGINS", func(c *Config, v string) error { c.Relay.AllowedOrigins = splitList(v); return nil }},
}

func applyEnvironment(cfg *Config) error {
	for _, ev := range envVars {
		name, value, ok := lookupEnv(ev.Name)
		if !ok {
			continue
		}
		if err := ev.Set(cfg, value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func lookupEnv(name string) (string, string, bool) {
	prefixed := strings.ToUpper(ServiceName) + "_" + name
	if v, ok := os.LookupEnv(prefixed); ok {
		return prefixed, v, true
	}
	v, ok := os.LookupEnv(name)
	return name, v, ok
}

// sessionEnvVars are read as BSPTERM_SESSION_<SESSION>_<Name> so that
// credentials can stay out of the config file.
var sessionEnvVars = []struct {
	Name string
	Set  func(s *SessionConfig, value string) error
}{
	{"HOST", func(s *SessionConfig, v string) error { s.Host = v; return nil }},
	{"PORT", func(s *SessionConfig, v string) error { return parseInt(v, &s.Port) }},
	{"USERNAME", func(s *SessionConfig, v string) error { s.Username = v; return nil }},
	{"PASSWORD", func(s *SessionConfig, v string) error { s.Password = v; return nil }},
	{"PRIVATE_KEY_FILE", func(s *SessionConfig, v string) error { s.PrivateKeyFile = v; return nil }},
	{"KEY_PASSPHRASE", func(s *SessionConfig, v string) error { s.KeyPassphrase = v; return nil }},
	{"KEEPALIVE_INTERVAL", func(s *SessionConfig, v string) error { return parseDuration(v, &s.KeepaliveInterval) }},
}

func applySessionEnvironment(s *SessionConfig) error {
	if s.Name == "" {
		return nil
	}
	prefix := SessionEnvPrefix(s.Name)
	for _, ev := range sessionEnvVars {
		name := prefix + ev.Name
		value, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := ev.Set(s, value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// SessionEnvPrefix returns the environment prefix of a named session, for
// example BSPTERM_SESSION_CORE_SWITCH_ for "core-switch".
func SessionEnvPrefix(name string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(ServiceName))
	b.WriteString("_SESSION_")
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteByte('_')
	return b.String()
}

func checkDuplicateSessions(sessions []SessionConfig) error {
	seen := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		if s.Name == "" {
			continue
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate session name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func parseDuration(value string, dst *time.Duration) error {
	d, err := cast.ToDurationE(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q", value)
	}
	*dst = d
	return nil
}

func parseInt(value string, dst *int) error {
	n, err := cast.ToIntE(value)
	if err != nil {
		return fmt.Errorf("invalid integer %q", value)
	}
	*dst = n
	return nil
}

func parseBool(value string, dst *bool) error {
	switch strings.ToLower(value) {
	case "yes", "on":
		*dst = true
		return nil
	case "no", "off":
		*dst = false
		return nil
	}
	b, err := cast.ToBoolE(value)
	if err != nil {
		return fmt.Errorf("invalid boolean %q", value)
	}
	*dst = b
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FindConfigFile returns the first existing <service>.yaml (or .yml) in the
// working directory, $HOME/.<service> and /etc/<service>.
func FindConfigFile(serviceName string) string {
	var dirs []string
	dirs = append(dirs, ".")
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "."+serviceName))
	}
	dirs = append(dirs, filepath.Join("/etc", serviceName))

	for _, dir := range dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, serviceName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// FindEnvironmentFile returns ./<service>.env, ./.env or
// $HOME/.<service>/<service>.env, whichever exists first.
func FindEnvironmentFile(serviceName string) string {
	paths := []string{serviceName + ".env", ".env"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+serviceName, serviceName+".env"))
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
