// Package app holds the application context shared by the CLI, the console
// bridge and the relay. It is built once at startup and passed explicitly.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/tu10ng/bspterm-sub000/internal/registry"
	"github.com/tu10ng/bspterm-sub000/pkg/config"
	"github.com/tu10ng/bspterm-sub000/pkg/connection"
	"github.com/tu10ng/bspterm-sub000/pkg/rules"
)

// ErrSessionNotFound is returned when a named session is not configured.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore supplies session configuration at connection-build time.
type SessionStore interface {
	Session(name string) (config.SessionConfig, bool)
	Sessions() []config.SessionConfig
}

// Dialer builds a connection for a session.
type Dialer func(ctx context.Context, session config.SessionConfig, opts connection.Options) (connection.TerminalConnection, error)

// Context is the process-wide state, constructed explicitly.
type Context struct {
	Config   *config.Config
	Sessions SessionStore
	Registry *registry.Registry
	Options  connection.Options
	Dial     Dialer
}

// NewContext builds the application context from configuration.
func NewContext(cfg *config.Config) *Context {
	return &Context{
		Config:   cfg,
		Sessions: configStore{cfg: cfg},
		Registry: registry.NewRegistry(),
		Options:  connection.OptionsFromConfig(cfg.Connection),
		Dial:     connection.Dial,
	}
}

// Open dials the session, registers the connection and attaches the rule
// engine. source names the caller ("console", "relay") in the registry.
func (c *Context) Open(ctx context.Context, session config.SessionConfig, source string) (*Terminal, error) {
	session = session.WithDefaults()

	conn, err := c.Dial(ctx, session, c.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to open session %q: %w", session.Name, err)
	}

	var rs []rules.Rule
	if session.AutoLogin {
		rs = append(rs, rules.NewAutoLogin())
	}
	engine := rules.NewEngine(rules.Metadata{
		SessionName: session.Name,
		Protocol:    string(session.Protocol),
		Username:    session.Username,
		Password:    session.Password,
	}, rs...)

	id := c.Registry.Register(&registry.Entry{
		SessionName: session.Name,
		Protocol:    string(session.Protocol),
		Target:      conn.Target(),
		Source:      source,
		Terminal:    conn,
	})

	log.Info().
		Str("id", id).
		Str("session", session.Name).
		Str("source", source).
		Msg("Terminal opened")

	return &Terminal{
		id:       id,
		session:  session,
		conn:     conn,
		engine:   engine,
		registry: c.Registry,
	}, nil
}

// OpenNamed opens a configured session by name.
func (c *Context) OpenNamed(ctx context.Context, name, source string) (*Terminal, error) {
	session, ok := c.Sessions.Session(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return c.Open(ctx, session, source)
}

// Shutdown closes every registered terminal.
func (c *Context) Shutdown() {
	for _, entry := range c.Registry.List() {
		if entry.Terminal != nil {
			entry.Terminal.Shutdown()
		}
		c.Registry.Remove(entry.ID)
	}
}

type configStore struct {
	cfg *config.Config
}

func (s configStore) Session(name string) (config.SessionConfig, bool) {
	return s.cfg.Session(name)
}

func (s configStore) Sessions() []config.SessionConfig {
	sessions := make([]config.SessionConfig, 0, len(s.cfg.Sessions))
	for _, session := range s.cfg.Sessions {
		sessions = append(sessions, session.WithDefaults())
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })
	return sessions
}
