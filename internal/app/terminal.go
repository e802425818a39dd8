package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tu10ng/bspterm-sub000/internal/registry"
	"github.com/tu10ng/bspterm-sub000/pkg/config"
	"github.com/tu10ng/bspterm-sub000/pkg/connection"
	"github.com/tu10ng/bspterm-sub000/pkg/rules"
)

// Terminal is an open connection together with its rule engine.
type Terminal struct {
	id       string
	session  config.SessionConfig
	conn     connection.TerminalConnection
	engine   *rules.Engine
	registry *registry.Registry
}

func (t *Terminal) ID() string                          { return t.id }
func (t *Terminal) Session() config.SessionConfig       { return t.session }
func (t *Terminal) Conn() connection.TerminalConnection { return t.conn }
func (t *Terminal) State() connection.ConnectionState   { return t.conn.State() }
func (t *Terminal) Write(data []byte) error             { return t.conn.Write(data) }
func (t *Terminal) Resize(cols, rows uint16) error      { return t.conn.Resize(cols, rows) }
func (t *Terminal) Close() error                        { return t.conn.Shutdown() }

// Pump copies remote output to out after every wakeup and feeds it to the
// rule engine. It returns when the connection ends, when writing to out
// fails, or when ctx is done, and always unregisters the terminal.
func (t *Terminal) Pump(ctx context.Context, out io.Writer) (connection.ConnectionState, error) {
	defer t.registry.Remove(t.id)

	logger := log.With().Str("id", t.id).Str("session", t.session.Name).Logger()

	if err := t.engine.Connected(t.conn); err != nil {
		logger.Warn().Err(err).Msg("Rule evaluation failed")
	}

	for {
		select {
		case <-ctx.Done():
			t.conn.Shutdown()
			return t.conn.State(), ctx.Err()

		case ev, ok := <-t.conn.Events():
			if !ok {
				err := t.flush(out)
				state := t.conn.State()
				logger.Info().Stringer("state", state).Msg("Terminal ended")
				return state, err
			}

			switch ev.Kind {
			case connection.EventWakeup, connection.EventExit:
				if err := t.flush(out); err != nil {
					t.conn.Shutdown()
					return t.conn.State(), err
				}
			case connection.EventChildExit:
				logger.Info().Int("exit_code", ev.ExitCode).Msg("Remote process exited")
			}
		}
	}
}

func (t *Terminal) flush(out io.Writer) error {
	data := t.conn.Read()
	if data == nil {
		return nil
	}
	t.registry.Touch(t.id, time.Now())

	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("failed to deliver output: %w", err)
	}
	if err := t.engine.Feed(data, t.conn); err != nil {
		log.Warn().Err(err).Str("id", t.id).Msg("Rule evaluation failed")
	}
	return nil
}
