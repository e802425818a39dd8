// Package console bridges the local terminal (stdin/stdout) and an open
// remote terminal.
//
// The local terminal is put into raw mode so every keystroke reaches the
// remote immediately, and window size changes are forwarded as resizes.
// Ctrl+] followed by 'q' closes the session, following the convention of
// telnet clients.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/tu10ng/bspterm-sub000/internal/app"
	"github.com/tu10ng/bspterm-sub000/pkg/connection"
)

const (
	// exitSequence1 is the first byte of the exit sequence (Ctrl+]).
	exitSequence1 = 0x1D

	// exitSequence2 must follow Ctrl+] to close the console.
	exitSequence2 = 'q'
)

// Console relays one terminal to the local stdin and stdout.
type Console struct {
	terminal *app.Terminal
	stdin    io.Reader
	stdout   io.Writer

	// oldState is restored when Run returns
	oldState *term.State

	mu          sync.Mutex
	done        chan struct{}
	exitPressed bool
}

// New creates a console for t using os.Stdin and os.Stdout.
func New(t *app.Terminal) *Console {
	return &Console{
		terminal: t,
		stdin:    os.Stdin,
		stdout:   os.Stdout,
		done:     make(chan struct{}),
	}
}

// WithIO replaces the local streams. Raw mode and window size tracking only
// apply when stdin is a terminal.
func (c *Console) WithIO(stdin io.Reader, stdout io.Writer) *Console {
	c.stdin = stdin
	c.stdout = stdout
	return c
}

// Run relays until the remote ends, the user types the exit sequence, an
// interrupt arrives or ctx is done. The connection is shut down on return and
// the local terminal state is restored.
func (c *Console) Run(ctx context.Context) (connection.ConnectionState, error) {
	session := c.terminal.Session()
	fmt.Fprintf(c.stdout, "Connected to %s (%s). Press Ctrl+] then 'q' to exit.\r\n", session.Name, c.terminal.Conn().Target())
	fmt.Fprint(c.stdout, "----------------------------------------\r\n")

	if fd, ok := c.terminalFd(); ok {
		if err := c.setRawMode(fd); err != nil {
			c.terminal.Close()
			return c.terminal.State(), err
		}
		defer c.restore(fd)

		c.syncSize(fd)
		stopResize := watchResize(func() { c.syncSize(fd) })
		defer stopResize()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type pumpResult struct {
		state connection.ConnectionState
		err   error
	}
	pumpCh := make(chan pumpResult, 1)
	go func() {
		state, err := c.terminal.Pump(pumpCtx, c.stdout)
		pumpCh <- pumpResult{state, err}
	}()

	// The stdin reader is never waited for: a blocked Read cannot be
	// interrupted and ends with the process.
	inputErr := make(chan error, 1)
	go func() {
		if err := c.stdinToTerminal(); err != nil {
			inputErr <- err
		}
	}()

	var result pumpResult
	select {
	case result = <-pumpCh:
	case <-c.done:
		cancel()
		result = <-pumpCh
		fmt.Fprint(c.stdout, "\r\n----------------------------------------\r\nConsole closed by user.\r\n")
	case <-sigCh:
		cancel()
		result = <-pumpCh
		fmt.Fprint(c.stdout, "\r\nInterrupted. Closing console...\r\n")
	case err := <-inputErr:
		cancel()
		result = <-pumpCh
		result.err = fmt.Errorf("stdin read error: %w", err)
	}

	// Cancellation requested here is a normal close.
	if errors.Is(result.err, context.Canceled) && ctx.Err() == nil {
		result.err = nil
	}
	return result.state, result.err
}

// stdinToTerminal forwards local keystrokes. It returns nil on EOF, on the
// exit sequence and once the connection refuses input.
func (c *Console) stdinToTerminal() error {
	buf := make([]byte, 1024)

	for {
		n, err := c.stdin.Read(buf)
		if n > 0 {
			data := buf[:n]

			if c.checkExitSequence(data) {
				c.closeDone()
				return nil
			}

			if werr := c.terminal.Write(data); werr != nil {
				if errors.Is(werr, connection.ErrClosed) {
					return nil
				}
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// checkExitSequence reports whether Ctrl+] followed by 'q' was typed. State
// is kept across calls so the sequence may be split between reads.
func (c *Console) checkExitSequence(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range data {
		if c.exitPressed {
			if b == exitSequence2 {
				return true
			}
			c.exitPressed = false
		}
		if b == exitSequence1 {
			c.exitPressed = true
		}
	}

	return false
}

func (c *Console) closeDone() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Console) terminalFd() (int, bool) {
	f, ok := c.stdin.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

func (c *Console) setRawMode(fd int) error {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	c.oldState = state
	return nil
}

func (c *Console) restore(fd int) {
	if c.oldState != nil {
		_ = term.Restore(fd, c.oldState)
	}
}

// syncSize sends the current local window size to the remote.
func (c *Console) syncSize(fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to read terminal size")
		return
	}
	if err := c.terminal.Resize(uint16(cols), uint16(rows)); err != nil {
		log.Debug().Err(err).Msg("Failed to forward terminal size")
	}
}
