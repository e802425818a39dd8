package connection

import (
	"fmt"
	"sync"
)

// Status is the coarse lifecycle phase of a connection.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ConnectionState is the state observed by the UI. Reason is only set for
// StatusError.
type ConnectionState struct {
	Status Status
	Reason string
}

var (
	Connecting   = ConnectionState{Status: StatusConnecting}
	Connected    = ConnectionState{Status: StatusConnected}
	Disconnected = ConnectionState{Status: StatusDisconnected}
)

// ErrorState returns an error state carrying reason.
func ErrorState(reason string) ConnectionState {
	return ConnectionState{Status: StatusError, Reason: reason}
}

// IsTerminal reports whether the connection has ended. A terminal state is
// never left; reconnecting requires a new connection.
func (s ConnectionState) IsTerminal() bool {
	return s.Status == StatusDisconnected || s.Status == StatusError
}

func (s ConnectionState) String() string {
	if s.Status == StatusError {
		return fmt.Sprintf("Error(%s)", s.Reason)
	}
	return s.Status.String()
}

// stateCell holds the shared ConnectionState. Once a terminal state is stored
// further updates are ignored.
type stateCell struct {
	mu    sync.RWMutex
	state ConnectionState
}

func newStateCell(initial ConnectionState) *stateCell {
	return &stateCell{state: initial}
}

func (c *stateCell) get() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// set stores s and reports whether it took effect.
func (c *stateCell) set(s ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.IsTerminal() {
		return false
	}
	c.state = s
	return true
}
