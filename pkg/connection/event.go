package connection

import (
	"fmt"
	"sync"
)

// EventKind identifies a driver notification.
type EventKind int

const (
	// EventWakeup means new output is ready to be drained with Read.
	EventWakeup EventKind = iota
	// EventExit means the terminal session ended.
	EventExit
	// EventChildExit carries the remote process exit status (SSH only).
	EventChildExit
)

func (k EventKind) String() string {
	switch k {
	case EventWakeup:
		return "Wakeup"
	case EventExit:
		return "Exit"
	case EventChildExit:
		return "ChildExit"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a fire-and-forget notification from the driver to the UI.
type Event struct {
	Kind     EventKind
	ExitCode int
}

func (e Event) String() string {
	if e.Kind == EventChildExit {
		return fmt.Sprintf("ChildExit(%d)", e.ExitCode)
	}
	return e.Kind.String()
}

const (
	defaultEventBuffer = 64
	// Slots only ChildExit and Exit may use, so neither is lost to a backlog
	// of wakeups.
	reservedEventSlots = 2
)

// eventSink delivers events without ever blocking the driver. Consecutive
// wakeups the consumer has not received yet are merged into one, and Exit is
// delivered at most once. The channel is closed when the driver exits.
type eventSink struct {
	mu     sync.Mutex
	ch     chan Event
	last   EventKind
	exited bool
	closed bool
}

func newEventSink(size int) *eventSink {
	if size <= 0 {
		size = defaultEventBuffer
	}
	if size <= reservedEventSlots {
		size = reservedEventSlots + 1
	}
	return &eventSink{ch: make(chan Event, size)}
}

// emit reports whether e was queued. A Wakeup is skipped while another one is
// still waiting at the tail of the channel, since the consumer will drain all
// buffered output on that one.
func (s *eventSink) emit(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	switch e.Kind {
	case EventWakeup:
		if len(s.ch) > 0 && s.last == EventWakeup {
			return false
		}
		if len(s.ch) >= cap(s.ch)-reservedEventSlots {
			return false
		}
	case EventExit:
		if s.exited {
			return false
		}
		s.exited = true
	}

	select {
	case s.ch <- e:
		s.last = e.Kind
		return true
	default:
		return false
	}
}

func (s *eventSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
