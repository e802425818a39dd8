package connection

import "sync"

// CommandKind identifies a UI-initiated action.
type CommandKind int

const (
	CommandWrite CommandKind = iota
	CommandResize
	CommandClose
)

// Command is one UI-initiated action delivered to the driver. Ownership of
// Data passes to the driver on send.
type Command struct {
	Kind CommandKind
	Data []byte
	Cols uint16
	Rows uint16
}

func writeCommand(data []byte) Command {
	return Command{Kind: CommandWrite, Data: data}
}

func resizeCommand(cols, rows uint16) Command {
	return Command{Kind: CommandResize, Cols: cols, Rows: rows}
}

// commandQueue is an unbounded FIFO between the façade (single producer side)
// and the driver (single consumer). Sends never block.
type commandQueue struct {
	mu     sync.Mutex
	items  []Command
	notify chan struct{}
	closed bool
}

func newCommandQueue() *commandQueue {
	return &commandQueue{notify: make(chan struct{}, 1)}
}

// send enqueues cmd, failing with ErrClosed once the sender side is closed or
// the driver has exited.
func (q *commandQueue) send(cmd Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, cmd)
	q.signal()
	return nil
}

// closeSender enqueues a final Close and rejects further sends. Closing the
// sender is equivalent to sending Close.
func (q *commandQueue) closeSender() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = append(q.items, Command{Kind: CommandClose})
	q.signal()
}

// shutdown is called by the exiting driver; pending commands are discarded.
func (q *commandQueue) shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
}

func (q *commandQueue) ready() <-chan struct{} {
	return q.notify
}

// drain returns all queued commands in FIFO order.
func (q *commandQueue) drain() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

func (q *commandQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
