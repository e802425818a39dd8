package connection

import (
	"sync"
	"time"
)

// incomingBuffer accumulates remote output. Only the driver appends and only
// the façade's Read drains it.
type incomingBuffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *incomingBuffer) append(p []byte) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
}

// take swaps the buffer with an empty one and returns what was there, or nil.
func (b *incomingBuffer) take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data) == 0 {
		return nil
	}
	data := b.data
	b.data = nil
	return data
}

func (b *incomingBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// debouncer coalesces bursts of output into one wakeup. The deadline is armed
// by the first chunk of a burst and is not pushed back by later chunks.
type debouncer struct {
	interval time.Duration
	timer    *time.Timer
	armed    bool
}

func newDebouncer(interval time.Duration) *debouncer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &debouncer{interval: interval, timer: t}
}

func (d *debouncer) arm() {
	if d.armed {
		return
	}
	d.armed = true
	d.timer.Reset(d.interval)
}

// C is nil unless a deadline is pending, so selecting on it is a no-op.
func (d *debouncer) C() <-chan time.Time {
	if !d.armed {
		return nil
	}
	return d.timer.C
}

// fired clears the pending deadline after C delivered.
func (d *debouncer) fired() {
	d.armed = false
}

// flush cancels a pending deadline and reports whether one was pending.
func (d *debouncer) flush() bool {
	if !d.armed {
		return false
	}
	d.armed = false
	d.timer.Stop()
	return true
}
