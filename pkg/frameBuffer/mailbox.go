package frameBuffer

import (
	"context"
	"sync"
)

// Mailbox is a single slot that always holds the newest frame. Consumers that only need
// the latest picture (timelapse sampling, preview) read from it so they can never hold
// back acquisition.
type Mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frame   Frame
	full    bool
	closed  bool
	overrun uint64
}

func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Mailbox) Put(f Frame) {
	m.mu.Lock()
	if m.full {
		m.overrun++
	}
	m.frame = f
	m.full = true
	m.cond.Signal()
	m.mu.Unlock()
}

// Take waits for an unread frame. ok is false once the mailbox is closed or ctx ends.
func (m *Mailbox) Take(ctx context.Context) (Frame, bool) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.full {
		if m.closed || ctx.Err() != nil {
			return Frame{}, false
		}
		m.cond.Wait()
	}
	f := m.frame
	m.frame = Frame{}
	m.full = false
	return f, true
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Overruns counts frames replaced before anyone read them.
func (m *Mailbox) Overruns() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overrun
}
