package mediaWriter

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/8ff/watchpost/pkg/frameBuffer"
)

// slots kept free in the queue for ordered jobs and the final close
const controlReserve = 8

type asyncMsg struct {
	frame frameBuffer.Frame
	job   func() error
	close func(err error)
}

// Async owns a Sink on its own goroutine. Callers enqueue frames and ordered jobs
// without ever blocking on disk or encoder latency. The first error poisons the writer:
// the sink is closed, later frames and jobs are discarded, and Err reports the failure.
type Async struct {
	path string
	ch   chan asyncMsg
	done chan struct{}
	log  *zerolog.Logger

	// mu guards closing and sends on ch; errMu guards err so the writer goroutine
	// never waits on a producer blocked in Do.
	mu      sync.Mutex
	closing bool
	errMu   sync.Mutex
	err     error

	frames  atomic.Uint64
	dropped atomic.Uint64
}

// NewAsync starts the writer goroutine and opens sink at path on it.
func NewAsync(sink Sink, path string, queue int, log *zerolog.Logger) *Async {
	if queue < controlReserve*2 {
		queue = controlReserve * 2
	}
	a := &Async{
		path: path,
		ch:   make(chan asyncMsg, queue),
		done: make(chan struct{}),
		log:  log,
	}
	go a.run(sink)
	return a
}

func (a *Async) Path() string {
	return a.path
}

// Append queues a frame. It returns false when the frame was not accepted because the
// queue is saturated, the writer failed or Close was already called.
func (a *Async) Append(f frameBuffer.Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing || a.Err() != nil {
		return false
	}
	if len(a.ch) >= cap(a.ch)-controlReserve {
		if a.dropped.Add(1)%100 == 1 {
			a.log.Warn().Str("path", a.path).Uint64("dropped", a.dropped.Load()).Msg("writer queue saturated, dropping frames")
		}
		return false
	}
	a.ch <- asyncMsg{frame: f}
	return true
}

// Do runs job on the writer goroutine after everything queued before it.
func (a *Async) Do(job func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return
	}
	a.ch <- asyncMsg{job: job}
}

// Close queues the end of the output. finalize, if not nil, runs on the writer goroutine
// after the sink is closed and receives the first error the writer saw.
func (a *Async) Close(finalize func(err error)) {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return
	}
	a.closing = true
	a.ch <- asyncMsg{close: finalize}
	a.mu.Unlock()
}

// Wait blocks until the writer goroutine has finished after Close.
func (a *Async) Wait() {
	<-a.done
}

func (a *Async) Done() <-chan struct{} {
	return a.done
}

func (a *Async) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

func (a *Async) Frames() uint64 {
	return a.frames.Load()
}

func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

func (a *Async) fail(err error) {
	a.errMu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.errMu.Unlock()
}

func (a *Async) run(sink Sink) {
	defer close(a.done)

	open := true
	if err := sink.Open(a.path); err != nil {
		a.fail(err)
		open = false
		a.log.Error().Err(err).Str("path", a.path).Msg("cannot open output")
	}

	for msg := range a.ch {
		switch {
		case msg.close != nil || (msg.job == nil && msg.frame.IsZero()):
			if open {
				if err := sink.Close(); err != nil {
					a.fail(err)
					a.log.Error().Err(err).Str("path", a.path).Msg("closing output failed")
				}
			}
			if msg.close != nil {
				msg.close(a.Err())
			}
			return

		case msg.job != nil:
			if a.Err() != nil {
				continue
			}
			if err := msg.job(); err != nil {
				a.fail(err)
				a.log.Error().Err(err).Str("path", a.path).Msg("output job failed")
			}

		default:
			if !open || a.Err() != nil {
				continue
			}
			if err := sink.Append(msg.frame); err != nil {
				a.fail(err)
				a.log.Error().Err(err).Str("path", a.path).Msg("append failed, closing output")
				if cerr := sink.Close(); cerr != nil {
					a.log.Debug().Err(cerr).Str("path", a.path).Msg("close after failed append")
				}
				open = false
				continue
			}
			a.frames.Add(1)
		}
	}
}
