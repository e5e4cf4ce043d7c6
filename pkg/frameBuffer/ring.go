package frameBuffer

import "sync"

// Ring holds the most recent frames for pre-roll. Push overwrites the oldest frame once
// full; memory stays at capacity frames no matter how long nothing is detected.
type Ring struct {
	mu    sync.Mutex
	buf   []Frame
	next  int // slot the next push writes to
	count int
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Frame, capacity)}
}

func (r *Ring) Push(f Frame) {
	r.mu.Lock()
	r.buf[r.next] = f
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// DrainOrdered returns a copy of the buffered frames, oldest first. The ring itself is
// left as it was.
func (r *Ring) DrainOrdered() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Frame, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Ring) Cap() int {
	return len(r.buf)
}

// After returns the buffered frames with Seq greater than seq, oldest first.
func (r *Ring) After(seq uint64) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for n < r.count && r.buf[(r.next-1-n+2*len(r.buf))%len(r.buf)].Seq > seq {
		n++
	}
	out := make([]Frame, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = r.buf[(r.next-1-i+2*len(r.buf))%len(r.buf)]
	}
	return out
}
