package timelapse

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/8ff/watchpost/pkg/frameBuffer"
	"github.com/8ff/watchpost/pkg/mediaWriter"
	"github.com/8ff/watchpost/pkg/notify"
)

type recordedSinks struct {
	mu     sync.Mutex
	frames map[string][]uint64
	closed []string
}

type sink struct {
	rs   *recordedSinks
	path string
}

func (s *sink) Open(path string) error {
	s.path = path
	return nil
}

func (s *sink) Append(f frameBuffer.Frame) error {
	s.rs.mu.Lock()
	defer s.rs.mu.Unlock()
	s.rs.frames[s.path] = append(s.rs.frames[s.path], f.Seq)
	return nil
}

func (s *sink) Close() error {
	s.rs.mu.Lock()
	defer s.rs.mu.Unlock()
	s.rs.closed = append(s.rs.closed, s.path)
	return nil
}

type hookLog struct {
	mu    sync.Mutex
	calls [][]string
}

func (h *hookLog) Invoke(hook notify.Hook, args ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, append([]string{hook.String()}, args...))
}

type eventLog struct {
	mu  sync.Mutex
	evs []notify.Event
}

func (e *eventLog) Publish(ev notify.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
}

func newController(t *testing.T) (*Controller, *recordedSinks, *hookLog, *eventLog) {
	t.Helper()
	rs := &recordedSinks{frames: map[string][]uint64{}}
	hooks := &hookLog{}
	events := &eventLog{}
	log := zerolog.Nop()
	c := New(Config{
		Camera:         "front",
		Dir:            "timelapse",
		SampleInterval: time.Second,
		Location:       time.UTC,
	}, func() mediaWriter.Sink { return &sink{rs: rs} }, hooks, events, &log)
	return c, rs, hooks, events
}

func frameAt(start time.Time, seq uint64, every time.Duration) frameBuffer.Frame {
	return frameBuffer.Frame{
		Image: image.NewRGBA(image.Rect(0, 0, 4, 4)),
		Seq:   seq,
		Time:  start.Add(time.Duration(seq) * every),
	}
}

func TestSamplesOncePerInterval(t *testing.T) {
	c, rs, _, _ := newController(t)
	start := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)

	// 10 fps for 5 seconds
	sampled := 0
	for seq := uint64(0); seq < 50; seq++ {
		if c.Offer(frameAt(start, seq, 100*time.Millisecond)) {
			sampled++
		}
	}
	c.Close()

	assert.Equal(t, 5, sampled)
	assert.Equal(t, []uint64{0, 10, 20, 30, 40}, rs.frames["timelapse/front20240501-101500.mp4"])
	assert.Zero(t, c.Rollovers())
}

func TestRolloverAtHourBoundary(t *testing.T) {
	c, rs, hooks, events := newController(t)
	start := time.Date(2024, 5, 1, 12, 59, 30, 0, time.UTC)

	// one frame per second from 12:59:30 to 13:00:29
	for seq := uint64(0); seq < 60; seq++ {
		c.Offer(frameAt(start, seq, time.Second))
	}
	cur, open := c.Current()
	require.True(t, open)
	assert.Equal(t, "timelapse/front20240501-130000.mp4", cur.Path)
	c.Close()

	first := "timelapse/front20240501-125930.mp4"
	assert.Equal(t, uint64(1), c.Rollovers())
	assert.Equal(t, [][]string{{"rollover", first}}, hooks.calls, "shutdown close does not fire the hook")
	assert.Len(t, rs.frames[first], 30)
	assert.Len(t, rs.frames[cur.Path], 30)
	assert.ElementsMatch(t, []string{first, cur.Path}, rs.closed)

	require.Len(t, events.evs, 2)
	var closed notify.Event
	for _, ev := range events.evs {
		if ev.VideoFile == first {
			closed = ev
		}
	}
	assert.Equal(t, notify.EventSegmentClosed, closed.Type)
	assert.Equal(t, 30*time.Second, closed.End.Sub(closed.Start), "duration is the time the segment was open")
}

func TestRolloverUsesConfiguredZone(t *testing.T) {
	rs := &recordedSinks{frames: map[string][]uint64{}}
	log := zerolog.Nop()
	zone := time.FixedZone("half", 30*60)
	c := New(Config{Camera: "cam", Dir: "tl", Location: zone},
		func() mediaWriter.Sink { return &sink{rs: rs} }, nil, nil, &log)

	// 12:59 UTC is 13:29 in a +00:30 zone, so no boundary is crossed until 13:30 UTC
	start := time.Date(2024, 5, 1, 12, 59, 0, 0, time.UTC)
	for seq := uint64(0); seq < 120; seq++ {
		c.Offer(frameAt(start, seq, time.Second))
	}
	assert.Zero(t, c.Rollovers())
	c.Close()
}

func TestRunStopsOnCancel(t *testing.T) {
	c, rs, _, _ := newController(t)
	mb := frameBuffer.NewMailbox()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, mb) }()

	mb.Put(frameAt(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), 1, time.Second))
	require.Eventually(t, func() bool { return c.Samples() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	assert.Len(t, rs.closed, 1, "open segment finalized on shutdown")
}

func TestExpireClosesAtBoundary(t *testing.T) {
	c, rs, hooks, events := newController(t)
	start := time.Date(2024, 5, 1, 12, 59, 50, 0, time.UTC)
	c.Offer(frameAt(start, 0, time.Second))

	assert.False(t, c.Expire(start.Add(9*time.Second)))
	// stream came back long after the boundary
	assert.True(t, c.Expire(start.Add(15*time.Minute)))
	_, open := c.Current()
	assert.False(t, open)
	c.Close()

	assert.Equal(t, uint64(1), c.Rollovers())
	assert.Equal(t, [][]string{{"rollover", "timelapse/front20240501-125950.mp4"}}, hooks.calls)
	assert.Len(t, rs.closed, 1)
	require.Len(t, events.evs, 1)
	assert.Equal(t, time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC), events.evs[0].End)
}

func TestRunRollsOverWithoutFrames(t *testing.T) {
	c, _, hooks, events := newController(t)
	boundary := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	begin := time.Now()
	c.now = func() time.Time { return boundary.Add(-50 * time.Millisecond).Add(time.Since(begin)) }

	mb := frameBuffer.NewMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, mb) }()

	mb.Put(frameBuffer.Frame{Image: image.NewRGBA(image.Rect(0, 0, 4, 4)), Seq: 1, Time: c.now()})
	require.Eventually(t, func() bool { return c.Rollovers() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	hooks.mu.Lock()
	assert.Len(t, hooks.calls, 1)
	hooks.mu.Unlock()
	events.mu.Lock()
	defer events.mu.Unlock()
	require.Len(t, events.evs, 1, "nothing left open at shutdown")
	assert.Equal(t, boundary, events.evs[0].End)
}
