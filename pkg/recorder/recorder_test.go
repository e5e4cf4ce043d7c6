package recorder

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/8ff/watchpost/pkg/frameBuffer"
	"github.com/8ff/watchpost/pkg/geometry"
	"github.com/8ff/watchpost/pkg/mediaWriter"
	"github.com/8ff/watchpost/pkg/notify"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const frameInterval = 100 * time.Millisecond

// frameAt returns frame seq of a 10 fps 640x480 stream.
func frameAt(seq uint64) frameBuffer.Frame {
	return frameBuffer.Frame{
		Image: image.NewRGBA(image.Rect(0, 0, 640, 480)),
		Seq:   seq,
		Time:  epoch.Add(time.Duration(seq) * frameInterval),
	}
}

// person is a qualifying detection of the given area centered in the frame.
func person(area float64) Detection {
	return Detection{
		ClassID:    0,
		ClassName:  "person",
		Confidence: 0.9,
		Box:        geometry.Box{X1: 320 - area/2, Y1: 240, X2: 320 + area/2, Y2: 241},
	}
}

type sinkLog struct {
	mu      sync.Mutex
	paths   []string
	frames  map[string][]uint64
	closed  map[string]int
	openErr error
}

func newSinkLog() *sinkLog {
	return &sinkLog{frames: map[string][]uint64{}, closed: map[string]int{}}
}

type fakeSink struct {
	log  *sinkLog
	path string
}

func (s *fakeSink) Open(path string) error {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.path = path
	s.log.paths = append(s.log.paths, path)
	return s.log.openErr
}

func (s *fakeSink) Append(f frameBuffer.Frame) error {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.log.frames[s.path] = append(s.log.frames[s.path], f.Seq)
	return nil
}

func (s *fakeSink) Close() error {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.log.closed[s.path]++
	return nil
}

func (l *sinkLog) factory() mediaWriter.SinkFactory {
	return func() mediaWriter.Sink { return &fakeSink{log: l} }
}

type stills struct {
	mu      sync.Mutex
	written map[string]uint64
	failOn  string
}

func (s *stills) WriteStill(path string, f frameBuffer.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && s.failOn == path {
		return errors.New("read-only file system")
	}
	s.written[path] = f.Seq
	return nil
}

type hookCall struct {
	Hook notify.Hook
	Args []string
}

type hooks struct {
	mu    sync.Mutex
	calls []hookCall
}

func (h *hooks) Invoke(hook notify.Hook, args ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hookCall{Hook: hook, Args: args})
}

func (h *hooks) snapshot() []hookCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hookCall(nil), h.calls...)
}

type events struct {
	mu  sync.Mutex
	evs []notify.Event
}

func (e *events) Publish(ev notify.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
}

func (e *events) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.evs {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	rec    *Recorder
	ring   *frameBuffer.Ring
	sinks  *sinkLog
	stills *stills
	hooks  *hooks
	events *events
}

func newHarness(cfg Config) *harness {
	h := &harness{
		ring:   frameBuffer.NewRing(150),
		sinks:  newSinkLog(),
		stills: &stills{written: map[string]uint64{}},
		hooks:  &hooks{},
		events: &events{},
	}
	ids := 0
	h.rec = New(cfg, h.ring, Options{
		Camera:      "front",
		VideoDir:    "video",
		PhotoDir:    "photos",
		WriterQueue: 1024,
		NewSink:     h.sinks.factory(),
		Stills:      h.stills,
		Hooks:       h.hooks,
		Events:      h.events,
		NewID: func() string {
			ids++
			return "session-" + string(rune('0'+ids))
		},
	})
	return h
}

// run feeds frames from..to inclusive, with detections looked up by seq.
func (h *harness) run(from, to uint64, dets map[uint64][]Detection) {
	for seq := from; seq <= to; seq++ {
		h.rec.Process(frameAt(seq), dets[seq])
	}
}

func seqRange(from, to uint64) []uint64 {
	var out []uint64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestSingleDetectionProducesOneSession(t *testing.T) {
	h := newHarness(DefaultConfig())

	// detection at 0.5s, timeout fires at 30.5s (seq 305)
	h.run(0, 320, map[uint64][]Detection{5: {person(100)}})
	h.rec.Wait()

	const video = "video/front20240501-120000.mp4"
	assert.Equal(t, []hookCall{
		{Hook: notify.HookStart, Args: []string{"photos/front20240501-120000-first.jpg"}},
		{Hook: notify.HookEnd, Args: []string{"photos/front20240501-120000-best.jpg", video}},
	}, h.hooks.snapshot())

	assert.Equal(t, []string{video}, h.sinks.paths)
	if diff := cmp.Diff(seqRange(0, 304), h.sinks.frames[video]); diff != "" {
		t.Errorf("video frames mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, h.sinks.closed[video])
	assert.Equal(t, Stats{Started: 1, Finished: 1}, h.rec.Stats())
	assert.Equal(t, []string{notify.EventSessionStarted, notify.EventSessionFinished}, h.events.types())
	assert.False(t, h.rec.Recording())
}

func TestPreRollHoldsRingContents(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.run(0, 200, map[uint64][]Detection{200: {person(100)}})
	h.rec.Shutdown()

	frames := h.sinks.frames[h.sinks.paths[0]]
	require.NotEmpty(t, frames)
	assert.Equal(t, seqRange(50, 200), frames, "last 150 frames before the trigger, then the trigger frame")
}

func TestBestImageIsLargestArea(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.run(0, 400, map[uint64][]Detection{
		10: {person(5)},
		20: {person(12)},
		30: {person(8)},
		40: {person(20)},
		50: {person(3)},
	})
	h.rec.Wait()

	assert.Equal(t, uint64(10), h.stills.written["photos/front20240501-120001-first.jpg"])
	assert.Equal(t, uint64(40), h.stills.written["photos/front20240501-120001-best.jpg"])
	assert.Equal(t, Stats{Started: 1, Finished: 1}, h.rec.Stats())
}

func TestEvidenceTiesKeepEarliest(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.run(0, 400, map[uint64][]Detection{
		10: {person(20)},
		20: {person(20)},
	})
	h.rec.Wait()
	assert.Equal(t, uint64(10), h.stills.written["photos/front20240501-120001-best.jpg"])
}

func TestGapBelowTimeoutKeepsOneSession(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.run(0, 450, map[uint64][]Detection{
		0:   {person(100)},
		100: {person(100)},
	})
	h.rec.Wait()

	assert.Equal(t, Stats{Started: 1, Finished: 1}, h.rec.Stats())
	require.Len(t, h.sinks.paths, 1)
	assert.Equal(t, seqRange(0, 399), h.sinks.frames[h.sinks.paths[0]], "session ends 30s after the second detection")
}

func TestDetectionsOutsideRegionAreIgnored(t *testing.T) {
	h := newHarness(DefaultConfig())
	left := person(100)
	left.Box = geometry.Box{X1: 0, Y1: 0, X2: 60, Y2: 60}
	weak := person(100)
	weak.Confidence = 0.3
	car := person(100)
	car.ClassID = 2

	h.run(0, 50, map[uint64][]Detection{
		5:  {left},
		10: {weak},
		15: {car},
	})
	h.rec.Wait()

	assert.Equal(t, Stats{}, h.rec.Stats())
	assert.Empty(t, h.hooks.snapshot())
	assert.Empty(t, h.sinks.paths)
}

func TestWriteFailureResetsToIdle(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.sinks.openErr = errors.New("no space left on device")

	h.rec.Process(frameAt(0), []Detection{person(100)})
	require.True(t, h.rec.Recording())

	seq := uint64(1)
	require.Eventually(t, func() bool {
		h.rec.Process(frameAt(seq), nil)
		seq++
		return !h.rec.Recording()
	}, 2*time.Second, time.Millisecond)
	h.rec.Wait()

	assert.Equal(t, Stats{Started: 1, Failed: 1}, h.rec.Stats())
	assert.Empty(t, h.hooks.snapshot(), "no start or end hook for a failed session")
	assert.Equal(t, []string{notify.EventSessionStarted, notify.EventSessionFailed}, h.events.types())
}

func TestShutdownFinalizesSession(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.run(0, 20, map[uint64][]Detection{5: {person(100)}})
	require.True(t, h.rec.Recording())

	h.rec.Shutdown()

	assert.False(t, h.rec.Recording())
	calls := h.hooks.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, notify.HookEnd, calls[1].Hook)
	assert.Equal(t, 1, h.sinks.closed[h.sinks.paths[0]])
	assert.Equal(t, seqRange(0, 20), h.sinks.frames[h.sinks.paths[0]])
	assert.Contains(t, h.stills.written, "photos/front20240501-120000-best.jpg")
}

func TestBestImageFailureFallsBackToFirst(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.stills.failOn = "photos/front20240501-120000-best.jpg"
	h.run(0, 320, map[uint64][]Detection{5: {person(100)}})
	h.rec.Wait()

	calls := h.hooks.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"photos/front20240501-120000-first.jpg", "video/front20240501-120000.mp4"}, calls[1].Args)
}

func TestTickClosesSessionDuringOutage(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.run(0, 10, map[uint64][]Detection{5: {person(100)}})

	tr := h.rec.Tick(epoch.Add(20 * time.Second))
	assert.Equal(t, ActionNone, tr.Action)
	assert.True(t, h.rec.Recording())

	tr = h.rec.Tick(epoch.Add(31 * time.Second))
	assert.Equal(t, ActionEnd, tr.Action)
	assert.False(t, h.rec.Recording())
	h.rec.Wait()
	assert.Equal(t, Stats{Started: 1, Finished: 1}, h.rec.Stats())
}

func TestConsecutiveSessionsUseDistinctFiles(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.run(0, 700, map[uint64][]Detection{
		0:   {person(100)},
		400: {person(100)},
	})
	h.rec.Wait()

	assert.Equal(t, Stats{Started: 2, Finished: 2}, h.rec.Stats())
	assert.Equal(t, []string{"video/front20240501-120000.mp4", "video/front20240501-120040.mp4"}, h.sinks.paths)
}

func TestLateDetectionClosesOldSessionFirst(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.run(0, 10, map[uint64][]Detection{5: {person(100)}})
	h.rec.Process(frameAt(400), []Detection{person(100)})
	h.rec.Shutdown()

	assert.Equal(t, Stats{Started: 2, Finished: 2}, h.rec.Stats())
	require.Len(t, h.sinks.paths, 2)
	assert.Equal(t, seqRange(0, 10), h.sinks.frames[h.sinks.paths[0]], "timeout frame belongs to the next session only")
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 400}, h.sinks.frames[h.sinks.paths[1]])
	assert.ElementsMatch(t, []string{
		notify.EventSessionStarted, notify.EventSessionFinished,
		notify.EventSessionStarted, notify.EventSessionFinished,
	}, h.events.types())
}

func TestFedFramesFillClipBetweenDetections(t *testing.T) {
	h := newHarness(DefaultConfig())
	for seq := uint64(0); seq <= 40; seq++ {
		h.rec.Feed(frameAt(seq))
	}
	// detection only ran on every tenth frame
	for seq := uint64(0); seq <= 40; seq += 10 {
		h.rec.Process(frameAt(seq), []Detection{person(100)})
	}
	h.rec.Shutdown()

	require.Len(t, h.sinks.paths, 1)
	assert.Equal(t, seqRange(0, 40), h.sinks.frames[h.sinks.paths[0]])
	assert.Zero(t, h.rec.Stats().Lost)
}

func TestPreRollStopsAtTriggerWhenFedAhead(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.rec = New(DefaultConfig(), frameBuffer.NewRing(20), Options{
		PreRoll: 5,
		NewSink: h.sinks.factory(),
		Stills:  h.stills,
	})
	for seq := uint64(0); seq <= 15; seq++ {
		h.rec.Feed(frameAt(seq))
	}
	h.rec.Process(frameAt(10), []Detection{person(100)})
	h.rec.Shutdown()

	assert.Equal(t, seqRange(5, 15), h.sinks.frames[h.sinks.paths[0]], "five frames of pre-roll, then everything fed")
}

func TestFramesOverwrittenBeforeWriteAreCounted(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.rec = New(DefaultConfig(), frameBuffer.NewRing(4), Options{
		NewSink: h.sinks.factory(),
		Stills:  h.stills,
	})
	h.rec.Process(frameAt(0), []Detection{person(100)})
	for seq := uint64(1); seq <= 10; seq++ {
		h.rec.Feed(frameAt(seq))
	}
	h.rec.Process(frameAt(10), []Detection{person(100)})
	h.rec.Shutdown()

	assert.Equal(t, []uint64{0, 7, 8, 9, 10}, h.sinks.frames[h.sinks.paths[0]])
	assert.Equal(t, uint64(6), h.rec.Stats().Lost)
}
