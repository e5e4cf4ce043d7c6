package recorder

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/8ff/watchpost/pkg/frameBuffer"
	"github.com/8ff/watchpost/pkg/mediaWriter"
	"github.com/8ff/watchpost/pkg/notify"
)

// HookInvoker is satisfied by notify.Dispatcher.
type HookInvoker interface {
	Invoke(hook notify.Hook, args ...string)
}

type Options struct {
	Camera      string
	VideoDir    string
	PhotoDir    string
	WriterQueue int
	// PreRoll is how many frames before the trigger open a clip, the ring capacity when
	// zero. A ring larger than PreRoll leaves room for frames fed ahead of Process.
	PreRoll     int

	NewSink mediaWriter.SinkFactory
	Stills  mediaWriter.StillWriter
	Hooks   HookInvoker
	Events  notify.Publisher
	Log     *zerolog.Logger

	// NewID names sessions, uuid.NewString when nil.
	NewID func() string
}

// Stats are safe to read from any goroutine.
type Stats struct {
	Started  uint64
	Finished uint64
	Failed   uint64
	// Lost counts frames that left the ring before a session could write them.
	Lost     uint64
}

// Recorder applies the transitions produced by Evaluate: it opens and feeds the session
// writer, writes the stills, runs the hooks and publishes events. Feed and Stats may be
// called from any goroutine; every other method belongs to the goroutine that runs
// detection.
//
// Clips are written from the ring, which sees every acquired frame, so frames that were
// never run through detection still end up in the clip.
type Recorder struct {
	cfg  Config
	opt  Options
	ring *frameBuffer.Ring
	log  *zerolog.Logger

	state    State
	writer   *mediaWriter.Async
	lastTime time.Time
	// written is the Seq of the last frame handed to the session writer.
	written  uint64

	feedMu  sync.Mutex
	fed     bool
	lastFed uint64

	wg       sync.WaitGroup
	started  atomic.Uint64
	finished atomic.Uint64
	failed   atomic.Uint64
	lost     atomic.Uint64
}

func New(cfg Config, ring *frameBuffer.Ring, opt Options) *Recorder {
	if opt.NewID == nil {
		opt.NewID = uuid.NewString
	}
	if opt.NewSink == nil {
		opt.NewSink = mediaWriter.NewFFmpegFactory(15)
	}
	if opt.Stills == nil {
		opt.Stills = mediaWriter.JPEGStills{Quality: 100}
	}
	if opt.Hooks == nil {
		opt.Hooks = nopHooks{}
	}
	if opt.Events == nil {
		opt.Events = notify.PublisherFunc(func(notify.Event) {})
	}
	if opt.Log == nil {
		l := zerolog.Nop()
		opt.Log = &l
	}
	if opt.PreRoll <= 0 || opt.PreRoll > ring.Cap() {
		opt.PreRoll = ring.Cap()
	}
	return &Recorder{cfg: cfg, opt: opt, ring: ring, log: opt.Log}
}

type nopHooks struct{}

func (nopHooks) Invoke(notify.Hook, ...string) {}

func (r *Recorder) Config() Config {
	return r.cfg
}

func (r *Recorder) State() State {
	return r.state
}

func (r *Recorder) Recording() bool {
	return r.state.Recording()
}

func (r *Recorder) Stats() Stats {
	return Stats{
		Started:  r.started.Load(),
		Finished: r.finished.Load(),
		Failed:   r.failed.Load(),
		Lost:     r.lost.Load(),
	}
}

// Feed pushes an acquired frame into the ring. Frames must arrive in Seq order; a frame
// that was already fed is ignored.
func (r *Recorder) Feed(f frameBuffer.Frame) {
	r.feedMu.Lock()
	defer r.feedMu.Unlock()
	if r.fed && f.Seq <= r.lastFed {
		return
	}
	r.fed, r.lastFed = true, f.Seq
	r.ring.Push(f)
}

// Process runs one frame through the state machine and applies the effects. The frame is
// fed to the ring afterwards if nobody fed it yet.
func (r *Recorder) Process(f frameBuffer.Frame, dets []Detection) Transition {
	r.checkWriter()

	next, tr := Evaluate(r.cfg, r.state, f, dets)
	r.state = next
	r.lastTime = f.Time

	if tr.FailedTrigger != nil {
		r.log.Info().Int("frames", tr.FailedTrigger.Frames).Float64("distance", tr.FailedTrigger.Distance).Msg("failed trigger")
	}

	if tr.Ended != nil {
		// the frame that observed the timeout is not part of the clip
		r.catchUp(f.Seq)
		r.finish(tr.Ended, f.Time)
	}
	switch tr.Action {
	case ActionStart:
		r.start(r.state.Session, f)
	case ActionAppend:
		r.catchUp(f.Seq)
		r.append(f)
	}

	r.Feed(f)
	return tr
}

// Tick lets the timeout fire while no frames arrive.
func (r *Recorder) Tick(now time.Time) Transition {
	r.checkWriter()
	next, tr := Expire(r.cfg, r.state, now)
	r.state = next
	if tr.Action == ActionEnd {
		r.log.Warn().Msg("no frames from stream, closing session on timeout")
		r.catchUp(math.MaxUint64)
		r.finish(tr.Ended, now)
	}
	return tr
}

// Shutdown finalizes an open session and waits for every writer to finish.
func (r *Recorder) Shutdown() {
	if sess := r.state.Session; sess != nil {
		r.state = State{}
		end := r.lastTime
		if end.IsZero() {
			end = time.Now()
		}
		r.log.Info().Str("id", sess.ID).Msg("shutting down, finalizing session")
		r.catchUp(math.MaxUint64)
		r.finish(sess, end)
	}
	r.Wait()
}

// Wait blocks until all session writers have closed.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) start(sess *Session, f frameBuffer.Frame) {
	sess.ID = r.opt.NewID()
	sess.VideoPath = mediaWriter.ArtifactPath(r.opt.VideoDir, r.opt.Camera, sess.Start, ".mp4")
	sess.FirstPath = mediaWriter.ArtifactPath(r.opt.PhotoDir, r.opt.Camera, sess.Start, "-first.jpg")
	sess.BestPath = mediaWriter.ArtifactPath(r.opt.PhotoDir, r.opt.Camera, sess.Start, "-best.jpg")
	r.started.Add(1)

	r.log.Info().Str("id", sess.ID).Str("video", sess.VideoPath).
		Str("class", sess.First.Detection.ClassName).Float32("confidence", sess.First.Detection.Confidence).
		Msg("object detected, recording started")

	queue := max(r.opt.WriterQueue, r.ring.Cap()+64)
	w := mediaWriter.NewAsync(r.opt.NewSink(), sess.VideoPath, queue, r.log)
	r.writer = w
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		w.Wait()
	}()

	first, firstPath := sess.First.Frame, sess.FirstPath
	w.Do(func() error {
		if err := r.opt.Stills.WriteStill(firstPath, first); err != nil {
			return err
		}
		r.opt.Hooks.Invoke(notify.HookStart, firstPath)
		return nil
	})

	ev := r.event(notify.EventSessionStarted, sess)
	ev.FirstImage = firstPath
	r.opt.Events.Publish(ev)

	var pre []frameBuffer.Frame
	for _, pf := range r.ring.DrainOrdered() {
		if pf.Seq < f.Seq {
			pre = append(pre, pf)
		}
	}
	if len(pre) > r.opt.PreRoll {
		pre = pre[len(pre)-r.opt.PreRoll:]
	}
	for _, pf := range pre {
		w.Append(pf)
	}
	w.Append(f)
	r.written = f.Seq
	r.log.Debug().Str("id", sess.ID).Int("preroll", len(pre)).Msg("pre-roll flushed")
}

// catchUp writes the ring frames after the last written one and before seq. These are
// the frames that were acquired but dropped before detection.
func (r *Recorder) catchUp(seq uint64) {
	if r.writer == nil {
		return
	}
	frames := r.ring.After(r.written)
	if len(frames) > 0 && frames[0].Seq > r.written+1 && frames[0].Seq < seq {
		lost := frames[0].Seq - r.written - 1
		r.lost.Add(lost)
		r.log.Warn().Uint64("lost", lost).Uint64("after", r.written).Msg("frames left the ring before they were written")
	}
	for _, f := range frames {
		if f.Seq >= seq {
			break
		}
		r.writer.Append(f)
		r.written = f.Seq
	}
}

func (r *Recorder) append(f frameBuffer.Frame) {
	if r.writer == nil || f.Seq <= r.written {
		return
	}
	r.writer.Append(f)
	r.written = f.Seq
}

func (r *Recorder) finish(sess *Session, end time.Time) {
	w := r.writer
	r.writer = nil
	if w == nil {
		return
	}
	best := sess.Best
	r.log.Info().Str("id", sess.ID).Dur("duration", end.Sub(sess.Start)).Int("frames", sess.Frames).Msg("recording finished")

	w.Close(func(err error) {
		if err != nil {
			r.sessionFailed(sess, err)
			return
		}
		bestPath := sess.BestPath
		if err := r.opt.Stills.WriteStill(bestPath, best.Frame); err != nil {
			r.log.Error().Err(err).Str("id", sess.ID).Msg("cannot write best image, using first image")
			bestPath = sess.FirstPath
		}
		r.opt.Hooks.Invoke(notify.HookEnd, bestPath, sess.VideoPath)
		r.finished.Add(1)

		ev := r.event(notify.EventSessionFinished, sess)
		ev.End = end
		ev.FirstImage = sess.FirstPath
		ev.BestImage = bestPath
		r.opt.Events.Publish(ev)
	})
}

// checkWriter abandons the session once its writer reported an error.
func (r *Recorder) checkWriter() {
	if r.writer == nil {
		return
	}
	err := r.writer.Err()
	if err == nil {
		return
	}
	sess := r.state.Session
	w := r.writer
	r.writer = nil
	r.state = State{}
	if sess == nil {
		w.Close(nil)
		return
	}
	r.log.Error().Err(err).Str("id", sess.ID).Msg("write failed, abandoning session")
	w.Close(func(error) { r.sessionFailed(sess, err) })
}

func (r *Recorder) sessionFailed(sess *Session, err error) {
	r.failed.Add(1)
	ev := r.event(notify.EventSessionFailed, sess)
	ev.Error = err.Error()
	r.opt.Events.Publish(ev)
}

func (r *Recorder) event(typ string, sess *Session) notify.Event {
	d := sess.Best.Detection
	return notify.Event{
		Type:       typ,
		Timestamp:  time.Now(),
		ID:         sess.ID,
		CameraName: r.opt.Camera,
		Start:      sess.Start,
		ClassName:  d.ClassName,
		Confidence: d.Confidence,
		Box:        []float64{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
		Frames:     sess.Frames,
		VideoFile:  sess.VideoPath,
	}
}
