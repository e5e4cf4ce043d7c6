// Package timelapse samples the live stream at a fixed cadence into hourly video segments.
// It shares no state with the recorder; the only things both see are the frames.
package timelapse

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/8ff/watchpost/pkg/frameBuffer"
	"github.com/8ff/watchpost/pkg/mediaWriter"
	"github.com/8ff/watchpost/pkg/notify"
)

type Segment struct {
	Path   string
	Opened time.Time
	Closed time.Time
	Frames int
}

func (s Segment) Duration() time.Duration {
	return s.Closed.Sub(s.Opened)
}

type Config struct {
	Camera         string
	Dir            string
	SampleInterval time.Duration
	// Location decides where hour boundaries fall, time.Local when nil.
	Location    *time.Location
	WriterQueue int
}

type HookInvoker interface {
	Invoke(hook notify.Hook, args ...string)
}

type Controller struct {
	cfg     Config
	newSink mediaWriter.SinkFactory
	hooks   HookInvoker
	events  notify.Publisher
	log     *zerolog.Logger
	now     func() time.Time

	seg        Segment
	writer     *mediaWriter.Async
	lastSample time.Time

	wg        sync.WaitGroup
	rollovers atomic.Uint64
	samples   atomic.Uint64
}

func New(cfg Config, newSink mediaWriter.SinkFactory, hooks HookInvoker, events notify.Publisher, log *zerolog.Logger) *Controller {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.WriterQueue <= 0 {
		cfg.WriterQueue = 64
	}
	if events == nil {
		events = notify.PublisherFunc(func(notify.Event) {})
	}
	return &Controller{cfg: cfg, newSink: newSink, hooks: hooks, events: events, log: log, now: time.Now}
}

// Offer hands the controller a frame from the live stream. It returns true when the
// frame was taken as a sample.
func (c *Controller) Offer(f frameBuffer.Frame) bool {
	if !c.lastSample.IsZero() && f.Time.Sub(c.lastSample) < c.cfg.SampleInterval {
		return false
	}
	c.lastSample = f.Time

	if c.writer != nil && c.writer.Err() != nil {
		c.closeSegment(f.Time, false)
	}
	if c.writer != nil && !f.Time.Before(c.boundary()) {
		c.closeSegment(c.boundary(), true)
	}
	if c.writer == nil {
		c.open(f.Time)
	}
	if c.writer.Append(f) {
		c.seg.Frames++
	}
	c.samples.Add(1)
	return true
}

// Run samples frames from mb until ctx ends or the mailbox is closed, then finalizes the
// open segment. A segment is closed at its hour boundary even when no frame arrives.
func (c *Controller) Run(ctx context.Context, mb *frameBuffer.Mailbox) error {
	c.log.Info().Dur("interval", c.cfg.SampleInterval).Str("dir", c.cfg.Dir).Msg("timelapse recording is enabled")
	defer c.Close()
	for {
		wait, cancel := ctx, context.CancelFunc(func() {})
		if c.writer != nil {
			wait, cancel = context.WithTimeout(ctx, c.boundary().Sub(c.now()))
		}
		f, ok := mb.Take(wait)
		expired := wait.Err() == context.DeadlineExceeded
		cancel()

		if ok {
			c.Offer(f)
			continue
		}
		if ctx.Err() != nil || !expired {
			return nil
		}
		c.Expire(c.now())
	}
}

// Expire closes the open segment at its hour boundary once now has reached it.
func (c *Controller) Expire(now time.Time) bool {
	if c.writer == nil || now.Before(c.boundary()) {
		return false
	}
	c.log.Info().Time("boundary", c.boundary()).Msg("no frames at the hour boundary, closing segment")
	c.closeSegment(c.boundary(), true)
	return true
}

// Close finalizes the open segment and waits for all segment writers.
func (c *Controller) Close() {
	if c.writer != nil {
		end := c.lastSample
		if end.IsZero() {
			end = time.Now()
		}
		c.closeSegment(end, false)
	}
	c.wg.Wait()
}

// Current returns the open segment, if any.
func (c *Controller) Current() (Segment, bool) {
	return c.seg, c.writer != nil
}

func (c *Controller) Rollovers() uint64 {
	return c.rollovers.Load()
}

func (c *Controller) Samples() uint64 {
	return c.samples.Load()
}

// boundary is the end of the hour the open segment was opened in.
func (c *Controller) boundary() time.Time {
	return c.hour(c.seg.Opened).Add(time.Hour)
}

func (c *Controller) hour(t time.Time) time.Time {
	t = t.In(c.cfg.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, c.cfg.Location)
}

func (c *Controller) open(t time.Time) {
	c.seg = Segment{
		Path:   mediaWriter.ArtifactPath(c.cfg.Dir, c.cfg.Camera, t.In(c.cfg.Location), ".mp4"),
		Opened: t,
	}
	c.writer = mediaWriter.NewAsync(c.newSink(), c.seg.Path, c.cfg.WriterQueue, c.log)
	w := c.writer
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.Wait()
	}()
	c.log.Info().Str("path", c.seg.Path).Msg("timelapse segment opened")
}

// closeSegment finishes the open segment at t. The rollover hook only runs when the
// segment was closed by an hour boundary, not on shutdown.
func (c *Controller) closeSegment(t time.Time, rollover bool) {
	seg := c.seg
	seg.Closed = t
	w := c.writer
	c.writer = nil
	c.seg = Segment{}

	w.Close(func(err error) {
		if err != nil {
			c.log.Error().Err(err).Str("path", seg.Path).Msg("timelapse segment failed")
			return
		}
		c.log.Info().Str("path", seg.Path).Dur("duration", seg.Duration()).Int("frames", seg.Frames).Msg("timelapse segment closed")
		if rollover {
			c.rollovers.Add(1)
			if c.hooks != nil {
				c.hooks.Invoke(notify.HookRollover, seg.Path)
			}
		}
		c.events.Publish(notify.Event{
			Type:       notify.EventSegmentClosed,
			Timestamp:  time.Now(),
			CameraName: c.cfg.Camera,
			Start:      seg.Opened,
			End:        seg.Closed,
			Frames:     seg.Frames,
			VideoFile:  seg.Path,
		})
	})
}
