package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/8ff/prettyTimer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/8ff/watchpost/pkg/frameBuffer"
	"github.com/8ff/watchpost/pkg/notify"
	"github.com/8ff/watchpost/pkg/preview"
	"github.com/8ff/watchpost/pkg/recorder"
	"github.com/8ff/watchpost/pkg/timelapse"
)

// Source is satisfied by capture.Source.
type Source interface {
	Run(ctx context.Context, publish func(frameBuffer.Frame)) error
}

type Config struct {
	Camera string
	// QueueDepth bounds the frames waiting for the detector.
	QueueDepth int
	// Watchdog is how long processing waits for a frame before checking the session
	// timeout on its own.
	Watchdog time.Duration
	// StatsInterval is how often the average fps is reported.
	StatsInterval time.Duration
}

// timingStats is the part of prettyTimer the pipeline uses.
type timingStats interface {
	Start()
	Finish()
	PrintStats()
}

type Pipeline struct {
	cfg       Config
	source    Source
	detector  FrameDetector
	rec       *recorder.Recorder
	timelapse *timelapse.Controller
	preview   *preview.Preview
	events    notify.Publisher
	hub       *notify.Hub
	log       *zerolog.Logger
	now       func() time.Time

	queue   *frameBuffer.Queue
	mailbox *frameBuffer.Mailbox

	timer       timingStats
	statsStart  time.Time
	statsFrames int
	detectErrs  uint64
}

type Options struct {
	// Timelapse and Preview are optional.
	Timelapse *timelapse.Controller
	Preview   *preview.Preview
	// Hub is served at /events by the preview server.
	Hub    *notify.Hub
	Events notify.Publisher
	Log    *zerolog.Logger
}

func New(cfg Config, src Source, det FrameDetector, rec *recorder.Recorder, opt Options) *Pipeline {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Minute
	}
	if opt.Events == nil {
		opt.Events = notify.PublisherFunc(func(notify.Event) {})
	}
	if opt.Log == nil {
		l := zerolog.Nop()
		opt.Log = &l
	}
	p := &Pipeline{
		cfg:       cfg,
		source:    src,
		detector:  det,
		rec:       rec,
		timelapse: opt.Timelapse,
		preview:   opt.Preview,
		hub:       opt.Hub,
		events:    opt.Events,
		log:       opt.Log,
		now:       time.Now,
		queue:     frameBuffer.NewQueue(cfg.QueueDepth),
		timer:     prettyTimer.NewTimingStats(),
	}
	if p.timelapse != nil {
		p.mailbox = frameBuffer.NewMailbox()
	}
	return p
}

// Run starts acquisition, processing and the optional timelapse and preview goroutines,
// and blocks until ctx ends or one of them fails. The open session and timelapse segment
// are finalized before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer p.queue.Close()
		if p.mailbox != nil {
			defer p.mailbox.Close()
		}
		return p.source.Run(gctx, p.publish)
	})

	g.Go(func() error {
		return p.process(gctx)
	})

	if p.timelapse != nil {
		g.Go(func() error {
			return p.timelapse.Run(gctx, p.mailbox)
		})
	}

	if p.preview != nil {
		g.Go(func() error {
			p.preview.Run(gctx)
			return nil
		})
		g.Go(func() error {
			if p.hub == nil {
				return p.preview.Serve(gctx, nil)
			}
			return p.preview.Serve(gctx, p.hub)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// publish runs on the acquisition goroutine and never blocks. Every frame reaches the
// recorder's ring; only the detector queue drops frames.
func (p *Pipeline) publish(f frameBuffer.Frame) {
	p.rec.Feed(f)
	if p.queue.Put(f) {
		p.log.Debug().Uint64("seq", f.Seq).Msg("detector behind, dropped oldest queued frame")
	}
	if p.mailbox != nil {
		p.mailbox.Put(f)
	}
}

func (p *Pipeline) process(ctx context.Context) error {
	defer p.rec.Shutdown()
	p.statsStart = p.now()

	for {
		wait, cancel := context.WithTimeout(ctx, p.cfg.Watchdog)
		f, ok := p.queue.Get(wait)
		timedOut := wait.Err() == context.DeadlineExceeded
		cancel()

		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			if !timedOut {
				// queue closed
				return nil
			}
			p.rec.Tick(p.now())
			p.maybeReport()
			continue
		}
		p.handle(f)
		p.maybeReport()
	}
}

func (p *Pipeline) handle(f frameBuffer.Frame) {
	p.timer.Start()
	dets, err := p.detector.Detect(f)
	if err != nil {
		p.detectErrs++
		if p.detectErrs == 1 || p.detectErrs%100 == 0 {
			p.log.Error().Err(err).Uint64("errors", p.detectErrs).Msg("detection failed")
		}
	}

	p.rec.Process(f, dets)
	if p.preview != nil {
		p.preview.Offer(f, dets, p.rec.Recording())
	}
	p.timer.Finish()
	p.statsFrames++
}

func (p *Pipeline) maybeReport() {
	now := p.now()
	elapsed := now.Sub(p.statsStart)
	if elapsed < p.cfg.StatsInterval {
		return
	}
	fps := float64(p.statsFrames) / elapsed.Seconds()
	p.log.Info().
		Str("camera", p.cfg.Camera).
		Float64("fps", fps).
		Uint64("dropped", p.queue.Dropped()).
		Msgf("Average fps = %.1f", fps)
	if p.log.GetLevel() <= zerolog.DebugLevel {
		p.timer.PrintStats()
	}
	p.events.Publish(notify.Event{
		Type:       notify.EventFpsReport,
		Timestamp:  now,
		CameraName: p.cfg.Camera,
		Frames:     p.statsFrames,
		Fps:        fps,
	})

	p.timer = prettyTimer.NewTimingStats()
	p.statsStart = now
	p.statsFrames = 0
}

func (p *Pipeline) Queue() *frameBuffer.Queue { return p.queue }
