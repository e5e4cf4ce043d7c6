package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hybridgroup/mjpeg"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"github.com/8ff/watchpost/pkg/frameBuffer"
	"github.com/8ff/watchpost/pkg/geometry"
	"github.com/8ff/watchpost/pkg/objectPredict"
	"github.com/8ff/watchpost/pkg/recorder"
)

var (
	inside   = color.RGBA{0, 255, 0, 255}
	outside  = color.RGBA{255, 0, 0, 255}
	outline  = color.RGBA{255, 165, 0, 255}
	recColor = color.RGBA{255, 0, 0, 255}
)

type Config struct {
	Addr   string
	Region geometry.Region
	// MaxWidth downscales wider frames before encoding. Zero keeps the frame size.
	MaxWidth int
	Quality  int
}

type item struct {
	frame     frameBuffer.Frame
	dets      []recorder.Detection
	recording bool
}

// Preview renders annotated frames and serves them as an MJPEG stream. Offer never
// blocks; frames that arrive while the encoder is busy replace the pending one.
type Preview struct {
	cfg    Config
	stream *mjpeg.Stream
	log    *zerolog.Logger

	mu      sync.Mutex
	pending *item
	wake    chan struct{}

	encoded atomic.Uint64
	skipped atomic.Uint64
}

func New(cfg Config, log *zerolog.Logger) *Preview {
	if cfg.Quality <= 0 {
		cfg.Quality = 75
	}
	return &Preview{
		cfg:    cfg,
		stream: mjpeg.NewStream(),
		log:    log,
		wake:   make(chan struct{}, 1),
	}
}

func (p *Preview) Offer(f frameBuffer.Frame, dets []recorder.Detection, recording bool) {
	p.mu.Lock()
	if p.pending != nil {
		p.skipped.Add(1)
	}
	p.pending = &item{frame: f, dets: dets, recording: recording}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run encodes pending frames until ctx ends.
func (p *Preview) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}

		p.mu.Lock()
		it := p.pending
		p.pending = nil
		p.mu.Unlock()
		if it == nil {
			continue
		}

		jpg, err := p.Render(it.frame, it.dets, it.recording)
		if err != nil {
			p.log.Error().Err(err).Uint64("seq", it.frame.Seq).Msg("Preview encode failed")
			continue
		}
		p.stream.UpdateJPEG(jpg)
		p.encoded.Add(1)
	}
}

// Render draws the annotations onto a copy of the frame and returns it as JPEG.
func (p *Preview) Render(f frameBuffer.Frame, dets []recorder.Detection, recording bool) ([]byte, error) {
	var img image.Image = Annotate(f, p.cfg.Region, dets, recording)
	if p.cfg.MaxWidth > 0 && img.Bounds().Dx() > p.cfg.MaxWidth {
		img = scale(img, p.cfg.MaxWidth)
	}
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: p.cfg.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Annotate returns a new RGBA image with the region outline and every detection box:
// green when its center lies inside the region, red otherwise. The frame itself is not
// touched.
func Annotate(f frameBuffer.Frame, region geometry.Region, dets []recorder.Detection, recording bool) *image.RGBA {
	b := f.Image.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), f.Image, b.Min, draw.Src)

	w, h := b.Dx(), b.Dy()
	poly := region.Polygon(w, h)
	pts := make([]image.Point, len(poly))
	for i, v := range poly {
		pts[i] = image.Pt(int(v.X+0.5), int(v.Y+0.5))
	}
	objectPredict.DrawPolygon(dst, pts, outline, 2)

	for _, d := range dets {
		col := outside
		if region.Contains(d.Box.Center(), w, h) {
			col = inside
		}
		rect := d.Box.Rect()
		objectPredict.DrawRectangle(dst, rect, col, 2)

		pt := image.Pt(rect.Min.X, rect.Min.Y-5)
		if rect.Min.Y-5 < 12 {
			pt = image.Pt(rect.Min.X, rect.Min.Y+15)
		}
		objectPredict.AddLabelWithTTF(dst, fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence), pt, col, 12)
	}

	if recording {
		objectPredict.AddLabelWithTTF(dst, "REC", image.Pt(8, 20), recColor, 16)
	}
	objectPredict.AddLabelWithTTF(dst, f.Time.Format(time.DateTime), image.Pt(8, h-8), color.White, 12)
	return dst
}

func scale(img image.Image, width int) *image.RGBA {
	b := img.Bounds()
	height := b.Dy() * width / b.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func (p *Preview) Encoded() uint64 { return p.encoded.Load() }
func (p *Preview) Skipped() uint64 { return p.skipped.Load() }

// Router serves the stream at / and /stream.mjpg, live events at /events when a hub is
// given, and a health probe.
func (p *Preview) Router(events http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if events != nil {
		r.Handle("/events", events)
	}
	r.Handle("/stream.mjpg", p.stream)
	r.Handle("/", p.stream)
	return r
}

// Serve listens on cfg.Addr until ctx ends.
func (p *Preview) Serve(ctx context.Context, events http.Handler) error {
	srv := &http.Server{
		Addr:              p.cfg.Addr,
		Handler:           p.Router(events),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	p.log.Info().Str("addr", p.cfg.Addr).Msg("Preview listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("preview server: %w", err)
	}
	return nil
}
