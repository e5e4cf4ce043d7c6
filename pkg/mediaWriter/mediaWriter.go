package mediaWriter

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/8ff/watchpost/pkg/frameBuffer"
)

var ErrClosed = errors.New("writer closed")

// Sink is one video output. A Sink is opened once, receives frames in order and is
// closed once; sinks are never shared between sessions or segments.
type Sink interface {
	Open(path string) error
	Append(f frameBuffer.Frame) error
	Close() error
}

// SinkFactory builds a fresh Sink for every session or segment.
type SinkFactory func() Sink

type StillWriter interface {
	WriteStill(path string, f frameBuffer.Frame) error
}

// FFmpegVideo pipes JPEG encoded frames into an ffmpeg process that encodes the file.
type FFmpegVideo struct {
	FPS     float64
	Quality int
	Codec   string // defaults to libx264

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	buf    *bufio.Writer
	stderr bytes.Buffer
	path   string
}

func NewFFmpegFactory(fps float64) SinkFactory {
	return func() Sink {
		return &FFmpegVideo{FPS: fps, Quality: 90}
	}
}

func (v *FFmpegVideo) Open(path string) error {
	if v.cmd != nil {
		return fmt.Errorf("ffmpeg video %s: already open", v.path)
	}
	fps := v.FPS
	if fps <= 0 {
		fps = 15
	}
	codec := v.Codec
	if codec == "" {
		codec = "libx264"
	}

	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "image2pipe",
		"-framerate", strconv.FormatFloat(fps, 'f', 3, 64),
		"-c:v", "mjpeg",
		"-i", "-",
		"-c:v", codec,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		path,
	)
	cmd.Stderr = &v.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg for %s: %w", path, err)
	}
	v.cmd = cmd
	v.stdin = stdin
	v.buf = bufio.NewWriterSize(stdin, 1<<20)
	v.path = path
	return nil
}

func (v *FFmpegVideo) Append(f frameBuffer.Frame) error {
	if v.cmd == nil {
		return ErrClosed
	}
	quality := v.Quality
	if quality <= 0 {
		quality = 90
	}
	if err := jpeg.Encode(v.buf, f.Image, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("ffmpeg video %s: frame %d: %w", v.path, f.Seq, err)
	}
	return nil
}

func (v *FFmpegVideo) Close() error {
	if v.cmd == nil {
		return ErrClosed
	}
	flushErr := v.buf.Flush()
	v.stdin.Close()
	waitErr := v.cmd.Wait()
	v.cmd = nil
	if waitErr != nil {
		return fmt.Errorf("ffmpeg video %s: %w: %s", v.path, waitErr, v.stderr.String())
	}
	if flushErr != nil {
		return fmt.Errorf("ffmpeg video %s: flush: %w", v.path, flushErr)
	}
	return nil
}

// JPEGStills writes single frames as JPEG files.
type JPEGStills struct {
	Quality int
}

func (s JPEGStills) WriteStill(path string, f frameBuffer.Frame) error {
	if f.Image == nil {
		return fmt.Errorf("still %s: empty frame", path)
	}
	return SaveJPEG(path, f.Image, s.Quality)
}

// SaveJPEG writes img next to path and renames it into place, so readers never see a
// half written image.
func SaveJPEG(path string, img image.Image, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = 100
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".still-*.jpg")
	if err != nil {
		return fmt.Errorf("create still %s: %w", path, err)
	}
	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: quality}); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode still %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close still %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename still %s: %w", path, err)
	}
	return nil
}

// TimestampLayout is embedded in every artifact name so sessions and segments never
// collide, across restarts included.
const TimestampLayout = "20060102-150405"

// ArtifactPath builds <dir>/<camera><timestamp><suffix>.
func ArtifactPath(dir, camera string, t time.Time, suffix string) string {
	return filepath.Join(dir, camera+t.Format(TimestampLayout)+suffix)
}
