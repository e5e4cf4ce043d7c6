package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/8ff/watchpost/pkg/frameBuffer"
)

var (
	pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	pngTrailer   = []byte{0x49, 0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82}
)

// MaxFrameBytes bounds a single encoded frame. Anything larger is treated as garbage and
// skipped up to the next PNG signature.
const MaxFrameBytes = 32 << 20

var ErrFrameTooLarge = errors.New("encoded frame too large")

// Feed produces a byte stream of concatenated PNG images. Closing the reader stops the
// producer and reports how it exited.
type Feed interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// FFmpegFeed decodes a stream URL with ffmpeg into an image2pipe of PNG frames.
type FFmpegFeed struct {
	URL string
	// SelectEvery keeps one decoded frame out of n. Values below 2 keep every frame.
	SelectEvery int
}

func (f FFmpegFeed) Args() []string {
	args := []string{"-rtsp_transport", "tcp", "-re", "-i", f.URL, "-analyzeduration", "1000000", "-probesize", "1000000"}
	if f.SelectEvery > 1 {
		args = append(args, "-vf", fmt.Sprintf(`select=not(mod(n\,%d))`, f.SelectEvery))
	}
	return append(args, "-fps_mode", "vfr", "-c:v", "png", "-f", "image2pipe", "-")
}

func (f FFmpegFeed) Open(ctx context.Context) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", f.Args()...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &ffmpegPipe{ReadCloser: pipe, cmd: cmd, stderr: stderr}, nil
}

type ffmpegPipe struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (p *ffmpegPipe) Close() error {
	p.ReadCloser.Close()
	if err := p.cmd.Wait(); err != nil {
		if p.stderr.Len() > 0 {
			return fmt.Errorf("ffmpeg exited: %w: %s", err, lastLine(p.stderr.Bytes()))
		}
		return fmt.Errorf("ffmpeg exited: %w", err)
	}
	return nil
}

func lastLine(b []byte) string {
	b = bytes.TrimRight(b, "\r\n")
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	return string(b)
}

// Splitter cuts a byte stream into whole PNG images by looking for the signature and the
// IEND trailer.
type Splitter struct {
	r   *bufio.Reader
	buf []byte
	max int
	// scanned is how far past the signature the trailer search already looked.
	scanned int
}

func NewSplitter(r io.Reader) *Splitter {
	return &Splitter{r: bufio.NewReaderSize(r, 64<<10), max: MaxFrameBytes}
}

// Next returns the next complete PNG. Bytes before a signature are discarded. A frame
// that grows beyond the size limit is dropped and ErrFrameTooLarge is returned; the caller
// may keep calling Next.
func (s *Splitter) Next() ([]byte, error) {
	chunk := make([]byte, 32<<10)
	for {
		if start := bytes.Index(s.buf, pngSignature); start >= 0 {
			if start > 0 {
				s.buf = s.buf[start:]
				s.scanned = 0
			}
			from := max(len(pngSignature), s.scanned-len(pngTrailer)+1)
			if end := bytes.Index(s.buf[from:], pngTrailer); end >= 0 {
				end += from + len(pngTrailer)
				if end > s.max {
					return nil, s.skip()
				}
				frame := make([]byte, end)
				copy(frame, s.buf[:end])
				s.buf = s.buf[end:]
				s.scanned = 0
				return frame, nil
			}
			s.scanned = len(s.buf)
		} else if len(s.buf) >= len(pngSignature) {
			// keep a possible partial signature
			s.buf = s.buf[len(s.buf)-len(pngSignature)+1:]
		}

		if len(s.buf) > s.max {
			return nil, s.skip()
		}

		n, err := s.r.Read(chunk)
		s.buf = append(s.buf, chunk[:n]...)
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				continue
			}
			return nil, err
		}
	}
}

// skip drops the frame at the head of the buffer up to the next signature.
func (s *Splitter) skip() error {
	if next := bytes.Index(s.buf[1:], pngSignature); next >= 0 {
		s.buf = s.buf[next+1:]
	} else {
		s.buf = s.buf[:0]
	}
	s.scanned = 0
	return ErrFrameTooLarge
}

// Source reads frames from a Feed, stamps them and hands them to the publish callback. It
// restarts the feed after RestartDelay whenever the stream ends or fails.
type Source struct {
	Feed         Feed
	RestartDelay time.Duration
	Now          func() time.Time

	log     *zerolog.Logger
	seq     atomic.Uint64
	decoded atomic.Uint64
	failed  atomic.Uint64
	restart atomic.Uint64
}

func NewSource(feed Feed, log *zerolog.Logger) *Source {
	return &Source{Feed: feed, RestartDelay: 5 * time.Second, Now: time.Now, log: log}
}

// Run blocks until ctx is cancelled. publish must not block.
func (s *Source) Run(ctx context.Context, publish func(frameBuffer.Frame)) error {
	for {
		err := s.runOnce(ctx, publish)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Error().Err(err).Msg("Stream failed")
		} else {
			s.log.Warn().Msg("Stream ended")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.RestartDelay):
		}
		s.restart.Add(1)
		s.log.Warn().Msg("Restarting stream feed")
	}
}

func (s *Source) runOnce(ctx context.Context, publish func(frameBuffer.Frame)) error {
	rc, err := s.Feed.Open(ctx)
	if err != nil {
		return err
	}

	readErr := s.read(rc, publish)
	closeErr := rc.Close()
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return readErr
	}
	return closeErr
}

func (s *Source) read(r io.Reader, publish func(frameBuffer.Frame)) error {
	sp := NewSplitter(r)
	for {
		data, err := sp.Next()
		if errors.Is(err, ErrFrameTooLarge) {
			s.failed.Add(1)
			s.log.Warn().Msg("Skipping oversized frame")
			continue
		}
		if err != nil {
			return err
		}

		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			s.failed.Add(1)
			s.log.Error().Err(err).Msg("Failed to decode PNG")
			continue
		}
		s.decoded.Add(1)
		publish(frameBuffer.Frame{Image: img, Seq: s.seq.Add(1), Time: s.Now()})
	}
}

func (s *Source) Decoded() uint64  { return s.decoded.Load() }
func (s *Source) Failed() uint64   { return s.failed.Load() }
func (s *Source) Restarts() uint64 { return s.restart.Load() }

// StreamParams is what the pipeline needs to know about the stream up front.
type StreamParams struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
}

func (p StreamParams) IsZero() bool {
	return p.Width == 0 || p.Height == 0 || p.FPS == 0
}

type Stream struct {
	Width      int
	Height     int
	CodecType  string
	CodecName  string
	RFrameRate float64
}

type StreamInfo struct {
	Streams []Stream
}

// Video returns the first video stream.
func (si StreamInfo) Video() (Stream, bool) {
	for _, s := range si.Streams {
		if s.CodecType == "video" {
			return s, true
		}
	}
	return Stream{}, false
}

func (s Stream) Params() StreamParams {
	return StreamParams{Width: s.Width, Height: s.Height, FPS: s.RFrameRate}
}

// GetStreamInfo runs ffprobe against url.
func GetStreamInfo(ctx context.Context, url string) (StreamInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe", "-rtsp_transport", "tcp", "-v", "quiet", "-print_format", "json", "-show_streams", url)
	output, err := cmd.Output()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("ffprobe %s: %w", url, err)
	}
	return ParseStreamInfo(output)
}

// ParseStreamInfo decodes ffprobe -show_streams JSON. Streams without dimensions are
// skipped.
func ParseStreamInfo(output []byte) (StreamInfo, error) {
	var rawInfo struct {
		Streams []struct {
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			CodecType  string `json:"codec_type"`
			CodecName  string `json:"codec_name"`
			RFrameRate string `json:"r_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &rawInfo); err != nil {
		return StreamInfo{}, err
	}

	var info StreamInfo
	for _, stream := range rawInfo.Streams {
		if stream.Width == 0 || stream.Height == 0 {
			continue
		}
		fps, err := ParseFrameRate(stream.RFrameRate)
		if err != nil {
			return StreamInfo{}, err
		}
		info.Streams = append(info.Streams, Stream{
			Width:      stream.Width,
			Height:     stream.Height,
			CodecType:  stream.CodecType,
			CodecName:  stream.CodecName,
			RFrameRate: fps,
		})
	}
	return info, nil
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func ParseFrameRate(s string) (float64, error) {
	num, den, found := bytes.Cut([]byte(s), []byte("/"))
	n, err := strconv.ParseFloat(string(num), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate: %s", s)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(string(den), 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid frame rate: %s", s)
	}
	return n / d, nil
}

// CheckFFmpegAndFFprobe verifies both binaries are on PATH.
func CheckFFmpegAndFFprobe() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg binary not found (PATH=%s): %w", os.Getenv("PATH"), err)
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return fmt.Errorf("ffprobe binary not found (PATH=%s): %w", os.Getenv("PATH"), err)
	}
	return nil
}
