package frameBuffer

import (
	"image"
	"time"
)

// Frame is one decoded image from the stream. Image must not be modified once the frame
// has been handed out; the ring, writers and preview all share it.
type Frame struct {
	Image image.Image
	Seq   uint64
	Time  time.Time
}

func (f Frame) IsZero() bool {
	return f.Image == nil
}

func (f Frame) Size() (int, int) {
	if f.Image == nil {
		return 0, 0
	}
	b := f.Image.Bounds()
	return b.Dx(), b.Dy()
}
