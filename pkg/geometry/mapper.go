package geometry

import "image"

// CropMapper converts boxes between inference space (a square of Resolution pixels) and
// original frame space. The detector sees the centered square crop of the frame resized
// to Resolution, so mapping back scales by side/Resolution and offsets by the crop origin.
type CropMapper struct {
	FrameW     int
	FrameH     int
	Resolution int

	side  int
	origX int
	origY int
	scale float64
}

func NewCropMapper(frameW, frameH, resolution int) CropMapper {
	side := min(frameW, frameH)
	m := CropMapper{
		FrameW:     frameW,
		FrameH:     frameH,
		Resolution: resolution,
		side:       side,
		origX:      (frameW - side) / 2,
		origY:      (frameH - side) / 2,
	}
	if resolution > 0 {
		m.scale = float64(side) / float64(resolution)
	}
	return m
}

// Crop is the rectangle of the original frame fed to the detector.
func (m CropMapper) Crop() image.Rectangle {
	return image.Rect(m.origX, m.origY, m.origX+m.side, m.origY+m.side)
}

func (m CropMapper) Scale() float64 {
	return m.scale
}

// ToFrame maps an inference space box into original frame coordinates.
func (m CropMapper) ToFrame(b Box) Box {
	ox, oy := float64(m.origX), float64(m.origY)
	return Box{
		X1: b.X1*m.scale + ox,
		Y1: b.Y1*m.scale + oy,
		X2: b.X2*m.scale + ox,
		Y2: b.Y2*m.scale + oy,
	}
}

// ToInference is the inverse of ToFrame.
func (m CropMapper) ToInference(b Box) Box {
	if m.scale == 0 {
		return Box{}
	}
	ox, oy := float64(m.origX), float64(m.origY)
	return Box{
		X1: (b.X1 - ox) / m.scale,
		Y1: (b.Y1 - oy) / m.scale,
		X2: (b.X2 - ox) / m.scale,
		Y2: (b.Y2 - oy) / m.scale,
	}
}
