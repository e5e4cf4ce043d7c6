package objectPredict

import (
	"image"
	"image/color"
	"sync"

	"github.com/goki/freetype"
	"github.com/goki/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
)

var (
	fontOnce sync.Once
	labelFont *truetype.Font
	fontErr   error
)

func loadFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		labelFont, fontErr = freetype.ParseFont(goregular.TTF)
	})
	return labelFont, fontErr
}

// DrawRectangle draws a rectangle on an image
func DrawRectangle(img *image.RGBA, rect image.Rectangle, col color.Color, thickness int) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	for i := 0; i < thickness; i++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.Set(x, rect.Min.Y+i, col)   // Top border
			img.Set(x, rect.Max.Y-i-1, col) // Bottom border
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			img.Set(rect.Min.X+i, y, col)   // Left border
			img.Set(rect.Max.X-i-1, y, col) // Right border
		}
	}
}

// DrawLine draws a straight line with Bresenham's algorithm. Pixels outside the image
// are skipped.
func DrawLine(img *image.RGBA, from, to image.Point, col color.Color, thickness int) {
	dx, dy := abs(to.X-from.X), -abs(to.Y-from.Y)
	sx, sy := 1, 1
	if from.X > to.X {
		sx = -1
	}
	if from.Y > to.Y {
		sy = -1
	}
	err := dx + dy
	x, y := from.X, from.Y
	half := thickness / 2
	for {
		for ox := -half; ox <= half; ox++ {
			for oy := -half; oy <= half; oy++ {
				img.Set(x+ox, y+oy, col)
			}
		}
		if x == to.X && y == to.Y {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

// DrawPolygon connects consecutive points; the caller closes the shape by repeating
// the first point.
func DrawPolygon(img *image.RGBA, points []image.Point, col color.Color, thickness int) {
	for i := 1; i < len(points); i++ {
		DrawLine(img, points[i-1], points[i], col, thickness)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// AddLabelWithTTF adds a label to an image using a TrueType font
func AddLabelWithTTF(img draw.Image, text string, pt image.Point, textColor color.Color, fontSize float64) error {
	font, err := loadFont()
	if err != nil {
		return err
	}
	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(font)
	c.SetFontSize(fontSize)
	c.SetClip(img.Bounds())
	c.SetDst(img)
	c.SetSrc(image.NewUniform(textColor))

	_, err = c.DrawString(text, fixed.Point26_6{
		X: fixed.I(pt.X),
		Y: fixed.I(pt.Y),
	})
	return err
}
