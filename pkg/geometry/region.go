package geometry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrRegion marks a malformed region definition.
var ErrRegion = errors.New("invalid region")

type Point struct {
	X float64
	Y float64
}

// Box is an axis aligned bounding box, (X1,Y1) top left and (X2,Y2) bottom right.
type Box struct {
	X1 float64
	Y1 float64
	X2 float64
	Y2 float64
}

func (b Box) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

func (b Box) Area() float64 {
	w, h := b.X2-b.X1, b.Y2-b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Rect rounds the box to pixel coordinates.
func (b Box) Rect() image.Rectangle {
	return image.Rect(round(b.X1), round(b.Y1), round(b.X2), round(b.Y2))
}

// Region is a closed polygon in original frame coordinates. The zero value is the
// default square centered in the frame.
type Region struct {
	Vertices []Point
}

// NewRegion validates a closed vertex list: first and last vertex identical and at
// least three distinct vertices.
func NewRegion(vertices []Point) (Region, error) {
	if len(vertices) < 4 {
		return Region{}, fmt.Errorf("%w: need at least 3 distinct vertices plus the closing vertex, got %d", ErrRegion, len(vertices))
	}
	if vertices[0] != vertices[len(vertices)-1] {
		return Region{}, fmt.Errorf("%w: first vertex %v and last vertex %v differ", ErrRegion, vertices[0], vertices[len(vertices)-1])
	}
	distinct := map[Point]struct{}{}
	for _, v := range vertices {
		distinct[v] = struct{}{}
	}
	if len(distinct) < 3 {
		return Region{}, fmt.Errorf("%w: need at least 3 distinct vertices, got %d", ErrRegion, len(distinct))
	}
	return Region{Vertices: append([]Point(nil), vertices...)}, nil
}

// IsDefault reports whether the region falls back to the central square.
func (r Region) IsDefault() bool {
	return len(r.Vertices) == 0
}

// Polygon returns the vertices evaluated for a frame of the given size.
func (r Region) Polygon(frameW, frameH int) []Point {
	if !r.IsDefault() {
		return r.Vertices
	}
	return DefaultSquare(frameW, frameH)
}

// Contains tests p with even-odd ray casting. Points on an edge get a deterministic but
// unspecified answer; self intersecting polygons are evaluated as given.
func (r Region) Contains(p Point, frameW, frameH int) bool {
	return polygonContains(r.Polygon(frameW, frameH), p)
}

// DefaultSquare is the closed square of side min(w,h) centered in the frame.
func DefaultSquare(frameW, frameH int) []Point {
	side := min(frameW, frameH)
	x0 := float64((frameW - side) / 2)
	y0 := float64((frameH - side) / 2)
	s := float64(side)
	return []Point{
		{x0, y0}, {x0 + s, y0}, {x0 + s, y0 + s}, {x0, y0 + s}, {x0, y0},
	}
}

func polygonContains(poly []Point, p Point) bool {
	inside := false
	j := len(poly) - 1
	for i := range poly {
		vi, vj := poly[i], poly[j]
		if (vi.Y > p.Y) != (vj.Y > p.Y) {
			crossX := vi.X + (p.Y-vi.Y)/(vj.Y-vi.Y)*(vj.X-vi.X)
			if p.X < crossX {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// ReadRegionFile loads a region file: a "x,y" header followed by one vertex per line.
func ReadRegionFile(path string) (Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return Region{}, fmt.Errorf("open region file: %w", err)
	}
	defer f.Close()

	r, err := ParseRegion(f)
	if err != nil {
		return Region{}, fmt.Errorf("region file %s: %w", path, err)
	}
	return r, nil
}

func ParseRegion(src io.Reader) (Region, error) {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return Region{}, fmt.Errorf("%w: reading header: %v", ErrRegion, err)
	}
	if strings.ToLower(strings.TrimSpace(header[0])) != "x" || strings.ToLower(strings.TrimSpace(header[1])) != "y" {
		return Region{}, fmt.Errorf("%w: header must be x,y, got %s", ErrRegion, strings.Join(header, ","))
	}

	var vertices []Point
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Region{}, fmt.Errorf("%w: %v", ErrRegion, err)
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if errX != nil || errY != nil {
			line, _ := cr.FieldPos(0)
			return Region{}, fmt.Errorf("%w: line %d: bad coordinate %q", ErrRegion, line, strings.Join(rec, ","))
		}
		vertices = append(vertices, Point{X: x, Y: y})
	}
	return NewRegion(vertices)
}

func round(v float64) int {
	if v < 0 {
		return int(v - 0.5)
	}
	return int(v + 0.5)
}
