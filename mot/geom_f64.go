package mot

import (
	"image"
	"math"
)

// Rectangle is an axis-aligned box: top-left corner plus size.
type Rectangle struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

func NewRect(x, y, width, height float64) Rectangle {
	return Rectangle{
		X:      x,
		Y:      y,
		Width:  width,
		Height: height,
	}
}

// NewRectFromCorners builds rectangle from detector-style (x1, y1, x2, y2) corners.
func NewRectFromCorners(x1, y1, x2, y2 float64) Rectangle {
	return Rectangle{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

func NewRectFrom(rect image.Rectangle) Rectangle {
	return Rectangle{
		X:      float64(rect.Min.X),
		Y:      float64(rect.Min.Y),
		Width:  float64(rect.Dx()),
		Height: float64(rect.Dy()),
	}
}

// Corners returns (x1, y1, x2, y2)
func (r Rectangle) Corners() (float64, float64, float64, float64) {
	return r.X, r.Y, r.X + r.Width, r.Y + r.Height
}

// Center returns rectangle's center point
func (r Rectangle) Center() Point {
	return Point{
		X: r.X + r.Width/2.0,
		Y: r.Y + r.Height/2.0,
	}
}

// Area returns rectangle's area. Degenerate rectangles have zero area.
func (r Rectangle) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// ImageRect converts rectangle to integer pixel bounds (rounded to nearest pixel).
func (r Rectangle) ImageRect() image.Rectangle {
	x1, y1, x2, y2 := r.Corners()
	return image.Rect(
		int(math.Round(x1)),
		int(math.Round(y1)),
		int(math.Round(x2)),
		int(math.Round(y2)),
	)
}

type Point struct {
	X float64
	Y float64
}

func NewPoint(x, y float64) Point {
	return Point{
		X: x,
		Y: y,
	}
}
