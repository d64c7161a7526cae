package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorSafe     = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	colorViolate  = color.RGBA{R: 220, G: 0, B: 0, A: 255}
	colorChecking = color.RGBA{R: 255, G: 140, B: 0, A: 255}
	colorText     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const boxThickness = 2

func trackColor(track TrackInfo) color.RGBA {
	switch {
	case !track.Class.IsViolation():
		return colorSafe
	case track.Checking:
		return colorChecking
	default:
		return colorViolate
	}
}

func trackLabel(track TrackInfo) string {
	return fmt.Sprintf("ID: %d (%s, %s)", track.TrackID, track.Name, track.Class)
}

// annotate draws box and label of a track
func annotate(canvas *image.RGBA, track TrackInfo) {
	c := trackColor(track)
	rect := track.BBox.ImageRect().Intersect(canvas.Bounds())
	if rect.Empty() {
		return
	}
	drawBox(canvas, rect, c)
	drawLabel(canvas, rect.Min, trackLabel(track), c)
}

func drawBox(canvas *image.RGBA, rect image.Rectangle, c color.RGBA) {
	src := &image.Uniform{C: c}
	t := boxThickness
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+t),
		image.Rect(rect.Min.X, rect.Max.Y-t, rect.Max.X, rect.Max.Y),
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+t, rect.Max.Y),
		image.Rect(rect.Max.X-t, rect.Min.Y, rect.Max.X, rect.Max.Y),
	}
	for _, edge := range edges {
		draw.Draw(canvas, edge.Intersect(rect), src, image.Point{}, draw.Src)
	}
}

// drawLabel writes text on a filled background above the box (inside it when there is no room)
func drawLabel(canvas *image.RGBA, anchor image.Point, text string, background color.RGBA) {
	face := basicfont.Face7x13
	drawer := &font.Drawer{
		Dst:  canvas,
		Src:  &image.Uniform{C: colorText},
		Face: face,
	}
	width := drawer.MeasureString(text).Ceil()
	metrics := face.Metrics()
	height := (metrics.Ascent + metrics.Descent).Ceil() + 2
	top := anchor.Y - height
	if top < canvas.Bounds().Min.Y {
		top = anchor.Y
	}
	bg := image.Rect(anchor.X, top, anchor.X+width+4, top+height).Intersect(canvas.Bounds())
	draw.Draw(canvas, bg, &image.Uniform{C: background}, image.Point{}, draw.Src)
	drawer.Dot = fixed.Point26_6{
		X: fixed.I(anchor.X + 2),
		Y: fixed.I(top+1) + metrics.Ascent,
	}
	drawer.DrawString(text)
}
