package mot

import (
	"image"
	"math"
	"testing"
)

const (
	eps = 0.00001
)

func TestRectFromCorners(t *testing.T) {
	rect := NewRectFromCorners(10, 20, 40, 60)
	if rect != (Rectangle{X: 10, Y: 20, Width: 30, Height: 40}) {
		t.Errorf("Wrong rectangle: %+v", rect)
	}
	x1, y1, x2, y2 := rect.Corners()
	if x1 != 10 || y1 != 20 || x2 != 40 || y2 != 60 {
		t.Errorf("Wrong corners: %v %v %v %v", x1, y1, x2, y2)
	}
	if rect.ImageRect() != image.Rect(10, 20, 40, 60) {
		t.Errorf("Wrong image rectangle: %v", rect.ImageRect())
	}
	if rect.Center() != (Point{X: 25, Y: 40}) {
		t.Errorf("Wrong center: %v", rect.Center())
	}
}

func TestIoU(t *testing.T) {
	r := Rectangle{X: 0, Y: 0, Width: 10, Height: 10}
	if math.Abs(IoU(r, r)-1.0) > eps {
		t.Errorf("Self IoU should be 1, got %f", IoU(r, r))
	}
	half := Rectangle{X: 5, Y: 0, Width: 10, Height: 10}
	if math.Abs(IoU(r, half)-50.0/150.0) > eps {
		t.Errorf("Wrong IoU: %f", IoU(r, half))
	}
	if IoU(r, half) != IoU(half, r) {
		t.Error("IoU should be symmetric")
	}
	if IoU(r, Rectangle{X: 20, Y: 20, Width: 5, Height: 5}) != 0 {
		t.Error("Disjoint rectangles should have zero IoU")
	}
	if IoU(r, Rectangle{X: 1, Y: 1, Width: 0, Height: 5}) != 0 {
		t.Error("Degenerate rectangle should have zero IoU")
	}
}
