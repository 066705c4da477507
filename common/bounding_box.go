package common

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
)

// Box is an annotation box in normalized (cx, cy, w, h) coordinates, the layout
// the D-FINE training targets use.
type Box [4]float32

// CX returns the normalized center x coordinate.
func (b Box) CX() float32 { return b[0] }

// CY returns the normalized center y coordinate.
func (b Box) CY() float32 { return b[1] }

// W returns the normalized width.
func (b Box) W() float32 { return b[2] }

// H returns the normalized height.
func (b Box) H() float32 { return b[3] }

func (b Box) String() string {
	return fmt.Sprintf("Box (cx %f, cy %f, w %f, h %f)", b[0], b[1], b[2], b[3])
}

// XYXY converts the box to corner coordinates in pixels of an image of the given size.
//
// Arguments:
//   - width: The image width in pixels.
//   - height: The image height in pixels.
//
// Returns:
//   - The x1, y1, x2, y2 corners, not clamped.
//
// @example
// box := Box{0.5, 0.5, 0.25, 0.5}
// x1, y1, x2, y2 := box.XYXY(640, 640) // 240, 160, 400, 480
func (b Box) XYXY(width, height int) (x1, y1, x2, y2 float32) {
	w := float32(width)
	h := float32(height)
	x1 = b[0]*w - b[2]*w/2
	y1 = b[1]*h - b[3]*h/2
	x2 = b[0]*w + b[2]*w/2
	y2 = b[1]*h + b[3]*h/2
	return x1, y1, x2, y2
}

// ToRect converts the box to an image.Rectangle clamped to the image bounds.
//
// This won't be entirely precise due to conversion to the integral rectangles
// from the image.Image library, but it is only used to draw diagnostics.
//
// Arguments:
//   - width: The image width in pixels.
//   - height: The image height in pixels.
//
// Returns:
//   - An image.Rectangle with canonicalized coordinates.
//
// @example
// rect := Box{0.5, 0.5, 0.25, 0.5}.ToRect(640, 640) // (240,160)-(400,480)
func (b Box) ToRect(width, height int) image.Rectangle {
	x1, y1, x2, y2 := b.XYXY(width, height)
	clamp := func(v, hi float32) int {
		return int(math32.Floor(math32.Max(0, math32.Min(v, hi))))
	}
	return image.Rect(
		clamp(x1, float32(width)),
		clamp(y1, float32(height)),
		clamp(x2, float32(width)),
		clamp(y2, float32(height)),
	).Canon()
}

// PixelArea returns the box area in pixels of an image of the given size.
//
// Arguments:
//   - width: The image width in pixels.
//   - height: The image height in pixels.
//
// Returns:
//   - The area in square pixels.
func (b Box) PixelArea(width, height int) float32 {
	return math32.Abs(b[2]*float32(width)) * math32.Abs(b[3]*float32(height))
}
