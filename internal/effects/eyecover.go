package effects

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/andresmejia3/veil/internal/geometry"
	"github.com/andresmejia3/veil/internal/types"
)

// ErrMissingLandmarks means a face has no usable eye points for the eye cover.
var ErrMissingLandmarks = errors.New("missing eye landmarks")

// Bar is the rotated rectangle drawn across both eyes.
type Bar struct {
	Center    geometry.Point
	Angle     float64
	Length    float64
	Thickness float64
}

// ComputeBar places a bar over the eye centers. The bar runs parallel to the eye axis
// and its length is lengthPercent of the distance between the eye centers.
func ComputeBar(leftEye, rightEye []geometry.Point, thickness, lengthPercent int) (Bar, error) {
	left, err := geometry.Centroid(leftEye)
	if err != nil {
		return Bar{}, fmt.Errorf("left eye: %w", err)
	}
	right, err := geometry.Centroid(rightEye)
	if err != nil {
		return Bar{}, fmt.Errorf("right eye: %w", err)
	}

	return Bar{
		Center:    geometry.Midpoint(left, right),
		Angle:     geometry.AngleBetween(left, right),
		Length:    geometry.Distance(left, right) * float64(lengthPercent) / 100,
		Thickness: float64(thickness),
	}, nil
}

// Draw fills the bar in solid black.
func (b Bar) Draw(c *Canvas) {
	c.Save()
	defer c.Restore()

	c.Translate(b.Center.X, b.Center.Y)
	c.Rotate(b.Angle)
	c.FillRect(-b.Length/2, -b.Thickness/2, b.Length, b.Thickness, color.Black)
}

// EyeCover draws a black bar across the eyes of one face. It returns
// ErrMissingLandmarks and leaves img untouched when the face has no eye points.
func EyeCover(img *image.RGBA, lm *types.Landmarks, thickness, lengthPercent int) error {
	if !lm.HasEyes() {
		return ErrMissingLandmarks
	}
	bar, err := ComputeBar(lm.LeftEye, lm.RightEye, thickness, lengthPercent)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingLandmarks, err)
	}
	bar.Draw(NewCanvas(img))
	return nil
}
