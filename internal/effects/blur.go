package effects

import (
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// Blur applies a Gaussian blur to rect in place. The radius is used as the standard
// deviation, the same convention as the CSS blur() filter. Only pixels inside rect
// are sampled, so background detail never bleeds into the face region.
func Blur(img *image.RGBA, rect image.Rectangle, radius int) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() || radius < 1 {
		return
	}

	// Crop copies the region, so the blur reads only pre-blur pixels.
	region := imaging.Crop(img, rect)
	blurred := imaging.Blur(region, float64(radius))

	draw.Draw(img, rect, blurred, image.Point{}, draw.Src)
}
