package effects

import "image"

// Mosaic pixelates rect in place. Each cellSize×cellSize cell takes the color of its
// top-left pixel; cells on the right and bottom edges are clipped to rect.
func Mosaic(img *image.RGBA, rect image.Rectangle, cellSize int) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	if cellSize < 1 {
		cellSize = 1
	}

	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y

	for y := rect.Min.Y; y < rect.Max.Y; y += cellSize {
		for x := rect.Min.X; x < rect.Max.X; x += cellSize {
			srcOff := (y-imgMinY)*stride + (x-imgMinX)*4
			r, g, b, a := pix[srcOff], pix[srcOff+1], pix[srcOff+2], pix[srcOff+3]

			x2 := min(x+cellSize, rect.Max.X)
			y2 := min(y+cellSize, rect.Max.Y)

			for cy := y; cy < y2; cy++ {
				rowStart := (cy - imgMinY) * stride
				for cx := x; cx < x2; cx++ {
					dstOff := rowStart + (cx-imgMinX)*4
					pix[dstOff] = r
					pix[dstOff+1] = g
					pix[dstOff+2] = b
					pix[dstOff+3] = a
				}
			}
		}
	}
}
