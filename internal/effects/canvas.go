package effects

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/math/f64"
	"golang.org/x/image/vector"
)

var identity = f64.Aff3{1, 0, 0, 0, 1, 0}

// Canvas rasterizes filled shapes onto an RGBA buffer through a transform stack.
// Callers pair every Save with a deferred Restore.
type Canvas struct {
	dst   *image.RGBA
	cur   f64.Aff3
	stack []f64.Aff3
}

func NewCanvas(dst *image.RGBA) *Canvas {
	return &Canvas{dst: dst, cur: identity}
}

// Save pushes the current transform.
func (c *Canvas) Save() {
	c.stack = append(c.stack, c.cur)
}

// Restore pops the transform pushed by the matching Save.
func (c *Canvas) Restore() {
	if len(c.stack) == 0 {
		c.cur = identity
		return
	}
	c.cur = c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
}

// Depth is the number of saved transforms not yet restored.
func (c *Canvas) Depth() int { return len(c.stack) }

// Transform returns the current transform matrix.
func (c *Canvas) Transform() f64.Aff3 { return c.cur }

func (c *Canvas) Translate(tx, ty float64) {
	c.cur = mul(c.cur, f64.Aff3{1, 0, tx, 0, 1, ty})
}

// Rotate turns subsequent drawing by theta radians around the current origin.
func (c *Canvas) Rotate(theta float64) {
	sin, cos := math.Sincos(theta)
	c.cur = mul(c.cur, f64.Aff3{cos, -sin, 0, sin, cos, 0})
}

// FillRect fills the rectangle (x, y, w, h) given in the current transform's space.
// Only the bounding box of the transformed rectangle is rasterized.
func (c *Canvas) FillRect(x, y, w, h float64, col color.Color) {
	b := c.dst.Bounds()
	if b.Empty() || w <= 0 || h <= 0 {
		return
	}

	corners := [4][2]float64{{x, y}, {x + w, y}, {x + w, y + h}, {x, y + h}}
	var pts [4][2]float64
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i, p := range corners {
		px, py := c.apply(p[0], p[1])
		pts[i] = [2]float64{px, py}
		minX, maxX = min(minX, px), max(maxX, px)
		minY, maxY = min(minY, py), max(maxY, py)
	}

	bb := image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX)), int(math.Ceil(maxY)),
	).Intersect(b)
	if bb.Empty() {
		return
	}

	r := vector.NewRasterizer(bb.Dx(), bb.Dy())
	ox, oy := float64(bb.Min.X), float64(bb.Min.Y)
	for i, p := range pts {
		if i == 0 {
			r.MoveTo(float32(p[0]-ox), float32(p[1]-oy))
			continue
		}
		r.LineTo(float32(p[0]-ox), float32(p[1]-oy))
	}
	r.ClosePath()
	r.Draw(c.dst, bb, image.NewUniform(col), image.Point{})
}

func (c *Canvas) apply(x, y float64) (float64, float64) {
	m := c.cur
	return m[0]*x + m[1]*y + m[2], m[3]*x + m[4]*y + m[5]
}

// mul returns a∘b: b is applied first, matching how canvas transforms compose.
func mul(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3],
		a[0]*b[1] + a[1]*b[4],
		a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3],
		a[3]*b[1] + a[4]*b[4],
		a[3]*b[2] + a[4]*b[5] + a[5],
	}
}
