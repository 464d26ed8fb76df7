package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput is returned when a helper is given a point set it cannot work with.
var ErrInvalidInput = errors.New("invalid geometry input")

// Point is a 2D point in image pixel space.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Centroid returns the arithmetic mean of the points.
func Centroid(points []Point) (Point, error) {
	if len(points) == 0 {
		return Point{}, fmt.Errorf("centroid of empty point set: %w", ErrInvalidInput)
	}
	var sx, sy float64
	for _, p := range points {
		sx += p.X
		sy += p.Y
	}
	n := float64(len(points))
	return Point{X: sx / n, Y: sy / n}, nil
}

// AngleBetween returns the angle in radians of the vector from p1 to p2.
func AngleBetween(p1, p2 Point) float64 {
	return math.Atan2(p2.Y-p1.Y, p2.X-p1.X)
}

// Distance is the Euclidean distance between two points.
func Distance(p1, p2 Point) float64 {
	return math.Hypot(p2.X-p1.X, p2.Y-p1.Y)
}

func Midpoint(p1, p2 Point) Point {
	return Point{X: (p1.X + p2.X) / 2, Y: (p1.Y + p2.Y) / 2}
}
