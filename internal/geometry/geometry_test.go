package geometry

import (
	"errors"
	"math"
	"testing"
)

const eps = 1e-9

func TestCentroid(t *testing.T) {
	tests := []struct {
		name    string
		points  []Point
		want    Point
		wantErr bool
	}{
		{
			name:   "Triangle",
			points: []Point{{0, 0}, {10, 0}, {5, 10}},
			want:   Point{X: 5, Y: 10.0 / 3.0},
		},
		{
			name:   "Single point",
			points: []Point{{7, -2}},
			want:   Point{X: 7, Y: -2},
		},
		{
			name:   "Six point eye contour",
			points: []Point{{0, 1}, {1, 0}, {2, 0}, {3, 1}, {2, 2}, {1, 2}},
			want:   Point{X: 1.5, Y: 1},
		},
		{
			name:    "Empty set",
			points:  nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Centroid(tt.points)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("Centroid() error = %v, want ErrInvalidInput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Centroid() unexpected error: %v", err)
			}
			if math.Abs(got.X-tt.want.X) > eps || math.Abs(got.Y-tt.want.Y) > eps {
				t.Errorf("Centroid() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAngleBetween(t *testing.T) {
	tests := []struct {
		name   string
		p1, p2 Point
		want   float64
	}{
		{"Horizontal", Point{0, 0}, Point{10, 0}, 0},
		{"Diagonal", Point{0, 0}, Point{10, 10}, math.Pi / 4},
		{"Vertical down", Point{3, 3}, Point{3, 8}, math.Pi / 2},
		{"Reversed", Point{10, 0}, Point{0, 0}, math.Pi},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AngleBetween(tt.p1, tt.p2); math.Abs(got-tt.want) > eps {
				t.Errorf("AngleBetween() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestDistanceAndMidpoint(t *testing.T) {
	a, b := Point{1, 2}, Point{4, 6}
	if d := Distance(a, b); math.Abs(d-5) > eps {
		t.Errorf("Distance() = %f, want 5", d)
	}
	if d := Distance(b, a); math.Abs(d-5) > eps {
		t.Errorf("Distance() is not symmetric, got %f", d)
	}
	m := Midpoint(a, b)
	if m.X != 2.5 || m.Y != 4 {
		t.Errorf("Midpoint() = %+v, want {2.5 4}", m)
	}
}
