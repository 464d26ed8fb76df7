package types

import (
	"image"
	"math"

	"github.com/andresmejia3/veil/internal/geometry"
)

// ApplyTask represents a single input file queued for an apply run
type ApplyTask struct {
	Index int
	Path  string
}

// Box is a face bounding box in pixel coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect converts the box to the smallest integer rectangle that covers it.
func (b Box) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X)),
		int(math.Floor(b.Y)),
		int(math.Ceil(b.X+b.Width)),
		int(math.Ceil(b.Y+b.Height)),
	)
}

// Landmarks holds the eye contour points reported by a detector.
// Backends that only localize pupils report a single point per eye.
type Landmarks struct {
	LeftEye  []geometry.Point `json:"left_eye"`
	RightEye []geometry.Point `json:"right_eye"`
}

// HasEyes reports whether both eyes carry at least one point.
func (l *Landmarks) HasEyes() bool {
	return l != nil && len(l.LeftEye) > 0 && len(l.RightEye) > 0
}

// FaceDetection matches the JSON structure returned by every detector backend
type FaceDetection struct {
	Box        Box        `json:"box"`
	Confidence float64    `json:"confidence"`
	Landmarks  *Landmarks `json:"landmarks,omitempty"`
}

// FilterByConfidence drops detections scoring below minConfidence, keeping order.
func FilterByConfidence(faces []FaceDetection, minConfidence float64) []FaceDetection {
	kept := faces[:0:0]
	for _, f := range faces {
		if f.Confidence >= minConfidence {
			kept = append(kept, f)
		}
	}
	return kept
}
