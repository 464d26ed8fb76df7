package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrDetection is wrapped by every DetectionError.
	ErrDetection = errors.New("face detection failed")
	// ErrSuperseded is returned by a pass that was overtaken by a newer Apply.
	// Its image is discarded.
	ErrSuperseded = errors.New("apply pass superseded by a newer request")
)

// DetectionError reports a detector call that failed or timed out.
type DetectionError struct {
	Err error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDetection, e.Err)
}

func (e *DetectionError) Unwrap() []error {
	return []error{ErrDetection, e.Err}
}

// FaceWarning records a face that was skipped without failing the pass.
type FaceWarning struct {
	Index int
	Err   error
}

func (w FaceWarning) String() string {
	return fmt.Sprintf("face %d: %v", w.Index, w.Err)
}
