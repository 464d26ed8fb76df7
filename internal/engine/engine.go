package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/effects"
	"github.com/andresmejia3/veil/internal/imageio"
	"github.com/andresmejia3/veil/internal/log"
	"github.com/andresmejia3/veil/internal/params"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// Detector finds faces in an image. Implementations drop detections scoring below
// minConfidence themselves and must treat img as read-only.
type Detector interface {
	Detect(ctx context.Context, img image.Image, minConfidence float64) ([]types.FaceDetection, error)
}

// Result is the outcome of a completed pass.
type Result struct {
	RunID         string
	Image         *image.RGBA
	Effect        params.EffectType
	MinConfidence float64
	Detections    []types.FaceDetection
	Warnings      []FaceWarning
}

// Engine runs apply passes one at a time. Starting a pass while another is in flight
// cancels the older one, which then returns ErrSuperseded.
type Engine struct {
	detector      Detector
	log           *logrus.Logger
	detectTimeout time.Duration
	observer      func(from, to State)

	mu      sync.Mutex
	state   State
	lastErr error
	gen     uint64
	cancel  context.CancelFunc
}

type Option func(*Engine)

func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithDetectTimeout bounds each detector call. Zero means no limit.
func WithDetectTimeout(d time.Duration) Option {
	return func(e *Engine) { e.detectTimeout = d }
}

// WithObserver registers a callback for every state transition. It runs with the
// engine lock held and must not call back into the engine.
func WithObserver(fn func(from, to State)) Option {
	return func(e *Engine) { e.observer = fn }
}

func New(d Detector, opts ...Option) *Engine {
	e := &Engine{detector: d, log: log.Discard(), state: Idle}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current orchestrator state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastError returns the error that moved the engine into Error, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// pass identifies one Apply call.
type pass struct {
	gen   uint64
	runID string
	log   *logrus.Entry
}

func (e *Engine) begin(ctx context.Context) (context.Context, *pass, context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Ready() {
		e.log.WithField("state", e.state).Debug("superseding in-flight pass")
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.gen++
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	runID := uuid.NewString()
	return ctx, &pass{gen: e.gen, runID: runID, log: e.log.WithField("run_id", runID)}, cancel
}

func (e *Engine) setState(next State) {
	prev := e.state
	e.state = next
	if e.observer != nil {
		e.observer(prev, next)
	}
}

// transition moves to next if p is still the newest pass.
func (e *Engine) transition(p *pass, next State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.gen != e.gen {
		return false
	}
	p.log.WithFields(log.Fields{"from": e.state, "to": next}).Debug("state transition")
	e.setState(next)
	return true
}

// finish ends p in Done or Error. It reports false if p was superseded.
func (e *Engine) finish(p *pass, next State, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.gen != e.gen {
		return false
	}
	p.log.WithFields(log.Fields{"from": e.state, "to": next}).Debug("state transition")
	e.setState(next)
	e.lastErr = err
	e.cancel = nil
	return true
}

func (e *Engine) current(p *pass) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return p.gen == e.gen
}

// Apply detects faces in src and applies the selected effect to each of them.
// src is copied; the returned image is owned by the caller.
func (e *Engine) Apply(ctx context.Context, src image.Image, p params.Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ctx, ps, cancel := e.begin(ctx)
	defer cancel()

	if src == nil || src.Bounds().Empty() {
		err := fmt.Errorf("%w: empty image", imageio.ErrDecode)
		if !e.finish(ps, Error, err) {
			return nil, ErrSuperseded
		}
		return nil, err
	}
	return e.run(ctx, ps, src, p)
}

// ApplyReader decodes r and runs a pass on the result. Decode failures are
// reported before the detector is called.
func (e *Engine) ApplyReader(ctx context.Context, r io.Reader, p params.Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ctx, ps, cancel := e.begin(ctx)
	defer cancel()

	src, _, err := imageio.Decode(r)
	if err != nil {
		ps.log.WithError(err).Warn("decode failed")
		if !e.finish(ps, Error, err) {
			return nil, ErrSuperseded
		}
		return nil, err
	}
	return e.run(ctx, ps, src, p)
}

func (e *Engine) run(ctx context.Context, ps *pass, src image.Image, p params.Params) (*Result, error) {
	if !e.transition(ps, Detecting) {
		return nil, ErrSuperseded
	}

	canvas := toRGBA(src)
	minConf := p.MinConfidence()

	faces, err := e.detect(ctx, canvas, minConf)
	if !e.current(ps) {
		return nil, ErrSuperseded
	}
	if err != nil {
		derr := &DetectionError{Err: err}
		ps.log.WithError(err).Error("detection failed")
		if !e.finish(ps, Error, derr) {
			return nil, ErrSuperseded
		}
		return nil, derr
	}

	res := &Result{
		RunID:         ps.runID,
		Image:         canvas,
		Effect:        p.Effect,
		MinConfidence: minConf,
		Detections:    faces,
	}

	if len(faces) > 0 {
		if !e.transition(ps, Applying) {
			return nil, ErrSuperseded
		}
		for i, face := range faces {
			if err := ctx.Err(); err != nil {
				if !e.finish(ps, Error, err) {
					return nil, ErrSuperseded
				}
				return nil, fmt.Errorf("apply interrupted at face %d: %w", i, err)
			}
			if err := applyFace(canvas, face, p); err != nil {
				if errors.Is(err, effects.ErrMissingLandmarks) {
					ps.log.WithField("face", i).Warn("skipping face without eye landmarks")
					res.Warnings = append(res.Warnings, FaceWarning{Index: i, Err: err})
					continue
				}
				if !e.finish(ps, Error, err) {
					return nil, ErrSuperseded
				}
				return nil, err
			}
		}
	}

	if !e.finish(ps, Done, nil) {
		return nil, ErrSuperseded
	}
	ps.log.WithFields(log.Fields{
		"effect":         p.Effect,
		"faces":          len(faces),
		"warnings":       len(res.Warnings),
		"min_confidence": minConf,
	}).Info("apply finished")
	return res, nil
}

func (e *Engine) detect(ctx context.Context, img image.Image, minConf float64) ([]types.FaceDetection, error) {
	if e.detectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.detectTimeout)
		defer cancel()
	}
	return e.detector.Detect(ctx, img, minConf)
}

func applyFace(img *image.RGBA, face types.FaceDetection, p params.Params) error {
	switch p.Effect {
	case params.Mosaic:
		effects.Mosaic(img, face.Box.Rect(), p.MosaicCellSize)
	case params.Blur:
		effects.Blur(img, face.Box.Rect(), p.BlurRadius)
	case params.EyeCover:
		return effects.EyeCover(img, face.Landmarks, p.EyeCoverThickness, p.EyeCoverLengthPercent)
	default:
		return &params.ParameterError{Name: "effect", Value: p.Effect, Want: "one of mosaic, blur, eyeCover"}
	}
	return nil
}

// toRGBA copies src into a fresh RGBA buffer anchored at the origin.
func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
