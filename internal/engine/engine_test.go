package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/effects"
	"github.com/andresmejia3/veil/internal/geometry"
	"github.com/andresmejia3/veil/internal/imageio"
	"github.com/andresmejia3/veil/internal/params"
	"github.com/andresmejia3/veil/internal/types"
)

// detectorFunc adapts a function to the Detector interface.
type detectorFunc func(ctx context.Context, img image.Image, minConfidence float64) ([]types.FaceDetection, error)

func (f detectorFunc) Detect(ctx context.Context, img image.Image, minConfidence float64) ([]types.FaceDetection, error) {
	return f(ctx, img, minConfidence)
}

// staticDetector always returns the same detections and counts calls.
type staticDetector struct {
	faces   []types.FaceDetection
	err     error
	calls   atomic.Int32
	minConf float64
}

func (s *staticDetector) Detect(ctx context.Context, img image.Image, minConfidence float64) ([]types.FaceDetection, error) {
	s.calls.Add(1)
	s.minConf = minConfidence
	return s.faces, s.err
}

func gradientImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 7), uint8(y * 5), uint8((x + y) * 3), 255})
		}
	}
	return img
}

func whiteImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return img
}

// recorder collects state transitions.
type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) observe(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, from.String()+"->"+to.String())
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.steps, ",")
}

func paramsFor(effect params.EffectType) params.Params {
	p := params.Default()
	p.Effect = effect
	return p
}

func TestApplyZeroDetections(t *testing.T) {
	for _, effect := range params.Effects {
		t.Run(string(effect), func(t *testing.T) {
			rec := &recorder{}
			eng := New(&staticDetector{}, WithObserver(rec.observe))
			src := gradientImage(32, 24)

			res, err := eng.Apply(context.Background(), src, paramsFor(effect))
			if err != nil {
				t.Fatalf("Apply() error: %v", err)
			}
			if !bytes.Equal(res.Image.Pix, src.Pix) {
				t.Error("output differs from input with no detections")
			}
			if eng.State() != Done {
				t.Errorf("State() = %v, want done", eng.State())
			}
			if got := rec.String(); got != "idle->detecting,detecting->done" {
				t.Errorf("transitions = %s", got)
			}
		})
	}
}

func TestApplyPassesMinConfidence(t *testing.T) {
	det := &staticDetector{}
	eng := New(det)
	p := paramsFor(params.Blur)
	p.Sensitivity = 50

	res, err := eng.Apply(context.Background(), gradientImage(8, 8), p)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if det.minConf < 0.509 || det.minConf > 0.511 {
		t.Errorf("detector got minConfidence %f, want 0.51", det.minConf)
	}
	if res.MinConfidence != det.minConf {
		t.Errorf("Result.MinConfidence = %f, want %f", res.MinConfidence, det.minConf)
	}
	if res.RunID == "" {
		t.Error("Result.RunID is empty")
	}
}

func TestApplyMosaicEveryFace(t *testing.T) {
	faces := []types.FaceDetection{
		{Box: types.Box{X: 2, Y: 2, Width: 10, Height: 10}, Confidence: 0.9},
		{Box: types.Box{X: 20, Y: 4, Width: 8, Height: 12}, Confidence: 0.7},
	}
	det := &staticDetector{faces: faces}
	rec := &recorder{}
	eng := New(det, WithObserver(rec.observe))
	src := gradientImage(40, 20)
	p := paramsFor(params.Mosaic)
	p.MosaicCellSize = 4

	res, err := eng.Apply(context.Background(), src, p)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if det.calls.Load() != 1 {
		t.Errorf("detector called %d times, want 1", det.calls.Load())
	}
	for _, f := range faces {
		r := f.Box.Rect()
		want := src.RGBAAt(r.Min.X, r.Min.Y)
		for y := r.Min.Y; y < r.Min.Y+4; y++ {
			for x := r.Min.X; x < r.Min.X+4; x++ {
				if got := res.Image.RGBAAt(x, y); got != want {
					t.Fatalf("face %v: pixel (%d,%d) = %v, want %v", r, x, y, got, want)
				}
			}
		}
	}
	if res.Image.RGBAAt(15, 18) != src.RGBAAt(15, 18) {
		t.Error("pixel outside every face changed")
	}
	if got := rec.String(); got != "idle->detecting,detecting->applying,applying->done" {
		t.Errorf("transitions = %s", got)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	det := &staticDetector{faces: []types.FaceDetection{{Box: types.Box{X: 0, Y: 0, Width: 16, Height: 16}}}}
	src := gradientImage(16, 16)
	before := bytes.Clone(src.Pix)

	res, err := New(det).Apply(context.Background(), src, paramsFor(params.Blur))
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !bytes.Equal(before, src.Pix) {
		t.Error("Apply() modified the caller's image")
	}
	if bytes.Equal(before, res.Image.Pix) {
		t.Error("Apply() did not blur the face")
	}
}

func TestApplyEyeCoverSkipsFaceWithoutLandmarks(t *testing.T) {
	withEyes := types.FaceDetection{
		Box:        types.Box{X: 0, Y: 0, Width: 40, Height: 40},
		Confidence: 0.9,
		Landmarks: &types.Landmarks{
			LeftEye:  []geometry.Point{{X: 10, Y: 18}, {X: 12, Y: 16}, {X: 14, Y: 18}},
			RightEye: []geometry.Point{{X: 26, Y: 18}, {X: 28, Y: 16}, {X: 30, Y: 18}},
		},
	}
	boxOnly := types.FaceDetection{Box: types.Box{X: 50, Y: 0, Width: 40, Height: 40}, Confidence: 0.8}

	det := &staticDetector{faces: []types.FaceDetection{withEyes, boxOnly}}
	eng := New(det)
	src := whiteImage(100, 40)

	res, err := eng.Apply(context.Background(), src, paramsFor(params.EyeCover))
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if eng.State() != Done {
		t.Errorf("State() = %v, want done", eng.State())
	}

	if c := res.Image.RGBAAt(20, 17); c.R > 8 || c.G > 8 || c.B > 8 {
		t.Errorf("first face has no bar at its eye midpoint, got %v", c)
	}
	r := boxOnly.Box.Rect()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if res.Image.RGBAAt(x, y) != src.RGBAAt(x, y) {
				t.Fatalf("second face modified at (%d,%d)", x, y)
			}
		}
	}

	if len(res.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want one", res.Warnings)
	}
	if res.Warnings[0].Index != 1 || !errors.Is(res.Warnings[0].Err, effects.ErrMissingLandmarks) {
		t.Errorf("Warning = %v, want face 1 missing landmarks", res.Warnings[0])
	}
}

func TestApplyInvalidParameter(t *testing.T) {
	det := &staticDetector{}
	eng := New(det)

	for _, size := range []int{0, 51} {
		p := paramsFor(params.Mosaic)
		p.MosaicCellSize = size

		res, err := eng.Apply(context.Background(), gradientImage(4, 4), p)
		if !errors.Is(err, params.ErrInvalidParameter) {
			t.Errorf("cell size %d: error = %v, want ErrInvalidParameter", size, err)
		}
		if res != nil {
			t.Errorf("cell size %d: got a result with an invalid parameter", size)
		}
	}
	if det.calls.Load() != 0 {
		t.Errorf("detector called %d times for invalid parameters", det.calls.Load())
	}
	if eng.State() != Idle {
		t.Errorf("State() = %v, want idle", eng.State())
	}
}

func TestApplyDetectionFailure(t *testing.T) {
	boom := errors.New("model crashed")
	det := &staticDetector{err: boom}
	rec := &recorder{}
	eng := New(det, WithObserver(rec.observe))

	res, err := eng.Apply(context.Background(), gradientImage(8, 8), paramsFor(params.Mosaic))
	if res != nil {
		t.Error("partial result returned on detection failure")
	}
	if !errors.Is(err, ErrDetection) || !errors.Is(err, boom) {
		t.Fatalf("error = %v, want ErrDetection wrapping the detector error", err)
	}
	var derr *DetectionError
	if !errors.As(err, &derr) {
		t.Errorf("error %T is not a *DetectionError", err)
	}
	if eng.State() != Error || !errors.Is(eng.LastError(), boom) {
		t.Errorf("State() = %v, LastError() = %v", eng.State(), eng.LastError())
	}
	if got := rec.String(); got != "idle->detecting,detecting->error" {
		t.Errorf("transitions = %s", got)
	}

	// The engine is ready again after an error.
	det.err = nil
	if _, err := eng.Apply(context.Background(), gradientImage(8, 8), paramsFor(params.Mosaic)); err != nil {
		t.Fatalf("Apply() after error: %v", err)
	}
	if eng.State() != Done {
		t.Errorf("State() = %v, want done", eng.State())
	}
}

func TestApplyDetectTimeout(t *testing.T) {
	det := detectorFunc(func(ctx context.Context, img image.Image, _ float64) ([]types.FaceDetection, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	eng := New(det, WithDetectTimeout(10*time.Millisecond))

	_, err := eng.Apply(context.Background(), gradientImage(8, 8), paramsFor(params.Blur))
	if !errors.Is(err, ErrDetection) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want a detection timeout", err)
	}
	if eng.State() != Error {
		t.Errorf("State() = %v, want error", eng.State())
	}
}

func TestApplyReaderDecodeFailure(t *testing.T) {
	det := &staticDetector{}
	eng := New(det)

	_, err := eng.ApplyReader(context.Background(), strings.NewReader("not an image"), paramsFor(params.Mosaic))
	if !errors.Is(err, imageio.ErrDecode) {
		t.Fatalf("error = %v, want ErrDecode", err)
	}
	if det.calls.Load() != 0 {
		t.Error("detector called for an undecodable image")
	}
	if eng.State() != Error {
		t.Errorf("State() = %v, want error", eng.State())
	}
}

func TestApplyReader(t *testing.T) {
	var buf bytes.Buffer
	if err := imageio.Encode(&buf, gradientImage(12, 12), imageio.PNG, 90); err != nil {
		t.Fatal(err)
	}
	det := &staticDetector{faces: []types.FaceDetection{{Box: types.Box{X: 0, Y: 0, Width: 12, Height: 12}}}}

	res, err := New(det).ApplyReader(context.Background(), &buf, paramsFor(params.Mosaic))
	if err != nil {
		t.Fatalf("ApplyReader() error: %v", err)
	}
	if res.Image.Bounds().Dx() != 12 || len(res.Detections) != 1 {
		t.Errorf("unexpected result: bounds %v, %d detections", res.Image.Bounds(), len(res.Detections))
	}
}

func TestNewerApplyCancelsInFlightPass(t *testing.T) {
	entered := make(chan struct{})
	var calls atomic.Int32
	det := detectorFunc(func(ctx context.Context, img image.Image, _ float64) ([]types.FaceDetection, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, nil
	})
	eng := New(det)

	firstErr := make(chan error, 1)
	go func() {
		_, err := eng.Apply(context.Background(), gradientImage(8, 8), paramsFor(params.Mosaic))
		firstErr <- err
	}()
	<-entered

	if _, err := eng.Apply(context.Background(), gradientImage(8, 8), paramsFor(params.Mosaic)); err != nil {
		t.Fatalf("second Apply() error: %v", err)
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("first Apply() error = %v, want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Apply() never returned")
	}
	if eng.State() != Done {
		t.Errorf("State() = %v, want done", eng.State())
	}
}

func TestStaleResultIsDiscarded(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	// The first call ignores cancellation and resolves late with a face.
	det := detectorFunc(func(ctx context.Context, img image.Image, _ float64) ([]types.FaceDetection, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
			return []types.FaceDetection{{Box: types.Box{X: 0, Y: 0, Width: 8, Height: 8}}}, nil
		}
		return nil, nil
	})
	eng := New(det)
	src := gradientImage(8, 8)

	firstErr := make(chan error, 1)
	go func() {
		_, err := eng.Apply(context.Background(), src, paramsFor(params.Mosaic))
		firstErr <- err
	}()
	<-entered

	res, err := eng.Apply(context.Background(), src, paramsFor(params.Mosaic))
	if err != nil {
		t.Fatalf("second Apply() error: %v", err)
	}
	close(release)

	if err := <-firstErr; !errors.Is(err, ErrSuperseded) {
		t.Errorf("stale Apply() error = %v, want ErrSuperseded", err)
	}
	if !bytes.Equal(res.Image.Pix, src.Pix) {
		t.Error("stale pass leaked into the newer result")
	}
	if eng.State() != Done {
		t.Errorf("State() = %v, want done", eng.State())
	}
}

func TestApplyEmptyImage(t *testing.T) {
	tests := []struct {
		name string
		src  image.Image
	}{
		{"nil", nil},
		{"zero bounds", image.NewRGBA(image.Rect(0, 0, 0, 0))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := &staticDetector{}
			eng := New(det)

			_, err := eng.Apply(context.Background(), tt.src, paramsFor(params.Blur))
			if !errors.Is(err, imageio.ErrDecode) {
				t.Fatalf("error = %v, want ErrDecode", err)
			}
			if det.calls.Load() != 0 {
				t.Error("detector called for an empty image")
			}
			if eng.State() != Error {
				t.Errorf("State() = %v, want error", eng.State())
			}
			if !errors.Is(eng.LastError(), imageio.ErrDecode) {
				t.Errorf("LastError() = %v, want ErrDecode", eng.LastError())
			}
		})
	}
}

func TestStateReady(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{Idle, true},
		{Detecting, false},
		{Applying, false},
		{Done, true},
		{Error, true},
	}
	for _, tt := range tests {
		if got := tt.state.Ready(); got != tt.want {
			t.Errorf("%v.Ready() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestEngineNotReadyWhileDetecting(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	det := detectorFunc(func(ctx context.Context, img image.Image, _ float64) ([]types.FaceDetection, error) {
		close(entered)
		<-release
		return nil, nil
	})
	eng := New(det)
	if !eng.State().Ready() {
		t.Fatalf("new engine not ready: %v", eng.State())
	}

	done := make(chan error, 1)
	go func() {
		_, err := eng.Apply(context.Background(), gradientImage(8, 8), paramsFor(params.Mosaic))
		done <- err
	}()
	<-entered
	if eng.State().Ready() {
		t.Errorf("ready during %v", eng.State())
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !eng.State().Ready() {
		t.Errorf("not ready after pass: %v", eng.State())
	}
}
