package detector

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/geometry"
	"github.com/andresmejia3/veil/internal/types"
	pigo "github.com/esimov/pigo/core"
)

// Pigo is an in-process detector built on the pigo pixel-intensity cascade.
// When a pupil cascade is loaded every face also carries one point per eye.
type Pigo struct {
	cfg        config.PigoConfig
	classifier *pigo.Pigo
	puploc     *pigo.PuplocCascade
}

// NewPigo loads the face cascade and, if configured, the pupil cascade from disk.
func NewPigo(cfg config.PigoConfig) (*Pigo, error) {
	cascade, err := os.ReadFile(cfg.CascadePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read face cascade: %w", err)
	}
	var puploc []byte
	if cfg.PuplocPath != "" {
		if puploc, err = os.ReadFile(cfg.PuplocPath); err != nil {
			return nil, fmt.Errorf("failed to read pupil cascade: %w", err)
		}
	}
	return NewPigoFromBytes(cfg, cascade, puploc)
}

// NewPigoFromBytes builds the detector from cascade data already in memory.
// A nil puploc disables eye landmarks.
func NewPigoFromBytes(cfg config.PigoConfig, cascade, puploc []byte) (*Pigo, error) {
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack face cascade: %w", err)
	}
	d := &Pigo{cfg: cfg, classifier: classifier}

	if len(puploc) > 0 {
		plc, err := pigo.NewPuplocCascade().UnpackCascade(puploc)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack pupil cascade: %w", err)
		}
		d.puploc = plc
	}
	return d, nil
}

func (d *Pigo) Detect(ctx context.Context, img image.Image, minConfidence float64) ([]types.FaceDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src := pigo.ImgToNRGBA(img)
	cols, rows := src.Bounds().Dx(), src.Bounds().Dy()
	imgParams := pigo.ImageParams{
		Pixels: pigo.RgbToGrayscale(src),
		Rows:   rows,
		Cols:   cols,
		Dim:    cols,
	}
	cParams := pigo.CascadeParams{
		MinSize:     d.cfg.MinSize,
		MaxSize:     min(d.cfg.MaxSize, max(rows, cols)),
		ShiftFactor: d.cfg.ShiftFactor,
		ScaleFactor: d.cfg.ScaleFactor,
		ImageParams: imgParams,
	}

	dets := d.classifier.RunCascade(cParams, 0)
	dets = d.classifier.ClusterDetections(dets, d.cfg.IoUThreshold)

	var faces []types.FaceDetection
	for _, det := range dets {
		conf := scoreToConfidence(det.Q, d.cfg.QScale)
		if conf < minConfidence {
			continue
		}
		face := types.FaceDetection{Box: detectionBox(det), Confidence: conf}
		if d.puploc != nil {
			face.Landmarks = d.locatePupils(det, imgParams)
		}
		faces = append(faces, face)
	}
	return faces, ctx.Err()
}

// locatePupils runs the pupil cascade around the expected eye positions.
// It returns nil when either pupil cannot be found.
func (d *Pigo) locatePupils(det pigo.Detection, img pigo.ImageParams) *types.Landmarks {
	scale := float32(det.Scale)
	row := det.Row - int(0.075*scale)

	left := d.puploc.RunDetector(pigo.Puploc{
		Row:      row,
		Col:      det.Col - int(0.175*scale),
		Scale:    scale * 0.25,
		Perturbs: 63,
	}, img, 0, false)
	right := d.puploc.RunDetector(pigo.Puploc{
		Row:      row,
		Col:      det.Col + int(0.185*scale),
		Scale:    scale * 0.25,
		Perturbs: 63,
	}, img, 0, false)

	if left == nil || right == nil || left.Row <= 0 || left.Col <= 0 || right.Row <= 0 || right.Col <= 0 {
		return nil
	}
	return &types.Landmarks{
		LeftEye:  []geometry.Point{{X: float64(left.Col), Y: float64(left.Row)}},
		RightEye: []geometry.Point{{X: float64(right.Col), Y: float64(right.Row)}},
	}
}

// detectionBox converts a pigo center/scale detection into a bounding box.
func detectionBox(det pigo.Detection) types.Box {
	half := float64(det.Scale) / 2
	return types.Box{
		X:      float64(det.Col) - half,
		Y:      float64(det.Row) - half,
		Width:  float64(det.Scale),
		Height: float64(det.Scale),
	}
}

// scoreToConfidence maps the unbounded cascade score onto [0,1], saturating at qScale.
func scoreToConfidence(q float32, qScale float64) float64 {
	if q <= 0 || qScale <= 0 {
		return 0
	}
	return min(float64(q)/qScale, 1)
}

func (d *Pigo) Close() error { return nil }
