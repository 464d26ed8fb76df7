package params

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// EffectType selects the per-face transformation.
type EffectType string

const (
	Mosaic   EffectType = "mosaic"
	Blur     EffectType = "blur"
	EyeCover EffectType = "eyeCover"
)

// Effects lists the supported effect types in display order.
var Effects = []EffectType{Mosaic, Blur, EyeCover}

// ErrInvalidParameter is the sentinel wrapped by every ParameterError.
var ErrInvalidParameter = errors.New("invalid parameter")

// ParameterError describes the first parameter that failed validation.
type ParameterError struct {
	Name  string
	Value any
	Want  string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: got %v, want %s", e.Name, e.Value, e.Want)
}

func (e *ParameterError) Unwrap() error { return ErrInvalidParameter }

// Params is the effect configuration for one apply pass.
type Params struct {
	Effect                EffectType `json:"effect" yaml:"effect" validate:"required,oneof=mosaic blur eyeCover"`
	MosaicCellSize        int        `json:"mosaicCellSize" yaml:"mosaic_cell_size" validate:"min=1,max=50"`
	BlurRadius            int        `json:"blurRadius" yaml:"blur_radius" validate:"min=1,max=50"`
	EyeCoverThickness     int        `json:"eyeCoverThickness" yaml:"eye_cover_thickness" validate:"min=1,max=50"`
	EyeCoverLengthPercent int        `json:"eyeCoverLengthPercent" yaml:"eye_cover_length_percent" validate:"min=50,max=200"`
	Sensitivity           int        `json:"detectionSensitivity" yaml:"detection_sensitivity" validate:"min=1,max=99"`
}

// Default returns the parameters the tool starts with.
func Default() Params {
	return Params{
		Effect:                Mosaic,
		MosaicCellSize:        10,
		BlurRadius:            3,
		EyeCoverThickness:     5,
		EyeCoverLengthPercent: 100,
		Sensitivity:           50,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their JSON names so errors match what callers sent.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate rejects any parameter outside its declared range. Values are never clamped.
func (p Params) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return toParameterError(verrs[0])
}

func toParameterError(fe validator.FieldError) *ParameterError {
	pe := &ParameterError{Name: fe.Field(), Value: fe.Value()}
	switch fe.Tag() {
	case "required", "oneof":
		names := make([]string, len(Effects))
		for i, e := range Effects {
			names[i] = string(e)
		}
		pe.Want = "one of " + strings.Join(names, ", ")
	case "min":
		pe.Want = ">= " + fe.Param()
	case "max":
		pe.Want = "<= " + fe.Param()
	default:
		pe.Want = fe.Tag() + " " + fe.Param()
	}
	return pe
}

// MinConfidence maps the 1..99 sensitivity scale onto the detector score threshold.
func (p Params) MinConfidence() float64 {
	return 1.01 - float64(p.Sensitivity)*0.01
}

// ParseEffect accepts the canonical names plus the dashed and lowercase spellings used on the command line.
func ParseEffect(s string) (EffectType, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "")) {
	case "mosaic", "pixel", "pixelate":
		return Mosaic, nil
	case "blur", "gauss":
		return Blur, nil
	case "eyecover", "eyes", "bar":
		return EyeCover, nil
	}
	return "", &ParameterError{Name: "effect", Value: s, Want: "one of mosaic, blur, eyeCover"}
}
