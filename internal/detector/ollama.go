package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/geometry"
	"github.com/andresmejia3/veil/internal/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/ollama/ollama/api"
)

// FacePrompt asks a vision model for faces in a fixed JSON shape with normalized coordinates.
const FacePrompt = `Find every human face in this image.
Respond with JSON only, no prose, in exactly this shape:
{"faces":[{"box":[x,y,width,height],"confidence":0.0,"left_eye":[x,y],"right_eye":[x,y]}]}
All coordinates are fractions of the image width and height between 0 and 1.
"left_eye" is the eye on the left side of the image. Omit an eye you cannot see.
If there are no faces respond with {"faces":[]}.`

// chatClient is the part of the Ollama API client the detector uses.
type chatClient interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// Ollama detects faces by prompting a local vision model.
type Ollama struct {
	client chatClient
	model  string
}

func NewOllama(cfg config.OllamaConfig) (*Ollama, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama URL: %w", err)
	}
	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	return &Ollama{client: api.NewClient(base, http.DefaultClient), model: cfg.Model}, nil
}

func (o *Ollama) Detect(ctx context.Context, img image.Image, minConfidence float64) ([]types.FaceDetection, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	stream := false
	req := &api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{{
			Role:    "user",
			Content: FacePrompt,
			Images:  []api.ImageData{buf.Bytes()},
		}},
		Stream:  &stream,
		Format:  json.RawMessage(`"json"`),
		Options: map[string]any{"temperature": 0},
	}

	var content strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat error: %w", err)
	}

	b := img.Bounds()
	faces, err := parseModelFaces(content.String(), b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	return types.FilterByConfidence(faces, minConfidence), nil
}

type modelFace struct {
	Box        []float64 `json:"box"`
	Confidence float64   `json:"confidence"`
	LeftEye    []float64 `json:"left_eye"`
	RightEye   []float64 `json:"right_eye"`
}

type modelAnswer struct {
	Faces []modelFace `json:"faces"`
}

// parseModelFaces converts the model's normalized answer to pixel-space detections.
// Entries with malformed boxes are dropped.
func parseModelFaces(raw string, width, height int) ([]types.FaceDetection, error) {
	raw = sanitizeModelJSON(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty response from ollama")
	}

	var ans modelAnswer
	if err := jsoniter.UnmarshalFromString(raw, &ans); err != nil {
		return nil, fmt.Errorf("invalid model answer: %w", err)
	}

	w, h := float64(width), float64(height)
	var faces []types.FaceDetection
	for _, f := range ans.Faces {
		if len(f.Box) != 4 || f.Box[2] <= 0 || f.Box[3] <= 0 {
			continue
		}
		face := types.FaceDetection{
			Box: types.Box{
				X:      f.Box[0] * w,
				Y:      f.Box[1] * h,
				Width:  f.Box[2] * w,
				Height: f.Box[3] * h,
			},
			Confidence: min(max(f.Confidence, 0), 1),
		}
		if len(f.LeftEye) == 2 && len(f.RightEye) == 2 {
			face.Landmarks = &types.Landmarks{
				LeftEye:  []geometry.Point{{X: f.LeftEye[0] * w, Y: f.LeftEye[1] * h}},
				RightEye: []geometry.Point{{X: f.RightEye[0] * w, Y: f.RightEye[1] * h}},
			}
		}
		faces = append(faces, face)
	}
	return faces, nil
}

var (
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON strips code fences and trailing commas and keeps the outermost object.
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = reTrailingComma.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

func (o *Ollama) Close() error { return nil }
