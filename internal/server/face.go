package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/detector"
	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/imageio"
	"github.com/andresmejia3/veil/internal/log"
	"github.com/andresmejia3/veil/internal/params"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

// Response headers set by the apply endpoint.
const (
	HeaderFacesDetected = "X-Faces-Detected"
	HeaderFaceWarnings  = "X-Face-Warnings"
	HeaderRunID         = "X-Run-ID"
	HeaderMinConfidence = "X-Min-Confidence"
)

const wsReadTimeout = 60 * time.Second

// DetectionsResponse is the body of the detect endpoint.
type DetectionsResponse struct {
	MinConfidence float64               `json:"min_confidence"`
	Faces         []types.FaceDetection `json:"faces"`
}

type faceHandler struct {
	log      *logrus.Logger
	cfg      *config.Config
	detector engine.Detector
}

func newFaceHandler(logger *logrus.Logger, cfg *config.Config, d engine.Detector) *faceHandler {
	return &faceHandler{log: logger, cfg: cfg, detector: d}
}

func (h *faceHandler) Start(srv fiber.Router) {
	wsMiddleware := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}

	face := srv.Group("/face")
	face.Post("/apply", h.Apply)
	face.Post("/detect", h.Detect)
	face.Use("/ws", wsMiddleware)
	face.Get("/ws", websocket.New(h.handleWebSocket))
}

// Apply runs one engine pass on the uploaded image and returns the encoded result.
func (h *faceHandler) Apply(c *fiber.Ctx) error {
	rid := requestID(c)

	p, err := paramsFromForm(c, h.cfg.Effect)
	if err != nil {
		return err
	}
	format, err := imageio.ParseFormat(c.FormValue("format", h.cfg.Output.Format))
	if err != nil {
		return &Error{Status: fiber.StatusBadRequest, Code: CodeInvalidParameter, Err: err}
	}
	data, err := uploadedImage(c)
	if err != nil {
		return err
	}

	h.log.WithFields(log.Fields{
		"request_id": rid,
		"effect":     p.Effect,
		"bytes":      len(data),
	}).Debug("Processing apply request")

	eng := engine.New(h.detector,
		engine.WithLogger(h.log),
		engine.WithDetectTimeout(h.cfg.Detector.Timeout),
	)
	res, err := eng.ApplyReader(c.UserContext(), bytes.NewReader(data), p)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := imageio.Encode(&buf, res.Image, format, h.cfg.Output.Quality); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	c.Set(HeaderFacesDetected, strconv.Itoa(len(res.Detections)))
	c.Set(HeaderFaceWarnings, strconv.Itoa(len(res.Warnings)))
	c.Set(HeaderRunID, res.RunID)
	c.Set(HeaderMinConfidence, strconv.FormatFloat(res.MinConfidence, 'f', 2, 64))
	c.Set(fiber.HeaderContentType, imageio.ContentType(format))
	return c.Send(buf.Bytes())
}

// Detect returns the faces found in the uploaded image without modifying it.
func (h *faceHandler) Detect(c *fiber.Ctx) error {
	p, err := paramsFromForm(c, h.cfg.Effect)
	if err != nil {
		return err
	}
	data, err := uploadedImage(c)
	if err != nil {
		return err
	}
	img, _, err := imageio.DecodeBytes(data)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	if h.cfg.Detector.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Detector.Timeout)
		defer cancel()
	}

	minConf := p.MinConfidence()
	faces, err := h.detector.Detect(ctx, img, minConf)
	if err != nil {
		return &engine.DetectionError{Err: err}
	}
	if faces == nil {
		faces = []types.FaceDetection{}
	}
	return c.JSON(DetectionsResponse{MinConfidence: minConf, Faces: faces})
}

// handleWebSocket answers detector.DetectRequest messages so that another veil
// instance can use this server as its remote detector.
func (h *faceHandler) handleWebSocket(c *websocket.Conn) {
	logger := h.log.WithField("request_id", c.Locals(RequestIDKey))
	logger.Info("Detection WebSocket client connected")
	defer logger.Info("Detection WebSocket client disconnected")

	c.SetPingHandler(func(data string) error {
		if err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second)); err != nil {
			logger.Errorf("Error sending pong: %v", err)
		}
		return nil
	})

	for {
		if err := c.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			logger.Errorf("Error setting read deadline: %v", err)
			return
		}

		messageType, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("Detection WebSocket error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			logger.Warnf("Received unexpected message type: %d", messageType)
			continue
		}

		resp := h.detectMessage(message)

		if err := c.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			logger.Errorf("Error setting write deadline: %v", err)
			return
		}
		if err := c.WriteJSON(resp); err != nil {
			logger.Errorf("Error writing JSON response: %v", err)
			return
		}
	}
}

func (h *faceHandler) detectMessage(message []byte) detector.DetectResponse {
	var req detector.DetectRequest
	if err := jsoniter.Unmarshal(message, &req); err != nil {
		return detector.DetectResponse{Error: "invalid request: " + err.Error()}
	}
	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return detector.DetectResponse{Error: "invalid image encoding: " + err.Error()}
	}
	img, _, err := imageio.DecodeBytes(data)
	if err != nil {
		return detector.DetectResponse{Error: err.Error()}
	}

	ctx := context.Background()
	if h.cfg.Detector.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Detector.Timeout)
		defer cancel()
	}
	faces, err := h.detector.Detect(ctx, img, req.MinConfidence)
	if err != nil {
		return detector.DetectResponse{Error: err.Error()}
	}
	if faces == nil {
		faces = []types.FaceDetection{}
	}
	return detector.DetectResponse{Faces: faces}
}

// paramsFromForm overlays any effect fields present in the form on defaults.
func paramsFromForm(c *fiber.Ctx, defaults params.Params) (params.Params, error) {
	p := defaults

	if v := c.FormValue("effect"); v != "" {
		effect, err := params.ParseEffect(v)
		if err != nil {
			return p, err
		}
		p.Effect = effect
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"mosaicCellSize", &p.MosaicCellSize},
		{"blurRadius", &p.BlurRadius},
		{"eyeCoverThickness", &p.EyeCoverThickness},
		{"eyeCoverLengthPercent", &p.EyeCoverLengthPercent},
		{"detectionSensitivity", &p.Sensitivity},
	}
	for _, f := range ints {
		v := c.FormValue(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, &params.ParameterError{Name: f.name, Value: v, Want: "an integer"}
		}
		*f.dst = n
	}
	return p, p.Validate()
}

// uploadedImage reads the multipart "image" field and rejects non-image payloads.
func uploadedImage(c *fiber.Ctx) ([]byte, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		return nil, &Error{
			Status: fiber.StatusBadRequest,
			Code:   CodeInvalidParameter,
			Err:    errors.New("multipart field \"image\" is required"),
		}
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if !imageio.IsImage(data) {
		return nil, fmt.Errorf("%w: upload is %s, not an image", imageio.ErrDecode, imageio.Sniff(data))
	}
	return data, nil
}
