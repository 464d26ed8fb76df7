package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DetectRequest is the message a remote detection service receives.
type DetectRequest struct {
	MinConfidence float64 `json:"min_confidence"`
	// Image is a base64 encoded PNG.
	Image string `json:"image"`
}

// DetectResponse is the reply to a DetectRequest.
type DetectResponse struct {
	Faces []types.FaceDetection `json:"faces"`
	Error string                `json:"error,omitempty"`
}

// Remote is a websocket client for a face detection service. The connection is
// opened lazily and re-dialed on the next call after any transport failure.
type Remote struct {
	url          string
	readTimeout  time.Duration
	writeTimeout time.Duration
	log          *logrus.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewRemote(cfg config.RemoteConfig, logger *logrus.Logger) *Remote {
	return &Remote{
		url:          cfg.URL,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		log:          logger,
	}
}

func (r *Remote) connect(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	r.log.WithField("url", r.url).Debug("connecting to remote detector")
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", r.url, err)
	}

	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(r.writeTimeout))
		if err != nil {
			r.log.WithError(err).Warn("error sending pong")
		}
		return nil
	})
	r.conn = conn
	return nil
}

// drop closes the current connection so the next call reconnects.
func (r *Remote) drop() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

func (r *Remote) Detect(ctx context.Context, img image.Image, minConfidence float64) ([]types.FaceDetection, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	req := DetectRequest{
		MinConfidence: minConfidence,
		Image:         base64.StdEncoding.EncodeToString(buf.Bytes()),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		if err := r.connect(ctx); err != nil {
			return nil, err
		}
	}
	conn := r.conn

	// Unblock the read below as soon as ctx is done.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	conn.SetWriteDeadline(deadline(ctx, r.writeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		r.drop()
		return nil, fmt.Errorf("error sending frame: %w", err)
	}

	conn.SetReadDeadline(deadline(ctx, r.readTimeout))
	var resp DetectResponse
	if err := conn.ReadJSON(&resp); err != nil {
		r.drop()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("error reading detections: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	if resp.Error != "" {
		return nil, errors.New("remote detector: " + resp.Error)
	}
	return types.FilterByConfidence(resp.Faces, minConfidence), nil
}

// Connected reports whether a connection is currently open.
func (r *Remote) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(r.writeTimeout))
	r.drop()
	return nil
}

// deadline picks the earlier of ctx's deadline and now+timeout. A zero timeout means none.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}
