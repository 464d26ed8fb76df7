package detector

import (
	"context"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/log"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// fakeService answers each request with handle. If closeAfter > 0 the connection
// is dropped after that many replies.
func fakeService(t *testing.T, closeAfter int, handle func(DetectRequest) DetectResponse) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conns.Add(1)

		for n := 0; closeAfter == 0 || n < closeAfter; n++ {
			var req DetectRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if err := conn.WriteJSON(handle(req)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func newTestRemote(srv *httptest.Server) *Remote {
	return NewRemote(config.RemoteConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}, log.Discard())
}

func TestRemoteDetectFiltersByConfidence(t *testing.T) {
	var gotMin float64
	srv, _ := fakeService(t, 0, func(req DetectRequest) DetectResponse {
		gotMin = req.MinConfidence
		if req.Image == "" {
			return DetectResponse{Error: "no image"}
		}
		return DetectResponse{Faces: []types.FaceDetection{
			{Box: types.Box{X: 1, Y: 1, Width: 4, Height: 4}, Confidence: 0.9},
			{Box: types.Box{X: 5, Y: 5, Width: 4, Height: 4}, Confidence: 0.2},
		}}
	})
	r := newTestRemote(srv)
	defer r.Close()

	faces, err := r.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 16, 16)), 0.5)
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if len(faces) != 1 || faces[0].Confidence != 0.9 {
		t.Errorf("Detect() = %+v, want only the 0.9 face", faces)
	}
	if gotMin != 0.5 {
		t.Errorf("service received min_confidence %v, want 0.5", gotMin)
	}
	if !r.Connected() {
		t.Error("expected connection to stay open after a successful call")
	}
}

func TestRemoteErrorResponse(t *testing.T) {
	srv, _ := fakeService(t, 0, func(DetectRequest) DetectResponse {
		return DetectResponse{Error: "model not loaded"}
	})
	r := newTestRemote(srv)
	defer r.Close()

	_, err := r.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)), 0)
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Fatalf("expected service error, got %v", err)
	}
	if !r.Connected() {
		t.Error("an application-level error should not drop the connection")
	}
}

func TestRemoteReconnectsAfterServerClose(t *testing.T) {
	srv, conns := fakeService(t, 1, func(DetectRequest) DetectResponse {
		return DetectResponse{}
	})
	r := newTestRemote(srv)
	defer r.Close()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))

	if _, err := r.Detect(context.Background(), img, 0); err != nil {
		t.Fatalf("first Detect() error: %v", err)
	}
	// The server hung up after one reply, so this call fails and drops the connection.
	if _, err := r.Detect(context.Background(), img, 0); err == nil {
		t.Fatal("expected error after server closed the connection")
	}
	if r.Connected() {
		t.Error("expected broken connection to be dropped")
	}
	if _, err := r.Detect(context.Background(), img, 0); err != nil {
		t.Fatalf("Detect() after reconnect error: %v", err)
	}
	if got := conns.Load(); got != 2 {
		t.Errorf("server saw %d connections, want 2", got)
	}
}

func TestRemoteContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv, _ := fakeService(t, 0, func(DetectRequest) DetectResponse {
		<-block
		return DetectResponse{}
	})
	t.Cleanup(func() { close(block) })
	r := newTestRemote(srv)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 4, 4)), 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRemoteDialFailure(t *testing.T) {
	r := NewRemote(config.RemoteConfig{URL: "ws://127.0.0.1:1/detect"}, log.Discard())
	if _, err := r.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)), 0); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestDeadline(t *testing.T) {
	if d := deadline(context.Background(), 0); !d.IsZero() {
		t.Errorf("deadline with no timeout = %v, want zero", d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cd, _ := ctx.Deadline()
	if d := deadline(ctx, time.Hour); !d.Equal(cd) {
		t.Errorf("deadline() = %v, want context deadline %v", d, cd)
	}
	if d := deadline(ctx, time.Millisecond); !d.Before(cd) {
		t.Errorf("deadline() = %v, want earlier than %v", d, cd)
	}
}
