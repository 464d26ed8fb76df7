package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrWorkerBroken is returned once a worker has been killed or lost its pipes.
var ErrWorkerBroken = errors.New("detector worker is no longer usable")

// Response status bytes.
const (
	statusOK    = 0
	statusError = 1
)

// ProcessWorker drives an external face detector process over a length-prefixed pipe protocol.
type ProcessWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu     sync.Mutex
	broken bool
}

// NewProcessWorker starts command (e.g. python3 -u python/detect.py) as a detector worker.
func NewProcessWorker(ctx context.Context, id int, command []string) (*ProcessWorker, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("worker %d: empty command", id)
	}
	proc := utils.NewSafeCommand(ctx, command[0], command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &ProcessWorker{
		ID:       id,
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
func (w *ProcessWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // The worker crashed before answering
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame sends an encoded image and decodes the detections.
// Request payload: [f32 minConfidence][image bytes].
// Response payload: [status] then a JSON array (status 0) or [u32 len][message] (status 1).
func (w *ProcessWorker) ProcessFrame(frame []byte, minConfidence float64) ([]types.FaceDetection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return nil, ErrWorkerBroken
	}

	req := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(req, math.Float32bits(float32(minConfidence)))
	copy(req[4:], frame)

	resp, err := w.Communicate(req)
	if err != nil {
		w.broken = true
		return nil, fmt.Errorf("worker %d: %w", w.ID, err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("worker %d: empty response", w.ID)
	}

	switch resp[0] {
	case statusOK:
		var faces []types.FaceDetection
		if err := json.Unmarshal(resp[1:], &faces); err != nil {
			return nil, fmt.Errorf("worker %d: invalid detections: %w", w.ID, err)
		}
		return faces, nil
	case statusError:
		body := resp[1:]
		if len(body) < 4 {
			return nil, fmt.Errorf("detector worker error: truncated message")
		}
		n := binary.BigEndian.Uint32(body)
		if int(n) > len(body)-4 {
			return nil, fmt.Errorf("detector worker error: truncated message")
		}
		return nil, fmt.Errorf("detector worker error: %s", body[4:4+n])
	}
	return nil, fmt.Errorf("worker %d: unknown status byte %d", w.ID, resp[0])
}

// Detect encodes img as PNG and asks the worker for faces. Cancelling ctx kills
// the worker, since a half-read response leaves the pipe unusable.
func (w *ProcessWorker) Detect(ctx context.Context, img image.Image, minConfidence float64) ([]types.FaceDetection, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	type result struct {
		faces []types.FaceDetection
		err   error
	}
	done := make(chan result, 1)
	go func() {
		faces, err := w.ProcessFrame(buf.Bytes(), minConfidence)
		done <- result{faces, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return types.FilterByConfidence(res.faces, minConfidence), nil
	case <-ctx.Done():
		w.kill()
		return nil, ctx.Err()
	}
}

func (w *ProcessWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

func (w *ProcessWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	if err := w.Cmd.Wait(); err != nil && w.Cmd.Stderr.Len() > 0 {
		return fmt.Errorf("worker %d exited: %w: %s", w.ID, err, w.Cmd.Stderr.String())
	}
	return nil
}
