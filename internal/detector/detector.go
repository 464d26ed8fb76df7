// Package detector provides the face detection backends the engine can run against.
package detector

import (
	"context"
	"fmt"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/worker"
	"github.com/sirupsen/logrus"
)

// Backend is a detector that holds resources until closed.
type Backend interface {
	engine.Detector
	Close() error
}

var (
	_ Backend = (*Pigo)(nil)
	_ Backend = (*Remote)(nil)
	_ Backend = (*Ollama)(nil)
	_ Backend = (*worker.ProcessWorker)(nil)
)

// New builds the backend selected by cfg.Backend. A worker backend lives as long as ctx.
func New(ctx context.Context, cfg config.DetectorConfig, logger *logrus.Logger) (Backend, error) {
	logger.WithField("backend", cfg.Backend).Debug("initializing detector")

	switch cfg.Backend {
	case config.BackendPigo:
		return NewPigo(cfg.Pigo)
	case config.BackendWorker:
		return worker.NewProcessWorker(ctx, 0, cfg.Worker.Command)
	case config.BackendRemote:
		return NewRemote(cfg.Remote, logger), nil
	case config.BackendOllama:
		return NewOllama(cfg.Ollama)
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}
