package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/veil/internal/params"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Effect   params.Params  `yaml:"effect"`
	Detector DetectorConfig `yaml:"detector"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Output   OutputConfig   `yaml:"output"`
}

// Detector backends.
const (
	BackendPigo   = "pigo"
	BackendWorker = "worker"
	BackendRemote = "remote"
	BackendOllama = "ollama"
)

type DetectorConfig struct {
	Backend string        `yaml:"backend"`
	Timeout time.Duration `yaml:"timeout"`
	Pigo    PigoConfig    `yaml:"pigo"`
	Worker  WorkerConfig  `yaml:"worker"`
	Remote  RemoteConfig  `yaml:"remote"`
	Ollama  OllamaConfig  `yaml:"ollama"`
}

type PigoConfig struct {
	CascadePath  string  `yaml:"cascade_path"`
	PuplocPath   string  `yaml:"puploc_path"`
	MinSize      int     `yaml:"min_size"`
	MaxSize      int     `yaml:"max_size"`
	ShiftFactor  float64 `yaml:"shift_factor"`
	ScaleFactor  float64 `yaml:"scale_factor"`
	IoUThreshold float64 `yaml:"iou_threshold"`
	// QScale is the cascade score treated as full confidence.
	QScale float64 `yaml:"q_scale"`
}

type WorkerConfig struct {
	Command []string `yaml:"command"`
}

type RemoteConfig struct {
	URL          string        `yaml:"url"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type OllamaConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

type ServerConfig struct {
	Addr        string  `yaml:"addr"`
	BodyLimitMB int     `yaml:"body_limit_mb"`
	RateLimit   float64 `yaml:"rate_limit"`
	RateBurst   int     `yaml:"rate_burst"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	NoColors   bool   `yaml:"no_colors"`
}

type OutputConfig struct {
	Format  string `yaml:"format"`
	Quality int    `yaml:"quality"`
	Dir     string `yaml:"dir"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Effect: params.Default(),
		Detector: DetectorConfig{
			Backend: BackendPigo,
			Timeout: 30 * time.Second,
			Pigo: PigoConfig{
				CascadePath:  "cascade/facefinder",
				PuplocPath:   "cascade/puploc",
				MinSize:      20,
				MaxSize:      2000,
				ShiftFactor:  0.1,
				ScaleFactor:  1.1,
				IoUThreshold: 0.2,
				QScale:       50,
			},
			Worker: WorkerConfig{
				Command: []string{"python3", "-u", "python/detect.py"},
			},
			Remote: RemoteConfig{
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 5 * time.Second,
			},
			Ollama: OllamaConfig{
				URL:   "http://localhost:11434",
				Model: "llava",
			},
		},
		Server: ServerConfig{
			Addr:        ":3000",
			BodyLimitMB: 20,
			RateLimit:   5,
			RateBurst:   10,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Output: OutputConfig{
			Format:  "png",
			Quality: 90,
		},
	}
}

// Load reads the optional configuration file on top of the defaults, then applies
// .env and VEIL_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"VEIL_DETECTOR":      &c.Detector.Backend,
		"VEIL_PIGO_CASCADE":  &c.Detector.Pigo.CascadePath,
		"VEIL_PIGO_PUPLOC":   &c.Detector.Pigo.PuplocPath,
		"VEIL_REMOTE_URL":    &c.Detector.Remote.URL,
		"VEIL_OLLAMA_URL":    &c.Detector.Ollama.URL,
		"VEIL_OLLAMA_MODEL":  &c.Detector.Ollama.Model,
		"VEIL_SERVER_ADDR":   &c.Server.Addr,
		"VEIL_LOG_LEVEL":     &c.Log.Level,
		"VEIL_LOG_FILE":      &c.Log.File,
		"VEIL_OUTPUT_FORMAT": &c.Output.Format,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("VEIL_DETECTOR_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("VEIL_DETECTOR_TIMEOUT: %w", err)
		}
		c.Detector.Timeout = d
	}
	if v := os.Getenv("VEIL_SENSITIVITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VEIL_SENSITIVITY: %w", err)
		}
		c.Effect.Sensitivity = n
	}
	return nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if err := c.Effect.Validate(); err != nil {
		return fmt.Errorf("effect: %w", err)
	}

	switch c.Detector.Backend {
	case BackendPigo:
		p := c.Detector.Pigo
		if p.CascadePath == "" {
			return fmt.Errorf("detector.pigo.cascade_path is required")
		}
		if p.MinSize < 1 || p.MaxSize < p.MinSize {
			return fmt.Errorf("detector.pigo: min_size must be >= 1 and <= max_size")
		}
		if p.ShiftFactor <= 0 || p.ScaleFactor <= 1 {
			return fmt.Errorf("detector.pigo: shift_factor must be > 0 and scale_factor > 1")
		}
		if p.QScale <= 0 {
			return fmt.Errorf("detector.pigo.q_scale must be positive")
		}
	case BackendWorker:
		if len(c.Detector.Worker.Command) == 0 {
			return fmt.Errorf("detector.worker.command is required")
		}
	case BackendRemote:
		if c.Detector.Remote.URL == "" {
			return fmt.Errorf("detector.remote.url is required")
		}
	case BackendOllama:
		if c.Detector.Ollama.URL == "" || c.Detector.Ollama.Model == "" {
			return fmt.Errorf("detector.ollama.url and detector.ollama.model are required")
		}
	default:
		return fmt.Errorf("unknown detector backend %q", c.Detector.Backend)
	}
	if c.Detector.Timeout < 0 {
		return fmt.Errorf("detector.timeout must not be negative")
	}

	switch c.Output.Format {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("unsupported output.format %q", c.Output.Format)
	}
	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("server rate limits must not be negative")
	}
	return nil
}
