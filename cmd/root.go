package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/detector"
	"github.com/andresmejia3/veil/internal/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Options holds the effect and output flags shared by apply and watch
type Options struct {
	Effect       string
	CellSize     int
	BlurRadius   int
	BarThickness int
	BarLength    int
	Sensitivity  int
	OutDir       string
	Format       string
	Quality      int
}

var (
	// Cfg is the loaded configuration shared by subcommands
	Cfg *config.Config
	// Log is the structured logger shared by subcommands
	Log *logrus.Logger
	// Detector is the face detector backend shared by subcommands
	Detector detector.Backend

	cfgPath      string
	detectorName string
	logLevel     string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "veil",
	Short:   "Face-region effect engine: mosaic, blur or eye bars over detected faces",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}

		// Flags win over the config file and environment
		if cmd.Flags().Changed("detector") {
			Cfg.Detector.Backend = detectorName
		}
		if cmd.Flags().Changed("log-level") {
			Cfg.Log.Level = logLevel
		}
		if err := Cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		Log, err = log.New(Cfg.Log)
		if err != nil {
			return err
		}

		// The worker backend is bound to the command's context so Ctrl+C kills it
		Detector, err = detector.New(cmd.Context(), Cfg.Detector, Log)
		if err != nil {
			return fmt.Errorf("failed to start %s detector: %w", Cfg.Detector.Backend, err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeDetector()
	},
}

// closeDetector releases the detector. Cobra skips PostRun when RunE fails, so
// Execute calls it as well.
func closeDetector() {
	if Detector == nil {
		return
	}
	if err := Detector.Close(); err != nil && Log != nil {
		Log.WithError(err).Warn("failed to close detector")
	}
	Detector = nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	closeDetector()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&detectorName, "detector", config.BackendPigo, "Detector backend: pigo, worker, remote, ollama")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}
