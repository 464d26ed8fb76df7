package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/imageio"
	"github.com/andresmejia3/veil/internal/log"
	"github.com/andresmejia3/veil/internal/params"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/andresmejia3/veil/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var applyOpts Options

var applyCmd = &cobra.Command{
	Use:   "apply <image|dir>...",
	Short: "Detect faces and apply mosaic, blur or an eye bar to each of them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := withConfigDefaults(cmd, Cfg, applyOpts)
		return runApply(cmd.Context(), args, opts)
	},
}

func init() {
	registerEffectFlags(applyCmd, &applyOpts)
	rootCmd.AddCommand(applyCmd)
}

// registerEffectFlags adds the effect and output flags used by apply and watch.
func registerEffectFlags(cmd *cobra.Command, opts *Options) {
	def := params.Default()
	out := config.Default().Output

	cmd.Flags().StringVarP(&opts.Effect, "effect", "e", string(def.Effect), "Effect: mosaic, blur, eyeCover")
	cmd.Flags().IntVar(&opts.CellSize, "cell-size", def.MosaicCellSize, "Mosaic cell size in pixels (1-50)")
	cmd.Flags().IntVar(&opts.BlurRadius, "blur-radius", def.BlurRadius, "Gaussian blur radius in pixels (1-50)")
	cmd.Flags().IntVar(&opts.BarThickness, "bar-thickness", def.EyeCoverThickness, "Eye bar thickness in pixels (1-50)")
	cmd.Flags().IntVar(&opts.BarLength, "bar-length", def.EyeCoverLengthPercent, "Eye bar length as a percentage of eye distance (50-200)")
	cmd.Flags().IntVarP(&opts.Sensitivity, "sensitivity", "s", def.Sensitivity, "Detection sensitivity (1-99, higher finds more faces)")
	cmd.Flags().StringVarP(&opts.OutDir, "out-dir", "o", out.Dir, "Output directory (default: next to each input)")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", out.Format, "Output format: png, jpeg, webp")
	cmd.Flags().IntVarP(&opts.Quality, "quality", "q", out.Quality, "JPEG/WebP quality (1-100)")
}

// withConfigDefaults fills every flag the user did not set from the loaded config.
func withConfigDefaults(cmd *cobra.Command, cfg *config.Config, opts Options) Options {
	if cfg == nil {
		return opts
	}
	changed := cmd.Flags().Changed
	if !changed("effect") {
		opts.Effect = string(cfg.Effect.Effect)
	}
	if !changed("cell-size") {
		opts.CellSize = cfg.Effect.MosaicCellSize
	}
	if !changed("blur-radius") {
		opts.BlurRadius = cfg.Effect.BlurRadius
	}
	if !changed("bar-thickness") {
		opts.BarThickness = cfg.Effect.EyeCoverThickness
	}
	if !changed("bar-length") {
		opts.BarLength = cfg.Effect.EyeCoverLengthPercent
	}
	if !changed("sensitivity") {
		opts.Sensitivity = cfg.Effect.Sensitivity
	}
	if !changed("out-dir") {
		opts.OutDir = cfg.Output.Dir
	}
	if !changed("format") {
		opts.Format = cfg.Output.Format
	}
	if !changed("quality") {
		opts.Quality = cfg.Output.Quality
	}
	return opts
}

// Params converts the flags into engine parameters.
func (o Options) Params() (params.Params, error) {
	effect, err := params.ParseEffect(o.Effect)
	if err != nil {
		return params.Params{}, err
	}
	p := params.Params{
		Effect:                effect,
		MosaicCellSize:        o.CellSize,
		BlurRadius:            o.BlurRadius,
		EyeCoverThickness:     o.BarThickness,
		EyeCoverLengthPercent: o.BarLength,
		Sensitivity:           o.Sensitivity,
	}
	return p, p.Validate()
}

type applyResult struct {
	Input  string
	Output string
	Faces  int
	Err    error
}

func runApply(ctx context.Context, inputs []string, opts Options) error {
	if err := validateApplyFlags(inputs, &opts); err != nil {
		return err
	}
	p, _ := opts.Params()

	paths, err := utils.ExpandInputs(inputs)
	if err != nil {
		utils.ShowError("Failed to read inputs", err, nil)
		return err
	}
	if len(paths) == 0 {
		err := fmt.Errorf("no images found in %v", inputs)
		utils.ShowError("Nothing to do", err, nil)
		return err
	}

	eng := newEngine()

	var bar *progressbar.ProgressBar
	if len(paths) > 1 {
		bar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("Applying "+string(p.Effect)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
	}

	var failed []applyResult
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := processFile(ctx, eng, types.ApplyTask{Index: i, Path: path}, p, opts)
		if res.Err != nil {
			failed = append(failed, res)
		} else {
			Log.WithFields(log.Fields{"input": res.Input, "output": res.Output, "faces": res.Faces}).Debug("file done")
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	for _, f := range failed {
		utils.ShowError("Failed to process "+f.Input, f.Err, detectorCommand())
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d files failed", len(failed), len(paths))
	}
	fmt.Fprintf(os.Stderr, "✅ Processed %d file(s)\n", len(paths))
	return nil
}

// newEngine builds an engine over the shared detector.
func newEngine() *engine.Engine {
	return engine.New(Detector,
		engine.WithLogger(Log),
		engine.WithDetectTimeout(Cfg.Detector.Timeout),
	)
}

// processFile runs one input through the engine and writes the result next to
// it, or into opts.OutDir.
func processFile(ctx context.Context, eng *engine.Engine, task types.ApplyTask, p params.Params, opts Options) applyResult {
	res := applyResult{Input: task.Path}
	res.Output = imageio.OutputPath(task.Path, opts.OutDir, string(p.Effect), opts.Format)

	// Safety Check: never overwrite the input
	inAbs, _ := filepath.Abs(task.Path)
	outAbs, _ := filepath.Abs(res.Output)
	if inAbs == outAbs {
		res.Err = fmt.Errorf("output %s would overwrite the input", res.Output)
		return res
	}

	f, err := os.Open(task.Path)
	if err != nil {
		res.Err = err
		return res
	}
	defer f.Close()

	out, err := eng.ApplyReader(ctx, f, p)
	if err != nil {
		res.Err = err
		return res
	}
	res.Faces = len(out.Detections)
	for _, w := range out.Warnings {
		Log.WithFields(log.Fields{"input": task.Path, "run_id": out.RunID}).Warn(w.String())
	}

	if err := imageio.Save(res.Output, out.Image, opts.Format, opts.Quality); err != nil {
		res.Err = err
	}
	return res
}

// detectorCommand returns the worker process for error reports, if that is the backend.
func detectorCommand() *utils.SafeCommand {
	if pw, ok := Detector.(*worker.ProcessWorker); ok {
		return pw.Cmd
	}
	return nil
}

func validateApplyFlags(inputs []string, opts *Options) error {
	for _, in := range inputs {
		if _, err := os.Stat(in); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				utils.ShowError("Input does not exist", err, nil)
				return err
			}
			utils.ShowError("Unable to access input", err, nil)
			return err
		}
	}

	if _, err := opts.Params(); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	format, err := imageio.ParseFormat(opts.Format)
	if err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	opts.Format = format

	if opts.Quality < 1 || opts.Quality > 100 {
		err := fmt.Errorf("must be between 1 and 100, got %d", opts.Quality)
		utils.ShowError("Invalid quality", err, nil)
		return err
	}

	if opts.OutDir != "" {
		if info, err := os.Stat(opts.OutDir); err == nil && !info.IsDir() {
			err := fmt.Errorf("%s is not a directory", opts.OutDir)
			utils.ShowError("Invalid output directory", err, nil)
			return err
		}
	}
	return nil
}
