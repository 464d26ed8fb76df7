package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/veil/internal/imageio"
	"github.com/andresmejia3/veil/internal/params"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var detectSensitivity int

var detectCmd = &cobra.Command{
	Use:   "detect <image_path>",
	Short: "List the faces the detector finds in an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		sensitivity := Cfg.Effect.Sensitivity
		if cmd.Flags().Changed("sensitivity") {
			sensitivity = detectSensitivity
		}
		return runDetect(cmd.Context(), args[0], sensitivity)
	},
}

func init() {
	detectCmd.Flags().IntVarP(&detectSensitivity, "sensitivity", "s", params.Default().Sensitivity, "Detection sensitivity (1-99, higher finds more faces)")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(ctx context.Context, imagePath string, sensitivity int) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	p := params.Default()
	p.Sensitivity = sensitivity
	if err := p.Validate(); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	img, err := imageio.Load(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	if Cfg.Detector.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, Cfg.Detector.Timeout)
		defer cancel()
	}

	fmt.Fprintln(os.Stderr, "🔍 Detecting faces...")
	minConf := p.MinConfidence()
	faces, err := Detector.Detect(ctx, img, minConf)
	if err != nil {
		utils.ShowError("Face detection failed", err, detectorCommand())
		return err
	}

	if len(faces) == 0 {
		fmt.Printf("❌ No faces detected (min confidence %.2f).\n", minConf)
		return nil
	}
	printDetections(os.Stdout, faces, minConf)
	return nil
}

func printDetections(out io.Writer, faces []types.FaceDetection, minConf float64) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "%d face(s), min confidence %.2f\n\n", len(faces), minConf)
	fmt.Fprintln(w, "#\tBOX (x,y w×h)\tCONFIDENCE\tEYES")
	fmt.Fprintln(w, "-\t-------------\t----------\t----")

	for i, f := range faces {
		eyes := "no"
		if f.Landmarks.HasEyes() {
			eyes = "yes"
		}
		fmt.Fprintf(w, "%d\t%.0f,%.0f %.0f×%.0f\t%.2f\t%s\n",
			i, f.Box.X, f.Box.Y, f.Box.Width, f.Box.Height, f.Confidence, eyes)
	}
	w.Flush()
}
