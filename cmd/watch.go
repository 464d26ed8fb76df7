package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/veil/internal/log"
	"github.com/andresmejia3/veil/internal/params"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var (
	watchOpts     Options
	watchExisting bool
	watchSettle   time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Apply the effect to every image that appears in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := withConfigDefaults(cmd, Cfg, watchOpts)
		return runWatch(cmd.Context(), args[0], opts)
	},
}

func init() {
	registerEffectFlags(watchCmd, &watchOpts)
	watchCmd.Flags().BoolVar(&watchExisting, "existing", false, "Also process images already in the directory")
	watchCmd.Flags().DurationVar(&watchSettle, "settle", 500*time.Millisecond, "How long a file must be quiet before it is processed")
	rootCmd.AddCommand(watchCmd)
}

func effectNames() []string {
	names := make([]string, len(params.Effects))
	for i, e := range params.Effects {
		names[i] = string(e)
	}
	return names
}

// shouldProcess filters watcher events down to new or rewritten source images.
// Files veil wrote itself are skipped so outputs in the watched directory do not loop.
func shouldProcess(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return utils.IsImagePath(base) && !utils.HasEffectSuffix(base, effectNames())
}

func runWatch(ctx context.Context, dir string, opts Options) error {
	info, err := os.Stat(dir)
	if err != nil {
		utils.ShowError("Unable to access watch directory", err, nil)
		return err
	}
	if !info.IsDir() {
		err := fmt.Errorf("%s is not a directory", dir)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if err := validateApplyFlags([]string{dir}, &opts); err != nil {
		return err
	}
	p, _ := opts.Params()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		utils.ShowError("Failed to create watcher", err, nil)
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		utils.ShowError("Failed to watch directory", err, nil)
		return err
	}

	eng := newEngine()
	seen := make(map[string]string) // path -> file id of the last processed version
	index := 0

	process := func(path string) {
		id, err := utils.GenerateFileID(path)
		if err != nil {
			// Removed before it settled
			return
		}
		if seen[path] == id {
			return
		}
		seen[path] = id

		res := processFile(ctx, eng, types.ApplyTask{Index: index, Path: path}, p, opts)
		index++
		if res.Err != nil {
			Log.WithError(res.Err).WithField("input", path).Error("apply failed")
			return
		}
		Log.WithFields(log.Fields{"input": path, "output": res.Output, "faces": res.Faces}).Info("applied")
	}

	if watchExisting {
		existing, err := utils.ExpandInputs([]string{dir})
		if err != nil {
			return err
		}
		for _, path := range existing {
			if !utils.HasEffectSuffix(path, effectNames()) {
				process(path)
			}
		}
	}

	fmt.Fprintf(os.Stderr, "👀 Watching %s (Ctrl+C to stop)\n", dir)

	// Debounce: a path is processed once it has been quiet for watchSettle
	ready := make(chan string, 64)
	debounce := make(map[string]*time.Timer)
	defer func() {
		for _, t := range debounce {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !shouldProcess(event) {
				continue
			}
			if t, exists := debounce[event.Name]; exists {
				t.Stop()
			}
			name := event.Name
			debounce[name] = time.AfterFunc(watchSettle, func() {
				select {
				case ready <- name:
				case <-ctx.Done():
				}
			})

		case path := <-ready:
			delete(debounce, path)
			process(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			Log.WithError(err).Warn("watcher error")
		}
	}
}
