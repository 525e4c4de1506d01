package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/technosupport/ts-inventory/internal/app"
	"github.com/technosupport/ts-inventory/internal/inventory"
	"github.com/technosupport/ts-inventory/internal/media"
	"github.com/technosupport/ts-inventory/internal/pipeline"
)

var (
	countMode     string
	countInterval float64
	countOut      string
	countReport   bool
)

var countCmd = &cobra.Command{
	Use:   "count <video|image>",
	Short: "Count objects in a local file and save the tally as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runCount,
}

func init() {
	countCmd.Flags().StringVarP(&countMode, "mode", "m", "auto", "auto, image, frames or track")
	countCmd.Flags().Float64VarP(&countInterval, "interval", "i", -1, "seconds between sampled frames (default sampling.interval_seconds, 0 = every frame)")
	countCmd.Flags().StringVarP(&countOut, "out", "o", "output/inventory.json", "where to write the result")
	countCmd.Flags().BoolVar(&countReport, "report", false, "write the full report instead of only the counts")
}

func runCount(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	mode, err := inventory.ParseMode(countMode)
	if err != nil {
		return err
	}
	interval := cfg.Sampling.IntervalSeconds
	if cmd.Flags().Changed("interval") {
		if countInterval < 0 {
			return errors.New("--interval must not be negative")
		}
		interval = countInterval
	}

	labels, err := app.BuildLabels(cfg.Labels)
	if err != nil {
		return err
	}
	det, err := app.BuildDetector(cfg.CountingDetector(), logger)
	if err != nil {
		return fmt.Errorf("load detector: %w", err)
	}
	defer det.Close()
	counter, err := app.BuildCounter(cfg, det, labels, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	rep, err := countFile(ctx, counter, args[0], mode, interval, out)
	if errors.Is(err, media.ErrNoFrames) {
		fmt.Fprintln(out, "No frames extracted. Check your video path.")
		return err
	}
	if err != nil {
		return err
	}

	var payload any = rep.Counts
	if countReport {
		payload = rep
	}
	fmt.Fprintf(out, "\nFinal detected objects (%d sampled frames):\n", rep.FramesSampled)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "    ")
	if err := enc.Encode(payload); err != nil {
		return err
	}

	if err := writeJSON(countOut, payload); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nSaved to: %s\n", countOut)
	return nil
}

// countFile streams videos straight from disk; only stills are read whole.
func countFile(ctx context.Context, c *pipeline.Counter, path string, mode inventory.Mode, interval float64, out io.Writer) (inventory.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return inventory.Report{}, err
	}
	header := make([]byte, 512)
	n, _ := io.ReadFull(f, header)
	f.Close()

	switch media.Sniff(header[:n], path) {
	case media.KindVideo:
		fmt.Fprintf(out, "Counting %s (mode %s, interval %gs)...\n", path, mode, interval)
		return c.CountVideo(ctx, path, mode, interval, func(done int) {
			if done%25 == 0 {
				fmt.Fprintf(out, "  %d frames detected\n", done)
			}
		})
	case media.KindImage:
		data, err := os.ReadFile(path)
		if err != nil {
			return inventory.Report{}, err
		}
		return c.Count(ctx, pipeline.Upload{Filename: filepath.Base(path), Data: data}, pipeline.Options{Mode: mode})
	default:
		return inventory.Report{}, fmt.Errorf("%s: %w", path, media.ErrUnsupported)
	}
}

func writeJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
