package main

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/spf13/cobra"

	"github.com/technosupport/ts-inventory/internal/app"
	"github.com/technosupport/ts-inventory/internal/detector"
	"github.com/technosupport/ts-inventory/internal/pipeline"
)

var (
	benchRuns  int
	benchSizes []int
)

var benchCmd = &cobra.Command{
	Use:   "bench <video|image>",
	Short: "Measure detector latency on the first frame at several input sizes",
	Args:  cobra.ExactArgs(1),
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().IntVarP(&benchRuns, "runs", "n", 10, "timed runs per size")
	benchCmd.Flags().IntSliceVar(&benchSizes, "imgsz", []int{640, 320}, "input sizes; the first is the baseline")
}

type benchResult struct {
	Size   int
	Mean   float64 // ms
	Median float64
	P95    float64
}

func summarize(size int, samples []float64) (benchResult, error) {
	r := benchResult{Size: size}
	var err error
	if r.Mean, err = stats.Mean(samples); err != nil {
		return r, err
	}
	if r.Median, err = stats.Median(samples); err != nil {
		return r, err
	}
	if r.P95, err = stats.Percentile(samples, 95); err != nil {
		return r, err
	}
	return r, nil
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchRuns <= 0 || len(benchSizes) == 0 {
		return fmt.Errorf("need at least one run and one size")
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	// The decoder is all FirstFrame needs.
	probe, err := app.BuildCounter(cfg, detector.Unavailable(nil), nil, logger)
	if err != nil {
		return err
	}
	frame, err := probe.FirstFrame(ctx, pipeline.Upload{Filename: filepath.Base(args[0]), Data: data})
	if err != nil {
		return fmt.Errorf("load first frame: %w", err)
	}

	fmt.Fprintf(out, "Benchmark: %s backend, %d runs per size\n\n", cfg.Detector.Backend, benchRuns)
	var baseline float64
	for i, size := range benchSizes {
		dc := cfg.Detector
		dc.ImgSize = size
		dc.Workers = 1
		det, err := app.BuildDetector(dc, logger)
		if err != nil {
			fmt.Fprintf(out, "imgsz %d: %v\n\n", size, err)
			continue
		}
		res, err := benchDetector(ctx, det, frame, size, benchRuns)
		det.Close()
		if err != nil {
			return err
		}
		if i == 0 || baseline == 0 {
			baseline = res.Mean
		}
		printResult(out, res, baseline)
	}
	return nil
}

func benchDetector(ctx context.Context, det detector.Detector, frame image.Image, size, runs int) (benchResult, error) {
	// One untimed call so lazy allocations do not skew the first sample.
	if _, err := det.Detect(ctx, frame); err != nil {
		return benchResult{}, fmt.Errorf("imgsz %d warm-up: %w", size, err)
	}
	samples := make([]float64, 0, runs)
	for range runs {
		start := time.Now()
		if _, err := det.Detect(ctx, frame); err != nil {
			return benchResult{}, fmt.Errorf("imgsz %d: %w", size, err)
		}
		samples = append(samples, float64(time.Since(start).Microseconds())/1000)
	}
	return summarize(size, samples)
}

func printResult(w io.Writer, r benchResult, baseline float64) {
	fmt.Fprintf(w, "imgsz %d\n", r.Size)
	fmt.Fprintf(w, "  mean %.1fms  median %.1fms  p95 %.1fms\n", r.Mean, r.Median, r.P95)
	if baseline > 0 && r.Mean > 0 && baseline != r.Mean {
		fmt.Fprintf(w, "  speedup %.1fx vs baseline\n", baseline/r.Mean)
	}
	fmt.Fprintln(w)
}
