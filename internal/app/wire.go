// Package app assembles the service from configuration.
package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/config"
	"github.com/technosupport/ts-inventory/internal/detector"
	"github.com/technosupport/ts-inventory/internal/detector/onnx"
	"github.com/technosupport/ts-inventory/internal/detector/remote"
	"github.com/technosupport/ts-inventory/internal/media"
	"github.com/technosupport/ts-inventory/internal/metrics"
	"github.com/technosupport/ts-inventory/internal/pipeline"
)

// BuildLabels returns the class table: the labels file when one is set,
// otherwise the configured names.
func BuildLabels(cfg config.LabelsConfig) (*detector.Labels, error) {
	if cfg.File == "" {
		return detector.NewLabels(cfg.Names), nil
	}
	names, err := config.LoadLabelsFile(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}
	return detector.NewLabels(names), nil
}

// BuildDetector opens the configured backend. The returned Detector is
// always usable: when the model cannot be loaded it is a stand-in that
// fails with ErrUnavailable, and the load error is returned alongside so
// the daemon can keep serving health and report routes.
func BuildDetector(cfg config.DetectorConfig, log *zap.Logger) (detector.Detector, error) {
	det, err := openDetector(cfg, log)
	if err != nil {
		metrics.SetDetectorUp(false)
		return detector.Unavailable(err), err
	}
	metrics.SetDetectorUp(true)
	return det, nil
}

func openDetector(cfg config.DetectorConfig, log *zap.Logger) (detector.Detector, error) {
	switch cfg.Backend {
	case "remote":
		return remote.NewClient(cfg.RemoteURL, cfg.Params()), nil
	case "onnx", "":
		return onnx.New(onnx.Config{
			ModelPath:  cfg.ModelPath,
			SharedLib:  cfg.OrtLib,
			NumClasses: cfg.NumClasses,
			PoolSize:   max(1, cfg.Workers),
			Params:     cfg.Params(),
		}, log)
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}

// BuildCounter wires a detector into a pipeline.Counter with the
// configured decoder and sampling.
func BuildCounter(cfg config.Config, det detector.Detector, labels *detector.Labels, log *zap.Logger) (*pipeline.Counter, error) {
	dec, err := media.NewVideoDecoder(cfg.Media.Decoder)
	if err != nil {
		return nil, err
	}
	if ff, ok := dec.(*media.FFmpegDecoder); ok && cfg.Media.ProbeTimeout > 0 {
		ff.ProbeTimeout = cfg.Media.ProbeTimeout
	}
	return &pipeline.Counter{
		Detector:  det,
		Decoder:   dec,
		Labels:    labels,
		Tracking:      cfg.Tracking,
		MinConfidence: cfg.Detector.ConfThreshold,
		Workers:       max(1, cfg.Detector.Workers),
		MaxFrames:     cfg.Sampling.MaxFrames,
		TempDir:       cfg.Media.TempDir,
		Log:           log.Named("pipeline"),
	}, nil
}
