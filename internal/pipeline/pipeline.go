// Package pipeline runs uploads through decode, sampling, detection and
// aggregation.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/technosupport/ts-inventory/internal/detector"
	"github.com/technosupport/ts-inventory/internal/inventory"
	"github.com/technosupport/ts-inventory/internal/media"
	"github.com/technosupport/ts-inventory/internal/metrics"
	"github.com/technosupport/ts-inventory/internal/tracking"
)

// ErrModeMismatch is returned when image mode is requested for a video.
var ErrModeMismatch = errors.New("image mode requires an image upload")

// Upload is a file received from a client.
type Upload struct {
	Filename string
	Data     []byte
}

type Options struct {
	Mode inventory.Mode
	// IntervalSeconds is the sampling interval for video. 0 keeps every frame.
	IntervalSeconds float64
	DeviceID        string
	// Progress, if set, is called after each sampled frame is detected.
	Progress func(done int)
}

// Counter wires a detector and a video decoder into count reports. It is
// safe for concurrent use; per-request state lives on the stack.
type Counter struct {
	Detector detector.Detector
	Decoder  media.VideoDecoder
	Labels   *detector.Labels
	Tracking tracking.Config
	// MinConfidence drops weak detections from frame and image counts. The
	// detector may run below it so track mode can use weak boxes.
	MinConfidence float32
	Workers       int
	MaxFrames     int
	TempDir       string
	Log           *zap.Logger
}

func (c *Counter) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func (c *Counter) confident(dets []detector.Detection) []detector.Detection {
	if c.MinConfidence <= 0 {
		return dets
	}
	out := make([]detector.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= c.MinConfidence {
			out = append(out, d)
		}
	}
	return out
}

// labels snapshots the class table so a reload mid-request cannot mix names.
func (c *Counter) labels() *detector.Labels {
	if c.Labels == nil {
		return detector.NewLabels(detector.DefaultNames)
	}
	return detector.NewLabels(c.Labels.Names())
}

// Count sniffs the upload and dispatches to the image or video path.
func (c *Counter) Count(ctx context.Context, up Upload, opts Options) (rep inventory.Report, err error) {
	start := time.Now()
	mode := opts.Mode
	if mode == "" {
		mode = inventory.ModeAuto
	}
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = outcomeOf(err)
		}
		label := string(rep.Mode)
		if label == "" {
			label = string(mode)
		}
		metrics.RecordCountRequest(label, outcome, time.Since(start))
	}()

	if len(up.Data) == 0 {
		return inventory.Report{}, fmt.Errorf("%w: empty upload", media.ErrDecode)
	}
	sum := sha256.Sum256(up.Data)

	kind := media.Sniff(up.Data[:min(512, len(up.Data))], up.Filename)
	switch kind {
	case media.KindImage:
		rep, err = c.countImage(ctx, up.Data, mode)
	case media.KindVideo:
		if mode == inventory.ModeImage {
			return inventory.Report{}, ErrModeMismatch
		}
		var (
			path    string
			cleanup func()
		)
		path, cleanup, err = media.SpoolTemp(c.TempDir, bytes.NewReader(up.Data), media.Ext(up.Filename, kind))
		if err != nil {
			return inventory.Report{}, err
		}
		defer cleanup()
		rep, err = c.CountVideo(ctx, path, mode, opts.IntervalSeconds, opts.Progress)
	default:
		return inventory.Report{}, media.ErrUnsupported
	}
	if err != nil {
		return inventory.Report{}, err
	}

	rep.DeviceID = opts.DeviceID
	rep.Source = up.Filename
	rep.SHA256 = hex.EncodeToString(sum[:])
	rep.DurationMS = time.Since(start).Milliseconds()
	metrics.RecordCounts(rep.Counts)

	c.log().Info("count complete",
		zap.String("report_id", rep.ID.String()),
		zap.String("mode", string(rep.Mode)),
		zap.Int("frames_sampled", rep.FramesSampled),
		zap.Int("total", rep.Total),
		zap.Int64("duration_ms", rep.DurationMS))
	return rep, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, detector.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, media.ErrNoFrames):
		return "no_frames"
	case errors.Is(err, media.ErrDecode), errors.Is(err, media.ErrUnsupported), errors.Is(err, ErrModeMismatch):
		return "bad_input"
	}
	return "error"
}

// CountImage counts a single still image.
func (c *Counter) CountImage(ctx context.Context, data []byte) (inventory.Report, error) {
	return c.countImage(ctx, data, inventory.ModeImage)
}

// countImage handles a still in any mode. In track mode it is a one-frame
// video, so every detection starts its own track.
func (c *Counter) countImage(ctx context.Context, data []byte, mode inventory.Mode) (inventory.Report, error) {
	img, err := media.DecodeImage(data)
	if err != nil {
		return inventory.Report{}, err
	}
	dets, err := c.detect(ctx, img, c.labels())
	if err != nil {
		return inventory.Report{}, err
	}

	if mode == inventory.ModeAuto || mode == inventory.ModeFrames {
		mode = inventory.ModeImage
	}
	var rep inventory.Report
	if mode == inventory.ModeTrack {
		tt := inventory.NewTrackTally(c.Tracking.MinHits)
		tt.Observe(tracking.New(c.Tracking).Update(dets))
		rep = inventory.NewReport(mode, tt.Counts())
		rep.Tracks = tt.UniqueTracks()
	} else {
		rep = inventory.NewReport(mode, inventory.CountDetections(c.confident(dets)))
	}
	rep.FramesTotal, rep.FramesSampled = 1, 1
	return rep, nil
}

func (c *Counter) detect(ctx context.Context, img image.Image, labels *detector.Labels) ([]detector.Detection, error) {
	dets, err := c.Detector.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	labels.Apply(dets)
	return dets, nil
}

// CountVideo samples one frame per interval from the file at path, detects
// kept frames concurrently and aggregates them in frame order.
func (c *Counter) CountVideo(ctx context.Context, path string, mode inventory.Mode, interval float64, progress func(int)) (inventory.Report, error) {
	switch mode {
	case "", inventory.ModeAuto:
		mode = inventory.ModeFrames
	case inventory.ModeImage:
		return inventory.Report{}, ErrModeMismatch
	}

	info, err := c.Decoder.Probe(ctx, path)
	if err != nil {
		return inventory.Report{}, fmt.Errorf("%w: %v", media.ErrNoFrames, err)
	}
	sampler := inventory.NewSampler(inventory.SampleStep(info.FPS, interval), c.MaxFrames)
	labels := c.labels()

	var (
		mu      sync.Mutex
		results = map[int][]detector.Detection{}
		done    int
		decoded int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.Workers))

	decodeErr := c.Decoder.Frames(gctx, path, func(f media.Frame) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		decoded++
		if !sampler.Keep(f.Index) {
			if sampler.Done() {
				return media.ErrStop
			}
			return nil
		}
		slot := sampler.Kept() - 1
		img := f.Image
		g.Go(func() error {
			dets, err := c.detect(gctx, img, labels)
			if err != nil {
				return fmt.Errorf("frame %d: %w", f.Index, err)
			}
			mu.Lock()
			results[slot] = dets
			done++
			if progress != nil {
				progress(done)
			}
			mu.Unlock()
			return nil
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return inventory.Report{}, err
	}
	if err := ctx.Err(); err != nil {
		return inventory.Report{}, err
	}

	kept := sampler.Kept()
	metrics.RecordFrames(decoded, kept)
	if decodeErr != nil {
		if kept == 0 {
			return inventory.Report{}, fmt.Errorf("%w: %v", media.ErrNoFrames, decodeErr)
		}
		c.log().Warn("video decode ended early, counting frames read so far",
			zap.Int("frames_sampled", kept), zap.Error(decodeErr))
	}
	if kept == 0 {
		return inventory.Report{}, media.ErrNoFrames
	}

	var rep inventory.Report
	switch mode {
	case inventory.ModeTrack:
		tr := tracking.New(c.Tracking)
		tt := inventory.NewTrackTally(c.Tracking.MinHits)
		for i := 0; i < kept; i++ {
			tt.Observe(tr.Update(results[i]))
		}
		rep = inventory.NewReport(mode, tt.Counts())
		rep.Tracks = tt.UniqueTracks()
	default:
		ft := inventory.NewFrameTally()
		for i := 0; i < kept; i++ {
			ft.Observe(c.confident(results[i]))
		}
		rep = inventory.NewReport(mode, ft.Counts())
	}
	rep.FramesTotal = decoded
	rep.FramesSampled = kept
	return rep, nil
}

// FirstFrame returns the upload itself for images or the first decoded
// frame for videos.
func (c *Counter) FirstFrame(ctx context.Context, up Upload) (image.Image, error) {
	kind := media.Sniff(up.Data[:min(512, len(up.Data))], up.Filename)
	switch kind {
	case media.KindImage:
		return media.DecodeImage(up.Data)
	case media.KindVideo:
	default:
		return nil, media.ErrUnsupported
	}

	path, cleanup, err := media.SpoolTemp(c.TempDir, bytes.NewReader(up.Data), media.Ext(up.Filename, kind))
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var first image.Image
	err = c.Decoder.Frames(ctx, path, func(f media.Frame) error {
		first = f.Image
		return media.ErrStop
	})
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, media.ErrNoFrames
	}
	return first, nil
}
