package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/technosupport/ts-inventory/internal/detector"
	"github.com/technosupport/ts-inventory/internal/inventory"
	"github.com/technosupport/ts-inventory/internal/media"
	"github.com/technosupport/ts-inventory/internal/tracking"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDecoder emits n frames whose top-left red value carries the index, so
// the fake detector can tell frames apart.
type fakeDecoder struct {
	fps      float64
	n        int
	probeErr error
	failAt   int // emit a decode error after this many frames; 0 = never
}

func (d *fakeDecoder) Probe(context.Context, string) (media.VideoInfo, error) {
	if d.probeErr != nil {
		return media.VideoInfo{}, d.probeErr
	}
	return media.VideoInfo{FPS: d.fps, Width: 4, Height: 4, FrameCount: d.n}, nil
}

func (d *fakeDecoder) Frames(ctx context.Context, _ string, fn func(media.Frame) error) error {
	for i := 0; i < d.n; i++ {
		if d.failAt > 0 && i == d.failAt {
			return media.ErrDecode
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		img.Set(0, 0, color.RGBA{R: uint8(i), A: 255})
		if err := fn(media.Frame{Index: i, Image: img}); err != nil {
			if errors.Is(err, media.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func frameIndex(img image.Image) int {
	r, _, _, _ := img.At(0, 0).RGBA()
	return int(r >> 8)
}

// perFrame returns the given detections for each frame index.
func perFrame(table map[int][]detector.Detection, calls *int32) detector.Detector {
	return detector.Func(func(_ context.Context, img image.Image) ([]detector.Detection, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		src := table[frameIndex(img)]
		out := make([]detector.Detection, len(src))
		copy(out, src)
		return out, nil
	})
}

func box(class int, x float32) detector.Detection {
	return scored(class, x, 0.9)
}

func scored(class int, x, conf float32) detector.Detection {
	return detector.Detection{ClassID: class, Confidence: conf, Box: detector.Box{X1: x, Y1: 0, X2: x + 10, Y2: 10}}
}

var mp4Header = append([]byte{0, 0, 0, 0x18}, []byte("ftypisom\x00\x00\x02\x00isomiso2")...)

func newCounter(dec media.VideoDecoder, det detector.Detector) *Counter {
	return &Counter{
		Detector: det,
		Decoder:  dec,
		Labels:   detector.NewLabels(detector.DefaultNames),
		Tracking: tracking.DefaultConfig(),
		// The detector runs down to Tracking.LowConf.
		MinConfidence: 0.25,
		Workers:       4,
	}
}

func pngUpload(t *testing.T) Upload {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return Upload{Filename: "shelf.png", Data: buf.Bytes()}
}

func TestCountImage(t *testing.T) {
	det := perFrame(map[int][]detector.Detection{0: {box(0, 0), box(0, 20), box(3, 40), box(9, 60)}}, nil)
	c := newCounter(nil, det)

	rep, err := c.Count(context.Background(), pngUpload(t), Options{DeviceID: "cam-1"})
	require.NoError(t, err)
	assert.Equal(t, inventory.ModeImage, rep.Mode)
	want := inventory.Counts{"Chips": 2, "Cold Drinks": 1, "class_9": 1}
	if diff := cmp.Diff(want, rep.Counts); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	assert.Equal(t, 4, rep.Total)
	assert.Equal(t, 1, rep.FramesSampled)
	assert.Equal(t, "cam-1", rep.DeviceID)
	assert.Equal(t, "shelf.png", rep.Source)
	assert.Len(t, rep.SHA256, 64)
}

func TestCountImageTrackMode(t *testing.T) {
	det := perFrame(map[int][]detector.Detection{0: {box(1, 0), box(1, 20)}}, nil)
	c := newCounter(nil, det)

	rep, err := c.Count(context.Background(), pngUpload(t), Options{Mode: inventory.ModeTrack})
	require.NoError(t, err)
	assert.Equal(t, inventory.ModeTrack, rep.Mode)
	assert.Equal(t, inventory.Counts{"Ice Cream": 2}, rep.Counts)
	assert.Equal(t, 2, rep.Tracks)
}

func TestCountImageModesAgreeOnWeakDetections(t *testing.T) {
	// 0.3 clears the count threshold; 0.15 is only visible to the tracker.
	det := perFrame(map[int][]detector.Detection{0: {scored(0, 0, 0.3), scored(2, 40, 0.15)}}, nil)
	c := newCounter(nil, det)

	frames, err := c.Count(context.Background(), pngUpload(t), Options{})
	require.NoError(t, err)
	track, err := c.Count(context.Background(), pngUpload(t), Options{Mode: inventory.ModeTrack})
	require.NoError(t, err)

	assert.Equal(t, inventory.Counts{"Chips": 1}, frames.Counts)
	assert.Equal(t, frames.Counts, track.Counts)
}

func TestCountVideoWeakDetections(t *testing.T) {
	// A chips bag scores 0.3 throughout; its score dips to 0.15 in frame 1.
	table := map[int][]detector.Detection{
		0: {scored(0, 0, 0.3)},
		1: {scored(0, 1, 0.15)},
		2: {scored(0, 2, 0.3)},
	}
	c := newCounter(&fakeDecoder{fps: 1, n: 3}, perFrame(table, nil))
	c.Workers = 1

	frames, err := c.CountVideo(context.Background(), "clip.mp4", inventory.ModeFrames, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, inventory.Counts{"Chips": 2}, frames.Counts)

	track, err := c.CountVideo(context.Background(), "clip.mp4", inventory.ModeTrack, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, inventory.Counts{"Chips": 1}, track.Counts)
	assert.Equal(t, 1, track.Tracks)
}

func TestCountVideoFramesSumsSampledFrames(t *testing.T) {
	var calls int32
	table := map[int][]detector.Detection{
		0: {box(0, 0)},
		2: {box(0, 0), box(2, 30)},
		4: {box(2, 30)},
		1: {box(3, 0)}, // skipped by the sampler
	}
	c := newCounter(&fakeDecoder{fps: 2, n: 6}, perFrame(table, &calls))

	rep, err := c.Count(context.Background(),
		Upload{Filename: "clip.mp4", Data: mp4Header},
		Options{IntervalSeconds: 1})
	require.NoError(t, err)
	assert.Equal(t, inventory.ModeFrames, rep.Mode)
	assert.Equal(t, inventory.Counts{"Chips": 2, "Noodles": 2}, rep.Counts)
	assert.Equal(t, 6, rep.FramesTotal)
	assert.Equal(t, 3, rep.FramesSampled)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCountVideoIntervalZeroKeepsEveryFrame(t *testing.T) {
	table := map[int][]detector.Detection{0: {box(0, 0)}, 1: {box(0, 0)}, 2: {box(0, 0)}}
	c := newCounter(&fakeDecoder{fps: 30, n: 3}, perFrame(table, nil))

	rep, err := c.CountVideo(context.Background(), "clip.mp4", inventory.ModeFrames, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, inventory.Counts{"Chips": 3}, rep.Counts)
}

func TestCountVideoTrackCountsUniqueItems(t *testing.T) {
	// Two chips bags drift right across four frames; a noodle cup appears late.
	table := map[int][]detector.Detection{
		0: {box(0, 0), box(0, 50)},
		1: {box(0, 1), box(0, 51)},
		2: {box(0, 2), box(0, 52), box(2, 100)},
		3: {box(0, 3), box(0, 53), box(2, 101)},
	}
	var progress []int
	c := newCounter(&fakeDecoder{fps: 1, n: 4}, perFrame(table, nil))
	c.Workers = 1

	rep, err := c.CountVideo(context.Background(), "clip.mp4", inventory.ModeTrack, 1, func(n int) {
		progress = append(progress, n)
	})
	require.NoError(t, err)
	assert.Equal(t, inventory.Counts{"Chips": 2, "Noodles": 1}, rep.Counts)
	assert.Equal(t, 3, rep.Tracks)
	assert.Equal(t, []int{1, 2, 3, 4}, progress)
}

func TestCountVideoMaxFrames(t *testing.T) {
	var calls int32
	c := newCounter(&fakeDecoder{fps: 1, n: 100}, perFrame(nil, &calls))
	c.MaxFrames = 5

	rep, err := c.CountVideo(context.Background(), "clip.mp4", inventory.ModeFrames, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.FramesSampled)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestCountVideoNoFrames(t *testing.T) {
	c := newCounter(&fakeDecoder{fps: 30, n: 0}, perFrame(nil, nil))
	_, err := c.CountVideo(context.Background(), "clip.mp4", inventory.ModeFrames, 1, nil)
	assert.ErrorIs(t, err, media.ErrNoFrames)

	c = newCounter(&fakeDecoder{probeErr: media.ErrDecode}, perFrame(nil, nil))
	_, err = c.CountVideo(context.Background(), "clip.mp4", inventory.ModeFrames, 1, nil)
	assert.ErrorIs(t, err, media.ErrNoFrames)
}

func TestCountVideoPartialDecode(t *testing.T) {
	table := map[int][]detector.Detection{0: {box(0, 0)}, 1: {box(0, 0)}}
	c := newCounter(&fakeDecoder{fps: 1, n: 10, failAt: 2}, perFrame(table, nil))

	rep, err := c.CountVideo(context.Background(), "clip.mp4", inventory.ModeFrames, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.FramesSampled)
	assert.Equal(t, inventory.Counts{"Chips": 2}, rep.Counts)
}

func TestCountVideoDetectorError(t *testing.T) {
	det := detector.Func(func(context.Context, image.Image) ([]detector.Detection, error) {
		return nil, detector.ErrUnavailable
	})
	c := newCounter(&fakeDecoder{fps: 1, n: 50}, det)
	_, err := c.CountVideo(context.Background(), "clip.mp4", inventory.ModeFrames, 1, nil)
	assert.ErrorIs(t, err, detector.ErrUnavailable)
}

func TestCountVideoCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	det := detector.Func(func(ctx context.Context, img image.Image) ([]detector.Detection, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := newCounter(&fakeDecoder{fps: 1, n: 50}, det)
	_, err := c.CountVideo(ctx, "clip.mp4", inventory.ModeFrames, 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCountRejectsBadInput(t *testing.T) {
	c := newCounter(&fakeDecoder{fps: 1, n: 1}, perFrame(nil, nil))

	_, err := c.Count(context.Background(), Upload{Filename: "notes.txt", Data: []byte("hello")}, Options{})
	assert.ErrorIs(t, err, media.ErrUnsupported)

	_, err = c.Count(context.Background(), Upload{Filename: "x.png", Data: []byte("\x89PNG\r\n\x1a\nbroken")}, Options{})
	assert.ErrorIs(t, err, media.ErrDecode)

	_, err = c.Count(context.Background(), Upload{Filename: "clip.mp4", Data: mp4Header}, Options{Mode: inventory.ModeImage})
	assert.ErrorIs(t, err, ErrModeMismatch)

	_, err = c.Count(context.Background(), Upload{}, Options{})
	assert.ErrorIs(t, err, media.ErrDecode)
}

func TestLabelsReloadAppliesToNextRequest(t *testing.T) {
	det := perFrame(map[int][]detector.Detection{0: {box(0, 0)}}, nil)
	c := newCounter(nil, det)

	rep, err := c.CountImage(context.Background(), pngUpload(t).Data)
	require.NoError(t, err)
	assert.Equal(t, inventory.Counts{"Chips": 1}, rep.Counts)

	c.Labels.Replace([]string{"Crisps"})
	rep, err = c.CountImage(context.Background(), pngUpload(t).Data)
	require.NoError(t, err)
	assert.Equal(t, inventory.Counts{"Crisps": 1}, rep.Counts)
}

func TestFirstFrame(t *testing.T) {
	c := newCounter(&fakeDecoder{fps: 1, n: 3}, perFrame(nil, nil))
	c.TempDir = t.TempDir()

	img, err := c.FirstFrame(context.Background(), Upload{Filename: "clip.mp4", Data: mp4Header})
	require.NoError(t, err)
	assert.Equal(t, 0, frameIndex(img))

	img, err = c.FirstFrame(context.Background(), pngUpload(t))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}
