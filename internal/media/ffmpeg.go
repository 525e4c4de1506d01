package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

func init() {
	RegisterDecoder("ffmpeg", func() (VideoDecoder, error) {
		return &FFmpegDecoder{ProbeTimeout: 30 * time.Second}, nil
	})
}

// FFmpegDecoder shells out to ffprobe and ffmpeg from PATH and reads raw
// RGB frames off a pipe.
type FFmpegDecoder struct {
	ProbeTimeout time.Duration
}

func (d *FFmpegDecoder) Probe(ctx context.Context, path string) (VideoInfo, error) {
	timeout := d.ProbeTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && (timeout == 0 || left < timeout) {
			timeout = left
		}
	}
	out, err := ffmpeg.ProbeWithTimeout(path, timeout, ffmpeg.KwArgs{})
	if err != nil {
		return VideoInfo{}, fmt.Errorf("%w: ffprobe: %v", ErrDecode, err)
	}
	return parseProbe(out)
}

// parseProbe reads the first video stream from ffprobe's JSON output.
func parseProbe(js string) (VideoInfo, error) {
	if !gjson.Valid(js) {
		return VideoInfo{}, fmt.Errorf("%w: malformed ffprobe output", ErrDecode)
	}
	v := gjson.Get(js, `streams.#(codec_type=="video")`)
	if !v.Exists() {
		return VideoInfo{}, fmt.Errorf("%w: no video stream", ErrDecode)
	}

	info := VideoInfo{
		Width:  int(v.Get("width").Int()),
		Height: int(v.Get("height").Int()),
		FPS:    parseRate(v.Get("r_frame_rate").String()),
	}
	if info.FPS == 0 {
		info.FPS = parseRate(v.Get("avg_frame_rate").String())
	}
	if info.Width <= 0 || info.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("%w: bad dimensions %dx%d", ErrDecode, info.Width, info.Height)
	}
	// ffmpeg autorotates, so quarter turns arrive with the sides swapped.
	info.Rotation = streamRotation(v)
	if info.Rotation == 90 || info.Rotation == 270 {
		info.Width, info.Height = info.Height, info.Width
	}

	secs := v.Get("duration").Float()
	if secs == 0 {
		secs = gjson.Get(js, "format.duration").Float()
	}
	info.Duration = time.Duration(math.Round(secs * float64(time.Second)))

	info.FrameCount = int(v.Get("nb_frames").Int())
	if info.FrameCount == 0 && info.FPS > 0 {
		info.FrameCount = int(secs*info.FPS + 0.5)
	}
	return info, nil
}

// streamRotation is the display rotation in degrees, normalised to
// [0, 360). Newer ffprobe reports a display matrix in side data; older
// builds use the rotate tag.
func streamRotation(v gjson.Result) int {
	var deg int64
	if r := v.Get("side_data_list.#.rotation"); len(r.Array()) > 0 {
		deg = r.Array()[0].Int()
	} else {
		deg = v.Get("tags.rotate").Int()
	}
	return int((deg%360 + 360) % 360)
}

// parseRate converts "30000/1001" or "25" to frames per second.
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	dd, err := strconv.ParseFloat(den, 64)
	if err != nil || dd == 0 {
		return 0
	}
	return n / dd
}

// limitedBuffer keeps the first n bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	n   int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.n - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

func (d *FFmpegDecoder) Frames(ctx context.Context, path string, fn func(Frame) error) error {
	info, err := d.Probe(ctx, path)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	stderr := &limitedBuffer{n: 4096}
	stream := ffmpeg.Input(path).
		Output("pipe:", ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "rgb24"}).
		WithOutput(pw).
		WithErrorOutput(stderr)
	stream.Context = runCtx

	runErr := make(chan error, 1)
	go func() {
		err := stream.Run()
		pw.CloseWithError(err)
		runErr <- err
	}()

	var cbErr error
	readErr := readRGB24(pr, info, func(f Frame) error {
		cbErr = fn(f)
		return cbErr
	})
	cancel()
	pr.Close()
	ffErr := <-runErr

	switch {
	case errors.Is(cbErr, ErrStop):
		return nil
	case cbErr != nil:
		return cbErr
	case ctx.Err() != nil:
		return ctx.Err()
	case ffErr != nil:
		return fmt.Errorf("%w: ffmpeg: %v: %s", ErrDecode, ffErr, stderr.String())
	case readErr != nil:
		return fmt.Errorf("%w: %v", ErrDecode, readErr)
	}
	return nil
}

// readRGB24 slices a raw rgb24 stream into frames. A trailing partial frame
// is dropped.
func readRGB24(r io.Reader, info VideoInfo, fn func(Frame) error) error {
	w, h := info.Width, info.Height
	raw := make([]byte, w*h*3)
	for i := 0; ; i++ {
		if _, err := io.ReadFull(r, raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for p, q := 0, 0; p < len(raw); p, q = p+3, q+4 {
			img.Pix[q] = raw[p]
			img.Pix[q+1] = raw[p+1]
			img.Pix[q+2] = raw[p+2]
			img.Pix[q+3] = 0xff
		}
		if err := fn(Frame{Index: i, Time: frameTime(i, info.FPS), Image: img}); err != nil {
			return err
		}
	}
}

func frameTime(i int, fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(math.Round(float64(i) / fps * float64(time.Second)))
}
