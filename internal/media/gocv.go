//go:build gocv

package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

func init() {
	RegisterDecoder("gocv", func() (VideoDecoder, error) {
		return GocvDecoder{}, nil
	})
}

// GocvDecoder reads frames in-process through OpenCV's VideoCapture. Built
// only with -tags gocv since it needs the OpenCV shared libraries.
type GocvDecoder struct{}

func (GocvDecoder) Probe(_ context.Context, path string) (VideoInfo, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return VideoInfo{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer vc.Close()
	return captureInfo(vc)
}

func captureInfo(vc *gocv.VideoCapture) (VideoInfo, error) {
	info := VideoInfo{
		FPS:        vc.Get(gocv.VideoCaptureFPS),
		Width:      int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
		FrameCount: int(vc.Get(gocv.VideoCaptureFrameCount)),
	}
	if info.Width <= 0 || info.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("%w: bad dimensions %dx%d", ErrDecode, info.Width, info.Height)
	}
	if info.FPS > 0 {
		info.Duration = time.Duration(float64(info.FrameCount) / info.FPS * float64(time.Second))
	}
	return info, nil
}

func (GocvDecoder) Frames(ctx context.Context, path string, fn func(Frame) error) error {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer vc.Close()
	info, err := captureInfo(vc)
	if err != nil {
		return err
	}

	mat := gocv.NewMat()
	defer mat.Close()
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ok := vc.Read(&mat); !ok || mat.Empty() {
			return nil
		}
		img, err := mat.ToImage()
		if err != nil {
			return fmt.Errorf("%w: frame %d: %v", ErrDecode, i, err)
		}
		if err := fn(Frame{Index: i, Time: frameTime(i, info.FPS), Image: img}); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}
