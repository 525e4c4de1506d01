package detector

import (
	"context"
	"errors"
	"image"
)

// ErrUnavailable is returned when no inference backend could be loaded.
var ErrUnavailable = errors.New("detector unavailable")

// Detection is one object found in a frame. TrackID is 0 until a tracker
// assigns an identity.
type Detection struct {
	ClassID    int     `json:"class_id"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
	TrackID    int64   `json:"track_id,omitempty"`
}

// Detector runs object detection over a single decoded frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
	Close() error
}

// Func adapts a plain function to the Detector interface.
type Func func(ctx context.Context, img image.Image) ([]Detection, error)

func (f Func) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	return f(ctx, img)
}

func (f Func) Close() error { return nil }

// Unavailable returns a Detector that fails every call with ErrUnavailable.
// The daemon serves with it when the model cannot be loaded so that health
// and report endpoints stay up.
func Unavailable(cause error) Detector {
	return Func(func(context.Context, image.Image) ([]Detection, error) {
		if cause != nil {
			return nil, errors.Join(ErrUnavailable, cause)
		}
		return nil, ErrUnavailable
	})
}

// Params are the knobs shared by every backend.
type Params struct {
	ImgSize       int
	ConfThreshold float32
	IoUThreshold  float32
}

// DefaultParams matches the shelf model export: 320px input, ultralytics
// default thresholds.
func DefaultParams() Params {
	return Params{ImgSize: 320, ConfThreshold: 0.25, IoUThreshold: 0.7}
}
