// Package media sniffs and decodes uploaded images and videos.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrUnsupported = errors.New("unsupported media type")
	ErrDecode      = errors.New("invalid image/video")
	ErrNoFrames    = errors.New("could not extract frames")

	// ErrStop may be returned from a Frames callback to end decoding early
	// without an error.
	ErrStop = errors.New("stop decoding")
)

type Kind string

const (
	KindUnknown Kind = "unknown"
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
)

var videoExts = map[string]bool{
	".mp4": true, ".m4v": true, ".mov": true, ".avi": true,
	".mkv": true, ".webm": true, ".mpg": true, ".mpeg": true, ".ts": true,
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".tif": true, ".tiff": true,
}

// Sniff classifies an upload from its leading bytes, falling back to the
// filename extension when the content type is inconclusive.
func Sniff(header []byte, filename string) Kind {
	ct := http.DetectContentType(header)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return KindImage
	case strings.HasPrefix(ct, "video/"):
		return KindVideo
	}
	// DetectContentType misses tiff and some ISO-BMFF brands such as qt.
	if isTIFF(header) {
		return KindImage
	}
	if len(header) >= 12 && string(header[4:8]) == "ftyp" {
		return KindVideo
	}
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case videoExts[ext]:
		return KindVideo
	case imageExts[ext]:
		return KindImage
	}
	return KindUnknown
}

func isTIFF(b []byte) bool {
	return bytes.HasPrefix(b, []byte("II*\x00")) || bytes.HasPrefix(b, []byte("MM\x00*"))
}

// Ext returns a file extension suitable for spooling an upload.
func Ext(filename string, kind Kind) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if kind == KindVideo && !videoExts[ext] {
		return ".mp4"
	}
	return ext
}

// DecodeImage decodes any registered still image format.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	return img, nil
}

// Frame is one decoded video frame.
type Frame struct {
	Index int
	Time  time.Duration
	Image image.Image
}

// Width and Height are the displayed frame size, after any rotation.
type VideoInfo struct {
	FPS        float64       `json:"fps"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Rotation   int           `json:"rotation,omitempty"`
	FrameCount int           `json:"frame_count"`
	Duration   time.Duration `json:"duration"`
}

// VideoDecoder reads frames from a seekable video file.
type VideoDecoder interface {
	Probe(ctx context.Context, path string) (VideoInfo, error)
	// Frames calls fn for every frame in order. Returning ErrStop ends
	// decoding cleanly; any other error aborts and is returned.
	Frames(ctx context.Context, path string, fn func(Frame) error) error
}
