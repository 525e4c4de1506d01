package main

import (
	"context"
	"image"
	"math/rand/v2"

	"github.com/technosupport/ts-inventory/internal/detector"
)

// mockDetector returns 1-3 random boxes per frame. It is for wiring tests
// on machines without ONNX Runtime.
func mockDetector(numClasses int) detector.Detector {
	numClasses = max(1, numClasses)
	return detector.Func(func(_ context.Context, img image.Image) ([]detector.Detection, error) {
		b := img.Bounds()
		w, h := float32(b.Dx()), float32(b.Dy())
		n := rand.IntN(3) + 1
		dets := make([]detector.Detection, n)
		for i := range dets {
			x := rand.Float32() * 0.7
			y := rand.Float32() * 0.7
			bw := 0.1 + rand.Float32()*0.2
			bh := 0.1 + rand.Float32()*0.2
			dets[i] = detector.Detection{
				ClassID:    rand.IntN(numClasses),
				Confidence: 0.6 + rand.Float32()*0.4,
				Box: detector.Box{
					X1: x * w, Y1: y * h,
					X2: min(1, x+bw) * w, Y2: min(1, y+bh) * h,
				}.Clip(w, h),
			}
		}
		return dets, nil
	})
}
