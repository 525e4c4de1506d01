package detector

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxIoU(t *testing.T) {
	a := Box{0, 0, 10, 10}
	assert.InDelta(t, 1.0, a.IoU(a), 1e-6)
	assert.InDelta(t, 25.0/175.0, a.IoU(Box{5, 5, 15, 15}), 1e-6)
	assert.Zero(t, a.IoU(Box{20, 20, 30, 30}))
	assert.Zero(t, Box{}.IoU(Box{}))
}

func TestBoxClip(t *testing.T) {
	b := Box{-5, -1, 120, 50}.Clip(100, 40)
	assert.Equal(t, Box{0, 0, 100, 40}, b)
}

func TestLabelsFallback(t *testing.T) {
	l := NewLabels(DefaultNames)
	assert.Equal(t, "Chips", l.Name(0))
	assert.Equal(t, "Cold Drinks", l.Name(3))
	assert.Equal(t, "class_7", l.Name(7))

	l.Replace([]string{"Soap"})
	assert.Equal(t, "Soap", l.Name(0))
	assert.Equal(t, "class_1", l.Name(1))

	dets := []Detection{{ClassID: 0}, {ClassID: 2}}
	l.Apply(dets)
	assert.Equal(t, "Soap", dets[0].Label)
	assert.Equal(t, "class_2", dets[1].Label)
}

func TestNMSIsClassAware(t *testing.T) {
	dets := []Detection{
		{ClassID: 0, Confidence: 0.6, Box: Box{0, 0, 10, 10}},
		{ClassID: 0, Confidence: 0.9, Box: Box{1, 1, 11, 11}},
		{ClassID: 1, Confidence: 0.8, Box: Box{1, 1, 11, 11}},
		{ClassID: 0, Confidence: 0.5, Box: Box{50, 50, 60, 60}},
	}
	got := NMS(dets, 0.5)
	require.Len(t, got, 3)
	assert.Equal(t, float32(0.9), got[0].Confidence)
	assert.Equal(t, 1, got[1].ClassID)
	assert.Equal(t, float32(0.5), got[2].Confidence)
}

func TestPrepareInputLetterbox(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{255, 0, 0, 255})
		}
	}
	data, lb := PrepareInput(img, 32)
	require.Len(t, data, 3*32*32)
	assert.InDelta(t, 0.5, lb.Scale, 1e-6)
	assert.InDelta(t, 0, lb.PadX, 1e-6)
	assert.InDelta(t, 8, lb.PadY, 1e-6)

	// Top row is padding, middle row is the red image.
	assert.InDelta(t, 114.0/255, data[0], 1e-3)
	mid := 16*32 + 16
	assert.InDelta(t, 1.0, data[mid], 1e-3)
	assert.InDelta(t, 0.0, data[32*32+mid], 1e-3)
}

func TestDecodeYOLOv8(t *testing.T) {
	const n, nc = 3, 2
	out := make([]float32, (4+nc)*n)
	set := func(anchor int, cx, cy, w, h float32, scores ...float32) {
		out[anchor], out[n+anchor], out[2*n+anchor], out[3*n+anchor] = cx, cy, w, h
		for c, s := range scores {
			out[(4+c)*n+anchor] = s
		}
	}
	set(0, 16, 16, 8, 8, 0.9, 0.1)
	set(1, 16, 16, 8, 8, 0.1, 0.05) // below threshold
	set(2, 17, 17, 8, 8, 0.2, 0.7)

	lb := Letterbox{Scale: 0.5, PadX: 0, PadY: 8, SrcW: 64, SrcH: 32}
	dets, err := DecodeYOLOv8(out, nc, DefaultParams(), lb)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, 0, dets[0].ClassID)
	assert.InDelta(t, 24, dets[0].Box.X1, 1e-4)
	assert.InDelta(t, 8, dets[0].Box.Y1, 1e-4)
	assert.InDelta(t, 40, dets[0].Box.X2, 1e-4)
	assert.InDelta(t, 24, dets[0].Box.Y2, 1e-4)
	assert.Equal(t, 1, dets[1].ClassID)

	_, err = DecodeYOLOv8(out[:5], nc, DefaultParams(), lb)
	assert.Error(t, err)
}

func TestUnavailable(t *testing.T) {
	d := Unavailable(errors.New("no model"))
	_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, d.Close())
}
