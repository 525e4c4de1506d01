package detector

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/nfnt/resize"
)

// padGrey is the fill value ultralytics uses for letterbox borders.
const padGrey = 114

// Letterbox records how a source image was fitted into the square model
// input, so boxes can be mapped back.
type Letterbox struct {
	Scale      float32
	PadX, PadY float32
	SrcW, SrcH int
}

// Unmap converts a box in model-input pixels to source-image pixels.
func (lb Letterbox) Unmap(b Box) Box {
	if lb.Scale == 0 {
		return b
	}
	return Box{
		X1: (b.X1 - lb.PadX) / lb.Scale,
		Y1: (b.Y1 - lb.PadY) / lb.Scale,
		X2: (b.X2 - lb.PadX) / lb.Scale,
		Y2: (b.Y2 - lb.PadY) / lb.Scale,
	}.Clip(float32(lb.SrcW), float32(lb.SrcH))
}

// PrepareInput letterboxes img onto a size x size grey canvas and returns
// the planar RGB tensor normalised to [0,1].
func PrepareInput(img image.Image, size int) ([]float32, Letterbox) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	lb := Letterbox{SrcW: w, SrcH: h}
	if w == 0 || h == 0 {
		return make([]float32, 3*size*size), lb
	}

	scale := min(float32(size)/float32(w), float32(size)/float32(h))
	nw := max(1, int(float32(w)*scale+0.5))
	nh := max(1, int(float32(h)*scale+0.5))
	lb.Scale = scale
	lb.PadX = float32(size-nw) / 2
	lb.PadY = float32(size-nh) / 2

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.RGBA{padGrey, padGrey, padGrey, 255}}, image.Point{}, draw.Src)

	resized := resize.Resize(uint(nw), uint(nh), img, resize.Bilinear)
	off := image.Pt(int(lb.PadX), int(lb.PadY))
	draw.Draw(canvas, image.Rectangle{Min: off, Max: off.Add(image.Pt(nw, nh))}, resized, resized.Bounds().Min, draw.Src)

	plane := size * size
	out := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		px := canvas.Pix[i*4 : i*4+3]
		out[i] = float32(px[0]) / 255
		out[plane+i] = float32(px[1]) / 255
		out[2*plane+i] = float32(px[2]) / 255
	}
	return out, lb
}
