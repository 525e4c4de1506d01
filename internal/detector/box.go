package detector

// Box is an axis-aligned rectangle in source-image pixels.
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

func (b Box) Width() float32  { return max(0, b.X2-b.X1) }
func (b Box) Height() float32 { return max(0, b.Y2-b.Y1) }
func (b Box) Area() float32   { return b.Width() * b.Height() }

func (b Box) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// IoU returns intersection over union. Degenerate boxes yield 0.
func (b Box) IoU(o Box) float32 {
	ix1 := max(b.X1, o.X1)
	iy1 := max(b.Y1, o.Y1)
	ix2 := min(b.X2, o.X2)
	iy2 := min(b.Y2, o.Y2)
	inter := max(0, ix2-ix1) * max(0, iy2-iy1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clip limits the box to [0,w]x[0,h].
func (b Box) Clip(w, h float32) Box {
	return Box{
		X1: min(max(b.X1, 0), w),
		Y1: min(max(b.Y1, 0), h),
		X2: min(max(b.X2, 0), w),
		Y2: min(max(b.Y2, 0), h),
	}
}
