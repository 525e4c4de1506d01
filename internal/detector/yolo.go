package detector

import (
	"fmt"
	"sort"
)

// DecodeYOLOv8 turns a [1, 4+nc, N] output tensor into detections in
// source-image coordinates. Rows are cx, cy, w, h followed by one score per
// class; there is no objectness row.
func DecodeYOLOv8(out []float32, nc int, p Params, lb Letterbox) ([]Detection, error) {
	stride := 4 + nc
	if nc <= 0 || len(out)%stride != 0 {
		return nil, fmt.Errorf("output of %d values does not fit %d classes", len(out), nc)
	}
	n := len(out) / stride

	var dets []Detection
	for i := 0; i < n; i++ {
		cls, best := -1, float32(0)
		for c := 0; c < nc; c++ {
			if s := out[(4+c)*n+i]; s > best {
				best, cls = s, c
			}
		}
		if cls < 0 || best < p.ConfThreshold {
			continue
		}
		cx, cy := out[i], out[n+i]
		w, h := out[2*n+i], out[3*n+i]
		box := lb.Unmap(Box{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2})
		if box.Area() <= 0 {
			continue
		}
		dets = append(dets, Detection{ClassID: cls, Confidence: best, Box: box})
	}
	return NMS(dets, p.IoUThreshold), nil
}

// NMS is class-aware greedy non-maximum suppression. The result is ordered
// by descending confidence.
func NMS(dets []Detection, iou float32) []Detection {
	if len(dets) == 0 {
		return nil
	}
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	suppressed := make([]bool, len(sorted))
	keep := make([]Detection, 0, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		keep = append(keep, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassID != sorted[i].ClassID {
				continue
			}
			if sorted[i].Box.IoU(sorted[j].Box) > iou {
				suppressed[j] = true
			}
		}
	}
	return keep
}
