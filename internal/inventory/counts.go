// Package inventory turns per-frame detections into item tallies.
package inventory

import (
	"math"
	"sort"

	"github.com/technosupport/ts-inventory/internal/detector"
)

// Counts maps a class label to the number of items seen. It marshals as a
// plain JSON object.
type Counts map[string]int

// Add increases label by n.
func (c Counts) Add(label string, n int) {
	c[label] += n
}

// Merge adds every label of other into c.
func (c Counts) Merge(other Counts) {
	for label, n := range other {
		c[label] += n
	}
}

// Total is the sum over all labels.
func (c Counts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Labels returns the labels in lexical order.
func (c Counts) Labels() []string {
	labels := make([]string, 0, len(c))
	for label := range c {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// CountDetections tallies one item per detection.
func CountDetections(dets []detector.Detection) Counts {
	c := Counts{}
	for _, d := range dets {
		c.Add(d.Label, 1)
	}
	return c
}

// SampleStep is the frame stride that keeps one frame per interval. The
// frame rate is truncated first, so 29.97 fps at 1s keeps every 29th frame.
// Unknown rates and a zero interval keep every frame.
func SampleStep(fps, intervalSeconds float64) int {
	if fps <= 0 || intervalSeconds <= 0 || math.IsNaN(fps) || math.IsNaN(intervalSeconds) {
		return 1
	}
	step := int(math.Round(math.Trunc(fps) * intervalSeconds))
	return max(1, step)
}

// Sampler decides which frame indices are sent to the detector.
type Sampler struct {
	Step      int
	MaxFrames int // 0 = unlimited

	kept int
}

// NewSampler keeps every step-th frame, at most maxFrames of them (0 for
// no limit).
func NewSampler(step, maxFrames int) *Sampler {
	return &Sampler{Step: max(1, step), MaxFrames: maxFrames}
}

// Keep reports whether frame index should be processed and records it.
func (s *Sampler) Keep(index int) bool {
	step := max(1, s.Step)
	if index%step != 0 {
		return false
	}
	if s.MaxFrames > 0 && s.kept >= s.MaxFrames {
		return false
	}
	s.kept++
	return true
}

// Done reports whether the frame budget is spent.
func (s *Sampler) Done() bool {
	return s.MaxFrames > 0 && s.kept >= s.MaxFrames
}

// Kept is the number of frames accepted so far.
func (s *Sampler) Kept() int { return s.kept }
