package inventory

import "github.com/technosupport/ts-inventory/internal/detector"

// FrameTally sums the per-frame counts. An item visible in N frames counts N
// times.
type FrameTally struct {
	counts Counts
	frames int
}

func NewFrameTally() *FrameTally {
	return &FrameTally{counts: Counts{}}
}

// Observe adds one frame's detections.
func (t *FrameTally) Observe(dets []detector.Detection) {
	t.frames++
	t.counts.Merge(CountDetections(dets))
}

// Frames is the number of frames observed.
func (t *FrameTally) Frames() int { return t.frames }

// Counts is the running per-label sum. The map is live; copy it to keep it.
func (t *FrameTally) Counts() Counts { return t.counts }

type trackState struct {
	label   string
	hits    int
	counted bool
}

// TrackTally counts each track id once, under the label it had when first
// seen. Detections without a track id are ignored.
type TrackTally struct {
	MinHits int

	tracks map[int64]*trackState
	counts Counts
}

func NewTrackTally(minHits int) *TrackTally {
	return &TrackTally{
		MinHits: max(1, minHits),
		tracks:  make(map[int64]*trackState),
		counts:  Counts{},
	}
}

// Observe records one frame of tracked detections. A track is counted once
// it has been seen in MinHits frames.
func (t *TrackTally) Observe(dets []detector.Detection) {
	for _, d := range dets {
		if d.TrackID == 0 {
			continue
		}
		st, ok := t.tracks[d.TrackID]
		if !ok {
			st = &trackState{label: d.Label}
			t.tracks[d.TrackID] = st
		}
		st.hits++
		if !st.counted && st.hits >= t.MinHits {
			st.counted = true
			t.counts.Add(st.label, 1)
		}
	}
}

// Counts holds one entry per counted track, keyed by its first label.
func (t *TrackTally) Counts() Counts { return t.counts }

// UniqueTracks is the number of ids that met MinHits.
func (t *TrackTally) UniqueTracks() int {
	return t.counts.Total()
}

// Seen is the number of distinct ids observed, counted or not.
func (t *TrackTally) Seen() int { return len(t.tracks) }
