// Package tracking assigns stable ids to detections across frames.
package tracking

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"

	"github.com/technosupport/ts-inventory/internal/detector"
)

type Config struct {
	IoUThreshold float32 `yaml:"iou_threshold"`
	HighConf     float32 `yaml:"high_conf"`
	LowConf      float32 `yaml:"low_conf"`
	MaxLost      int     `yaml:"max_lost"`
	MinHits      int     `yaml:"min_hits"`
}

// DefaultConfig follows ByteTrack: any box the detector keeps at its
// default threshold can start a track, weaker ones only extend one.
func DefaultConfig() Config {
	return Config{IoUThreshold: 0.3, HighConf: 0.25, LowConf: 0.1, MaxLost: 30, MinHits: 1}
}

type track struct {
	id    int64
	class int
	box   detector.Box
	hits  int
	lost  int
}

// Tracker is a two-stage IoU tracker in the ByteTrack style. Confident
// detections are matched first; leftover tracks then get a chance to claim
// weak detections so an item survives a frame of low scores. A Tracker is
// not safe for concurrent use: feed it one video's frames in order.
type Tracker struct {
	cfg    Config
	tracks []*track
	nextID int64
}

func New(cfg Config) *Tracker {
	if cfg.MaxLost < 0 {
		cfg.MaxLost = 0
	}
	return &Tracker{cfg: cfg, nextID: 1}
}

// Active is the number of live tracks, including ones currently lost.
func (t *Tracker) Active() int { return len(t.tracks) }

// Update consumes one frame of detections and returns a copy with TrackID
// set. Detections that neither matched nor started a track keep id 0.
func (t *Tracker) Update(dets []detector.Detection) []detector.Detection {
	out := make([]detector.Detection, len(dets))
	copy(out, dets)

	var high, low []int
	for i, d := range out {
		out[i].TrackID = 0
		switch {
		case d.Confidence >= t.cfg.HighConf:
			high = append(high, i)
		case d.Confidence >= t.cfg.LowConf:
			low = append(low, i)
		}
	}

	index := t.index()
	matched := make([]bool, len(t.tracks))

	for _, pass := range [][]int{high, low} {
		for _, m := range t.associate(index, matched, out, pass) {
			tr := t.tracks[m.track]
			matched[m.track] = true
			tr.box = out[m.det].Box
			tr.hits++
			tr.lost = 0
			out[m.det].TrackID = tr.id
		}
	}

	for _, i := range high {
		if out[i].TrackID != 0 {
			continue
		}
		tr := &track{id: t.nextID, class: out[i].ClassID, box: out[i].Box, hits: 1}
		t.nextID++
		t.tracks = append(t.tracks, tr)
		matched = append(matched, true)
		out[i].TrackID = tr.id
	}

	alive := t.tracks[:0]
	for j, tr := range t.tracks {
		if !matched[j] {
			tr.lost++
		}
		if tr.lost <= t.cfg.MaxLost {
			alive = append(alive, tr)
		}
	}
	for j := len(alive); j < len(t.tracks); j++ {
		t.tracks[j] = nil
	}
	t.tracks = alive
	return out
}

func (t *Tracker) index() *flatbush.Flatbush[float32] {
	if len(t.tracks) == 0 {
		return nil
	}
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(t.tracks))
	for _, tr := range t.tracks {
		fb.Add(tr.box.X1, tr.box.Y1, tr.box.X2, tr.box.Y2)
	}
	fb.Finish()
	return fb
}

type pair struct {
	track, det int
	iou        float32
}

// associate matches the given detection indices against unmatched tracks of
// the same class. Pairs are taken greedily by descending IoU; ties fall back
// to track then detection order so the result is deterministic.
func (t *Tracker) associate(fb *flatbush.Flatbush[float32], matched []bool, dets []detector.Detection, which []int) []pair {
	if fb == nil || len(which) == 0 {
		return nil
	}
	var (
		pairs  []pair
		nearby []int
	)
	for _, i := range which {
		b := dets[i].Box
		nearby = fb.SearchFast(b.X1, b.Y1, b.X2, b.Y2, nearby)
		for _, j := range nearby {
			if matched[j] || t.tracks[j].class != dets[i].ClassID {
				continue
			}
			if iou := t.tracks[j].box.IoU(b); iou >= t.cfg.IoUThreshold && iou > 0 {
				pairs = append(pairs, pair{track: j, det: i, iou: iou})
			}
		}
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].iou != pairs[b].iou {
			return pairs[a].iou > pairs[b].iou
		}
		if pairs[a].track != pairs[b].track {
			return pairs[a].track < pairs[b].track
		}
		return pairs[a].det < pairs[b].det
	})

	usedTrack := map[int]bool{}
	usedDet := map[int]bool{}
	var result []pair
	for _, p := range pairs {
		if usedTrack[p.track] || usedDet[p.det] {
			continue
		}
		usedTrack[p.track] = true
		usedDet[p.det] = true
		result = append(result, p)
	}
	return result
}
