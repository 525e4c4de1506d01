package inventory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode selects how frames are aggregated.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeImage  Mode = "image"
	ModeFrames Mode = "frames"
	ModeTrack  Mode = "track"
)

// ParseMode accepts a mode name in any case; empty means auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeImage, ModeFrames, ModeTrack:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Report is the result of one count run.
type Report struct {
	ID            uuid.UUID `json:"id"`
	DeviceID      string    `json:"device_id,omitempty"`
	Mode          Mode      `json:"mode"`
	Counts        Counts    `json:"counts"`
	Total         int       `json:"total"`
	FramesTotal   int       `json:"frames_total"`
	FramesSampled int       `json:"frames_sampled"`
	Tracks        int       `json:"tracks,omitempty"`
	Source        string    `json:"source,omitempty"`
	SHA256        string    `json:"sha256,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewReport stamps a fresh id and creation time.
func NewReport(mode Mode, counts Counts) Report {
	if counts == nil {
		counts = Counts{}
	}
	return Report{
		ID:        uuid.New(),
		Mode:      mode,
		Counts:    counts,
		Total:     counts.Total(),
		CreatedAt: time.Now().UTC(),
	}
}
