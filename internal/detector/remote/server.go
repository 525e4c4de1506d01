package remote

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/detector"
	"github.com/technosupport/ts-inventory/internal/media"
)

// maxFrameBytes caps one posted frame.
const maxFrameBytes = 32 << 20

// Server exposes a Detector over the /predict contract Client speaks. It
// lets one GPU host serve several inventoryd replicas.
type Server struct {
	Detector detector.Detector
	Labels   *detector.Labels
	Log      *zap.Logger
}

func NewServer(det detector.Detector, labels *detector.Labels, log *zap.Logger) *Server {
	return &Server{Detector: det, Labels: labels, Log: log.Named("predict")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Predict handles POST /predict. The body is one encoded image. conf and
// iou can only tighten the model's own thresholds: boxes below conf are
// dropped and NMS is re-run at iou.
func (s *Server) Predict(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conf, err := queryFloat(q.Get("conf"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conf"})
		return
	}
	iou, err := queryFloat(q.Get("iou"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid iou"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "frame too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read frame"})
		return
	}
	img, err := media.DecodeImage(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid image/video"})
		return
	}

	dets, err := s.Detector.Detect(r.Context(), img)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, detector.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		s.Log.Warn("detect failed", zap.Error(err))
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	if conf > 0 {
		kept := dets[:0]
		for _, d := range dets {
			if d.Confidence >= conf {
				kept = append(kept, d)
			}
		}
		dets = kept
	}
	if iou > 0 {
		dets = detector.NMS(dets, iou)
	}
	if s.Labels != nil {
		s.Labels.Apply(dets)
	}

	preds := make([]prediction, len(dets))
	for i, d := range dets {
		preds[i] = prediction{
			Class:      d.ClassID,
			Name:       d.Label,
			Confidence: d.Confidence,
			Box:        []float32{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
			TrackID:    d.TrackID,
		}
	}
	writeJSON(w, http.StatusOK, preds)
}

func queryFloat(s string) (float32, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil || v < 0 || v > 1 {
		return 0, errors.New("out of range")
	}
	return float32(v), nil
}
