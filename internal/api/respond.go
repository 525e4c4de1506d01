package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/technosupport/ts-inventory/internal/data"
	"github.com/technosupport/ts-inventory/internal/detector"
	"github.com/technosupport/ts-inventory/internal/media"
	"github.com/technosupport/ts-inventory/internal/pipeline"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps pipeline and storage errors to a status and the message
// clients see. Legacy /detect clients match on the first two texts.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, media.ErrDecode):
		return http.StatusBadRequest, "Invalid image/video"
	case errors.Is(err, media.ErrNoFrames):
		return http.StatusBadRequest, "Could not extract frames"
	case errors.Is(err, media.ErrUnsupported):
		return http.StatusUnsupportedMediaType, "unsupported media type"
	case errors.Is(err, pipeline.ErrModeMismatch):
		return http.StatusBadRequest, pipeline.ErrModeMismatch.Error()
	case errors.Is(err, detector.ErrUnavailable):
		return http.StatusServiceUnavailable, "detector unavailable"
	case errors.Is(err, data.ErrRecordNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
