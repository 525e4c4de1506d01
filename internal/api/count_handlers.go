package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/inventory"
	"github.com/technosupport/ts-inventory/internal/middleware"
	"github.com/technosupport/ts-inventory/internal/pipeline"
	"github.com/technosupport/ts-inventory/internal/reports"
)

// Counter is the part of pipeline.Counter the handlers use.
type Counter interface {
	Count(ctx context.Context, up pipeline.Upload, opts pipeline.Options) (inventory.Report, error)
}

// Multipart parts above this spill to disk instead of memory.
const multipartMemory = 32 << 20

type CountHandler struct {
	Counter         Counter
	Reports         *reports.Service
	MaxUploadBytes  int64
	DefaultInterval float64
	Log             *zap.Logger
}

func NewCountHandler(c Counter, svc *reports.Service, maxUpload int64, interval float64, log *zap.Logger) *CountHandler {
	return &CountHandler{
		Counter:         c,
		Reports:         svc,
		MaxUploadBytes:  maxUpload,
		DefaultInterval: interval,
		Log:             log.Named("api"),
	}
}

// readUpload pulls multipart field "file". On failure it has already
// written the response.
func (h *CountHandler) readUpload(w http.ResponseWriter, r *http.Request) (pipeline.Upload, bool) {
	if h.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return pipeline.Upload{}, false
		}
		respondError(w, http.StatusBadRequest, "expected multipart/form-data with a file field")
		return pipeline.Upload{}, false
	}
	defer r.MultipartForm.RemoveAll()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "No file uploaded")
		return pipeline.Upload{}, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read upload")
		return pipeline.Upload{}, false
	}
	return pipeline.Upload{Filename: hdr.Filename, Data: data}, true
}

func (h *CountHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("count failed",
			zap.String("req_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	respondError(w, status, msg)
}

// record fans a report out and remembers it for dedup.
func (h *CountHandler) record(ctx context.Context, key string, rep inventory.Report) error {
	if h.Reports == nil {
		return nil
	}
	if err := h.Reports.Record(ctx, rep); err != nil {
		return err
	}
	h.Reports.Remember(key, rep)
	return nil
}

// POST /detect
// The original contract: returns only {label: count}. Video keeps every
// frame.
func (h *CountHandler) Detect(w http.ResponseWriter, r *http.Request) {
	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	deviceID := middleware.GetDeviceID(r.Context())
	opts := pipeline.Options{Mode: inventory.ModeAuto, DeviceID: deviceID}

	key := dedupKey(up.Data, opts)
	if h.Reports != nil {
		if rep, hit := h.Reports.Lookup(key); hit {
			respondJSON(w, http.StatusOK, rep.Counts)
			return
		}
	}

	rep, err := h.Counter.Count(r.Context(), up, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.record(r.Context(), key, rep); err != nil {
		// The count itself succeeded; legacy clients only want the tally.
		h.Log.Error("store report", zap.String("report_id", rep.ID.String()), zap.Error(err))
	}
	respondJSON(w, http.StatusOK, rep.Counts)
}

// POST /api/v1/count?mode=&interval=&device=
func (h *CountHandler) Count(w http.ResponseWriter, r *http.Request) {
	h.count(w, r, "")
}

// POST /api/v1/track
func (h *CountHandler) Track(w http.ResponseWriter, r *http.Request) {
	h.count(w, r, inventory.ModeTrack)
}

func (h *CountHandler) count(w http.ResponseWriter, r *http.Request, forced inventory.Mode) {
	q := r.URL.Query()
	mode := forced
	if mode == "" {
		m, err := inventory.ParseMode(q.Get("mode"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		mode = m
	}

	interval := h.DefaultInterval
	if s := q.Get("interval"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 {
			respondError(w, http.StatusBadRequest, "interval must be a non-negative number of seconds")
			return
		}
		interval = v
	}

	// An authenticated device cannot post on behalf of another.
	deviceID := q.Get("device")
	if id := middleware.GetDeviceID(r.Context()); id != "" {
		deviceID = id
	}

	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	opts := pipeline.Options{Mode: mode, IntervalSeconds: interval, DeviceID: deviceID}

	key := dedupKey(up.Data, opts)
	if h.Reports != nil {
		if rep, hit := h.Reports.Lookup(key); hit {
			w.Header().Set("X-Dedup", "hit")
			respondJSON(w, http.StatusOK, rep)
			return
		}
	}

	rep, err := h.Counter.Count(r.Context(), up, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.record(r.Context(), key, rep); err != nil {
		h.Log.Error("store report", zap.String("report_id", rep.ID.String()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to store report")
		return
	}
	respondJSON(w, http.StatusCreated, rep)
}

func dedupKey(data []byte, opts pipeline.Options) string {
	sum := sha256.Sum256(data)
	return reports.BuildDedupKey(hex.EncodeToString(sum[:]), opts.DeviceID, opts.Mode, opts.IntervalSeconds)
}
