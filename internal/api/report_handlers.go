package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/technosupport/ts-inventory/internal/middleware"
	"github.com/technosupport/ts-inventory/internal/reports"
)

type ReportHandler struct {
	Service *reports.Service
}

func NewReportHandler(svc *reports.Service) *ReportHandler {
	return &ReportHandler{Service: svc}
}

// deviceAllowed stops an authenticated device from reading another
// device's reports. Unauthenticated deployments can read everything.
func deviceAllowed(r *http.Request, deviceID string) bool {
	caller := middleware.GetDeviceID(r.Context())
	return caller == "" || caller == deviceID
}

// liveFeed serves GET /api/v1/reports/ws. An authenticated device only
// ever sees its own reports; asking for another device is forbidden.
func liveFeed(feed Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device := r.URL.Query().Get("device")
		if caller := middleware.GetDeviceID(r.Context()); caller != "" {
			if device != "" && device != caller {
				respondError(w, http.StatusForbidden, "forbidden")
				return
			}
			device = caller
		}
		feed.Subscribe(w, r, device)
	}
}

// GET /api/v1/reports/{id}
func (h *ReportHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid report id")
		return
	}

	rep, err := h.Service.Get(r.Context(), id)
	if err != nil {
		status, msg := statusFor(err)
		respondError(w, status, msg)
		return
	}
	if !deviceAllowed(r, rep.DeviceID) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// GET /api/v1/devices/{device}/reports?limit=&offset=
func (h *ReportHandler) ListByDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")
	if !deviceAllowed(r, deviceID) {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	limit := 50
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil {
			limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}

	list, err := h.Service.List(r.Context(), deviceID, limit, offset)
	if err != nil {
		status, msg := statusFor(err)
		respondError(w, status, msg)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"reports":   list,
	})
}

// GET /api/v1/devices/{device}/latest
func (h *ReportHandler) Latest(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")
	if !deviceAllowed(r, deviceID) {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	rep, err := h.Service.Latest(r.Context(), deviceID)
	if err != nil {
		status, msg := statusFor(err)
		respondError(w, status, msg)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}
