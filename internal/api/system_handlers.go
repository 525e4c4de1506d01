package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/technosupport/ts-inventory/internal/detector"
)

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type SystemHandler struct {
	Labels *detector.Labels
	Checks map[string]Check
}

// GET /api/v1/labels
func (h *SystemHandler) GetLabels(w http.ResponseWriter, r *http.Request) {
	names := h.Labels.Names()
	classes := make([]map[string]any, len(names))
	for i, n := range names {
		classes[i] = map[string]any{"id": i, "name": n}
	}
	respondJSON(w, http.StatusOK, map[string]any{"classes": classes})
}

// GET /healthz
// 200 when every check passes, 503 otherwise. The body lists each check.
func (h *SystemHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.Checks))
	for n := range h.Checks {
		names = append(names, n)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, n := range names {
		if err := h.Checks[n](ctx); err != nil {
			results[n] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[n] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	respondJSON(w, status, map[string]any{"status": overall, "checks": results})
}
