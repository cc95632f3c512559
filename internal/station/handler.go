package station

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// DeparturesFinder is the subset of Finder the HTTP handler depends
// on.
type DeparturesFinder interface {
	DeparturesForStation(ctx context.Context, stationID int64, n int) ([]DepartureHint, error)
}

// Handler answers GET /api/stations/{station_id}/departures requests.
// The full REST catalog front door is an external collaborator; this
// handler exists only to exercise DeparturesForStation end to end.
type Handler struct {
	finder DeparturesFinder
	logger *zap.Logger
}

func NewHandler(finder DeparturesFinder, logger *zap.Logger) *Handler {
	return &Handler{finder: finder, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stationID, err := strconv.ParseInt(r.PathValue("station_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid station_id", http.StatusBadRequest)
		return
	}

	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}

	hints, err := h.finder.DeparturesForStation(r.Context(), stationID, n)
	if err != nil {
		h.logger.Warn("departures_for_station failed", zap.Int64("station_id", stationID), zap.Error(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if hints == nil {
		hints = []DepartureHint{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(hints); err != nil {
		h.logger.Warn("encoding departures response failed", zap.Int64("station_id", stationID), zap.Error(err))
	}
}
