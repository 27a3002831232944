package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/gbarbosa99/dialects/internal/pipeline"
)

// RunInspector exposes the live state of the pipeline.
type RunInspector interface {
	Status() pipeline.Status
	Items() []*pipeline.Item
	Item(stem string) (*pipeline.Item, bool)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	runs      RunInspector
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(runs RunInspector, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		runs:      runs,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Status handles GET /status requests.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	st := h.runs.Status()

	resp := StatusResponse{
		RunID:     st.RunID,
		Running:   st.Running,
		Total:     st.Total,
		Completed: st.Completed,
		InFlight:  st.InFlight,
		States:    make(map[string]int, len(st.States)),
	}
	if !st.StartedAt.IsZero() {
		started := st.StartedAt
		resp.StartedAt = &started
	}
	if st.Total > 0 {
		resp.Progress = st.Completed * 100 / st.Total
	}
	for state, n := range st.States {
		resp.States[string(state)] = n
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListItems handles GET /items requests.
func (h *Handlers) ListItems(w http.ResponseWriter, r *http.Request) {
	q := ItemsQuery{State: r.URL.Query().Get("state")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer", "INVALID_LIMIT")
			return
		}
		q.Limit = limit
	}

	if err := h.validator.Struct(q); err != nil {
		h.logger.Warn("query validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	resp := ItemsResponse{Items: []ItemResponse{}}
	for _, it := range h.runs.Items() {
		if q.State != "" && string(it.State) != q.State {
			continue
		}
		if q.Limit > 0 && len(resp.Items) >= q.Limit {
			break
		}
		resp.Items = append(resp.Items, toItemResponse(it))
	}
	resp.Count = len(resp.Items)

	writeJSON(w, http.StatusOK, resp)
}

// GetItem handles GET /items/{stem} requests.
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	stem := r.PathValue("stem")
	if stem == "" {
		writeError(w, http.StatusBadRequest, "stem is required", "MISSING_STEM")
		return
	}

	it, ok := h.runs.Item(stem)
	if !ok {
		writeError(w, http.StatusNotFound, "item not found", "ITEM_NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(it))
}

func toItemResponse(it *pipeline.Item) ItemResponse {
	return ItemResponse{
		Path:           it.Path,
		Stem:           it.Stem,
		State:          string(it.State),
		Reason:         it.Reason,
		OnsetMs:        it.OnsetMs,
		ArtifactPath:   it.ArtifactPath,
		QuarantinePath: it.QuarantinePath,
		UpdatedAt:      it.UpdatedAt,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
