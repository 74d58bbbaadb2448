package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// processMessage handles POST /api/v1/ai/message.
func (h *Handlers) processMessage(w http.ResponseWriter, r *http.Request) {
	var req models.AIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAPIError(w, models.NewAPIError(models.ErrInvalidRequest, "malformed JSON body: "+err.Error()))
		return
	}

	resp, apiErr := h.manager.ProcessMessage(r.Context(), &req)
	if apiErr != nil {
		respondAPIError(w, apiErr)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// providerStatus handles GET /api/v1/ai/status.
func (h *Handlers) providerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.manager.Status())
}

// setProvider handles PUT /api/v1/ai/provider.
func (h *Handlers) setProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Provider == "" {
		respondAPIError(w, models.NewAPIError(models.ErrInvalidRequest, "body must be {\"provider\": \"<name>\"}"))
		return
	}

	if err := h.manager.SetActiveProvider(body.Provider); err != nil {
		if apiErr, ok := err.(*models.APIError); ok {
			respondAPIError(w, apiErr)
			return
		}
		respondAPIError(w, models.NewAPIError(models.ErrInternal, err.Error()))
		return
	}
	respondJSON(w, http.StatusOK, h.manager.Status())
}

// listTools handles GET /api/v1/tools.
func (h *Handlers) listTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"tools": h.manager.Registry().List(),
	})
}

// describeTool handles GET /api/v1/tools/{toolName}.
func (h *Handlers) describeTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "toolName")
	desc, ok := h.manager.Registry().Describe(name)
	if !ok {
		respondAPIError(w, &models.APIError{
			Type:    models.ErrInvalidRequest,
			Message: "unknown tool " + name,
			Code:    "INVALID_REQUEST",
		})
		return
	}
	respondJSON(w, http.StatusOK, desc)
}

// listLogs handles GET /api/v1/logs with session_id, tool, since, until,
// and limit query parameters.
func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.LogFilter{
		SessionID: q.Get("session_id"),
		ToolName:  q.Get("tool"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondAPIError(w, models.NewAPIError(models.ErrInvalidRequest, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	for name, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		if v := q.Get(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				respondAPIError(w, models.NewAPIError(models.ErrInvalidRequest, name+" must be RFC 3339"))
				return
			}
			*dst = &ts
		}
	}

	logs, err := h.store.ListExecutionLogs(r.Context(), filter)
	if err != nil {
		respondAPIError(w, models.NewAPIError(models.ErrInternal, err.Error()))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"logs":    logs,
		"dropped": h.logger.Dropped(),
	})
}

// sessionStats handles GET /api/v1/logs/stats?session_id=...
func (h *Handlers) sessionStats(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondAPIError(w, models.NewAPIError(models.ErrInvalidRequest, "session_id query parameter is required"))
		return
	}

	stats, ok := h.logger.Tracker().Stats(sessionID)
	if !ok {
		stats = models.SessionToolStats{SessionID: sessionID, CountByTool: map[string]int64{}}
	}
	respondJSON(w, http.StatusOK, stats)
}

type rollupRequest struct {
	Period models.RollupPeriod `json:"period"`
	Start  time.Time           `json:"start"`
	End    time.Time           `json:"end"`
}

func (rr *rollupRequest) validate() *models.APIError {
	switch rr.Period {
	case models.RollupSession, models.RollupDaily, models.RollupWeekly, models.RollupMonthly:
	default:
		return models.NewAPIError(models.ErrInvalidRequest, "period must be session, daily, weekly, or monthly")
	}
	if !rr.End.After(rr.Start) {
		return models.NewAPIError(models.ErrInvalidRequest, "end must be after start")
	}
	return nil
}

// computeRollup handles POST /api/v1/analytics/rollup.
func (h *Handlers) computeRollup(w http.ResponseWriter, r *http.Request) {
	var req rollupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAPIError(w, models.NewAPIError(models.ErrInvalidRequest, "malformed JSON body: "+err.Error()))
		return
	}
	if apiErr := req.validate(); apiErr != nil {
		respondAPIError(w, apiErr)
		return
	}

	rollup, err := h.rollup.Compute(r.Context(), req.Period, req.Start.UTC(), req.End.UTC())
	if err != nil {
		respondAPIError(w, models.NewAPIError(models.ErrInternal, err.Error()))
		return
	}
	respondJSON(w, http.StatusOK, rollup)
}

// getRollup handles GET /api/v1/analytics/rollup?period=...&start=...&end=...
func (h *Handlers) getRollup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := rollupRequest{Period: models.RollupPeriod(q.Get("period"))}
	for name, dst := range map[string]*time.Time{"start": &req.Start, "end": &req.End} {
		ts, err := time.Parse(time.RFC3339, q.Get(name))
		if err != nil {
			respondAPIError(w, models.NewAPIError(models.ErrInvalidRequest, name+" must be RFC 3339"))
			return
		}
		*dst = ts
	}
	if apiErr := req.validate(); apiErr != nil {
		respondAPIError(w, apiErr)
		return
	}

	rollup, err := h.store.GetRollup(r.Context(), req.Period, req.Start.UTC(), req.End.UTC())
	if err != nil {
		respondAPIError(w, models.NewAPIError(models.ErrInvalidRequest, "no rollup for that window"))
		return
	}
	respondJSON(w, http.StatusOK, rollup)
}

// ── Response helpers ────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondAPIError(w http.ResponseWriter, apiErr *models.APIError) {
	respondJSON(w, statusFor(apiErr.Type), apiErr)
}

func statusFor(t models.ErrorType) int {
	switch t {
	case models.ErrInvalidRequest:
		return http.StatusBadRequest
	case models.ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	case models.ErrPermissionDenied:
		return http.StatusForbidden
	case models.ErrTimeout:
		return http.StatusGatewayTimeout
	case models.ErrConfig:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
