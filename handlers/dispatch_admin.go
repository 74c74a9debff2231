package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/zhoujialefanjiayuan/bomber-sub000/config"
	"github.com/zhoujialefanjiayuan/bomber-sub000/dispatch"
	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
	"github.com/zhoujialefanjiayuan/bomber-sub000/utils"
)

// DispatchAdmin exposes the manual levers over the dispatch engine. All
// routes sit behind the admin role.
type DispatchAdmin struct {
	orch *dispatch.Orchestrator
}

func NewDispatchAdmin(orch *dispatch.Orchestrator) *DispatchAdmin {
	return &DispatchAdmin{orch: orch}
}

type triggerDispatchReq struct {
	Cycle models.Cycle `json:"cycle"`
}

// TriggerDispatch routes a cycle's unclaimed backlog immediately instead of
// waiting for the daily sweep
func (h *DispatchAdmin) TriggerDispatch(w http.ResponseWriter, r *http.Request) {
	var req triggerDispatchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if !req.Cycle.Valid() {
		http.Error(w, "invalid cycle", http.StatusBadRequest)
		return
	}

	if err := h.orch.DispatchCycle(r.Context(), req.Cycle); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type triggerRebalanceReq struct {
	Cycle         models.Cycle `json:"cycle"`
	MonthDispatch bool         `json:"month_dispatch"`
	Removed       []int64      `json:"removed,omitempty"`
}

// TriggerRebalance redistributes a cycle's caseload on demand, e.g. after a
// bulk staffing change that cannot wait for the nightly scan
func (h *DispatchAdmin) TriggerRebalance(w http.ResponseWriter, r *http.Request) {
	var req triggerRebalanceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if !req.Cycle.Valid() {
		http.Error(w, "invalid cycle", http.StatusBadRequest)
		return
	}

	if err := h.orch.RebalanceCycle(r.Context(), req.Cycle, req.Removed, req.MonthDispatch); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListDispatchLogs returns redistribution run records, newest first
func (h *DispatchAdmin) ListDispatchLogs(w http.ResponseWriter, r *http.Request) {
	q := config.DB.Model(&models.DispatchAppLog{})
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		q = q.Where("run_id = ?", runID)
	}

	page := utils.ParsePagination(r)
	var logs []models.DispatchAppLog
	err := q.Order("created_at DESC, id DESC").
		Offset(page.Offset()).Limit(page.PageSize).
		Find(&logs).Error
	if err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, logs)
}

// ListEscalations returns cycle-promotion audit rows, newest first
func (h *DispatchAdmin) ListEscalations(w http.ResponseWriter, r *http.Request) {
	page := utils.ParsePagination(r)
	var rows []models.Escalation
	err := config.DB.Order("created_at DESC, id DESC").
		Offset(page.Offset()).Limit(page.PageSize).
		Find(&rows).Error
	if err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, rows)
}
