package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/zhoujialefanjiayuan/bomber-sub000/config"
	"github.com/zhoujialefanjiayuan/bomber-sub000/contacts"
	"github.com/zhoujialefanjiayuan/bomber-sub000/dispatch"
	"github.com/zhoujialefanjiayuan/bomber-sub000/middleware"
	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
	"github.com/zhoujialefanjiayuan/bomber-sub000/utils"
)

// CaseHandler serves the collector-facing case endpoints. Reads go straight
// to the database; ownership transitions go through the dispatch engine so
// the ledger and version checks hold.
type CaseHandler struct {
	orch     *dispatch.Orchestrator
	contacts *contacts.Store // nil when the contact graph is offline
}

func NewCaseHandler(orch *dispatch.Orchestrator, contactStore *contacts.Store) *CaseHandler {
	return &CaseHandler{orch: orch, contacts: contactStore}
}

type caseListResp struct {
	Total int64                `json:"total"`
	Page  utils.Pagination     `json:"page"`
	Cases []models.Application `json:"cases"`
}

// List returns a page of cases filtered by cycle, status or owner
func (h *CaseHandler) List(w http.ResponseWriter, r *http.Request) {
	q := config.DB.Model(&models.Application{})

	if cycle := r.URL.Query().Get("cycle"); cycle != "" {
		n, err := strconv.Atoi(cycle)
		if err != nil {
			http.Error(w, "invalid cycle", http.StatusBadRequest)
			return
		}
		q = q.Where("cycle = ?", n)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		n, err := strconv.Atoi(status)
		if err != nil {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		q = q.Where("status = ?", n)
	}
	if bomber := r.URL.Query().Get("bomber_id"); bomber != "" {
		n, err := strconv.ParseInt(bomber, 10, 64)
		if err != nil {
			http.Error(w, "invalid bomber_id", http.StatusBadRequest)
			return
		}
		q = q.Where("latest_bomber_id = ?", n)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}

	page := utils.ParsePagination(r)
	var cases []models.Application
	err := q.Order("overdue_days DESC, id").
		Offset(page.Offset()).Limit(page.PageSize).
		Find(&cases).Error
	if err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, caseListResp{Total: total, Page: page, Cases: cases})
}

type caseDetailResp struct {
	Case     models.Application   `json:"case"`
	SubBills []models.OverdueBill `json:"sub_bills,omitempty"`
	Contacts []contacts.Contact   `json:"contacts,omitempty"`
}

// Get returns one case with its sub-bills and known phone contacts
func (h *CaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	var app models.Application
	if err := config.DB.First(&app, id).Error; err != nil {
		http.Error(w, "case not found", http.StatusNotFound)
		return
	}

	resp := caseDetailResp{Case: app}
	if app.Type == models.TypeMultiInstallment {
		if err := config.DB.Where("application_id = ?", app.ID).
			Order("period_no").Find(&resp.SubBills).Error; err != nil {
			http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if h.contacts != nil {
		list, err := h.contacts.ListByApplication(r.Context(), app.ID)
		if err != nil {
			log.Printf("case %d: contact lookup failed: %v", app.ID, err)
		} else {
			resp.Contacts = list
		}
	}

	utils.WriteJSON(w, http.StatusOK, resp)
}

// History returns the case's ownership intervals, newest first
func (h *CaseHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	var rows []models.DispatchAppHistory
	if err := config.DB.Where("application_id = ?", id).
		Order("entry_at DESC").Find(&rows).Error; err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, rows)
}

// Claim assigns an unclaimed case to the requesting collector
func (h *CaseHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	bomberID := middleware.GetBomberID(r)
	if bomberID == 0 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch err := h.orch.ClaimCase(r.Context(), id, bomberID); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, dispatch.ErrCaseNotFound):
		http.Error(w, "case not found", http.StatusNotFound)
	case errors.Is(err, dispatch.ErrNotClaimable), errors.Is(err, dispatch.ErrStaleVersion):
		http.Error(w, "case is not claimable", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type promiseReq struct {
	PromisedDate   string          `json:"promised_date"` // YYYY-MM-DD
	PromisedAmount decimal.Decimal `json:"promised_amount"`
}

// Promise records a promise-to-pay on a case held by the caller
func (h *CaseHandler) Promise(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	bomberID := middleware.GetBomberID(r)
	if bomberID == 0 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req promiseReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	date, err := time.Parse("2006-01-02", req.PromisedDate)
	if err != nil {
		http.Error(w, "promised_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	switch err := h.orch.RecordPromise(r.Context(), id, bomberID, date, req.PromisedAmount); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, dispatch.ErrCaseNotFound):
		http.Error(w, "case not found", http.StatusNotFound)
	case errors.Is(err, dispatch.ErrNotOwner):
		http.Error(w, "case is held by another collector", http.StatusForbidden)
	case errors.Is(err, dispatch.ErrPromiseInPast):
		http.Error(w, "promised_date is in the past", http.StatusBadRequest)
	case errors.Is(err, dispatch.ErrStaleVersion):
		http.Error(w, "case changed concurrently, retry", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// LogCall bumps the call counters after a manual call attempt
func (h *CaseHandler) LogCall(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	bomberID := middleware.GetBomberID(r)
	if bomberID == 0 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch err := h.orch.RecordCall(r.Context(), id, bomberID); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, dispatch.ErrCaseNotFound):
		http.Error(w, "case not found", http.StatusNotFound)
	case errors.Is(err, dispatch.ErrNotOwner):
		http.Error(w, "case is held by another collector", http.StatusForbidden)
	case errors.Is(err, dispatch.ErrStaleVersion):
		http.Error(w, "case changed concurrently, retry", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
