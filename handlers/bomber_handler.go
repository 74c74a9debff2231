package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhoujialefanjiayuan/bomber-sub000/config"
	"github.com/zhoujialefanjiayuan/bomber-sub000/middleware"
	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
	"github.com/zhoujialefanjiayuan/bomber-sub000/utils"
)

// ListBombers returns active collectors, optionally filtered by cycle or
// partner via query params.
func ListBombers(w http.ResponseWriter, r *http.Request) {
	q := config.DB.Where("is_del = 0")

	if cycle := r.URL.Query().Get("cycle"); cycle != "" {
		n, err := strconv.Atoi(cycle)
		if err != nil {
			http.Error(w, "invalid cycle", http.StatusBadRequest)
			return
		}
		q = q.Joins("JOIN bomber_roles ON bomber_roles.id = bombers.role_id").
			Where("bomber_roles.cycle = ?", n)
	}
	if partner := r.URL.Query().Get("partner_id"); partner != "" {
		n, err := strconv.ParseInt(partner, 10, 64)
		if err != nil {
			http.Error(w, "invalid partner_id", http.StatusBadRequest)
			return
		}
		q = q.Where("partner_id = ?", n)
	}

	var bombers []models.Bomber
	if err := q.Order("id").Find(&bombers).Error; err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, bombers)
}

type createBomberReq struct {
	Name       string       `json:"name"`
	Username   string       `json:"username"`
	Password   string       `json:"password"`
	Phone      string       `json:"phone"`
	Email      *string      `json:"email,omitempty"`
	RoleID     int64        `json:"role_id"`
	GroupID    *int64       `json:"group_id,omitempty"`
	PartnerID  *int64       `json:"partner_id,omitempty"`
	Instalment models.Cycle `json:"instalment"`
}

// CreateBomber registers a collector and writes the roster audit row the
// staffing-change sweep reads.
func CreateBomber(w http.ResponseWriter, r *http.Request) {
	var req createBomberReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" || req.RoleID == 0 {
		http.Error(w, "username, password and role_id are required", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "error hashing password", http.StatusInternalServerError)
		return
	}

	b := models.Bomber{
		Name:         req.Name,
		Username:     req.Username,
		PasswordHash: string(hash),
		Phone:        req.Phone,
		Email:        req.Email,
		RoleID:       req.RoleID,
		GroupID:      req.GroupID,
		PartnerID:    req.PartnerID,
		Instalment:   req.Instalment,
	}
	if err := config.DB.Create(&b).Error; err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			http.Error(w, "username already taken", http.StatusConflict)
		} else {
			http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		}
		return
	}

	operator := middleware.GetBomberID(r)
	logRow := models.BomberLog{BomberID: b.ID, Operation: models.BomberOpCreate}
	if operator != 0 {
		logRow.OperatorID = &operator
	}
	if err := config.DB.Create(&logRow).Error; err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusCreated, b)
}

// DeleteBomber soft-deletes a collector. The caseload stays put until the
// staffing sweep picks up the audit row and redistributes it.
func DeleteBomber(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	var b models.Bomber
	if err := config.DB.Where("id = ? AND is_del = 0", id).First(&b).Error; err != nil {
		http.Error(w, "bomber not found", http.StatusNotFound)
		return
	}
	if err := config.DB.Model(&b).Update("is_del", 1).Error; err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}

	operator := middleware.GetBomberID(r)
	logRow := models.BomberLog{BomberID: b.ID, Operation: models.BomberOpDelete}
	if operator != 0 {
		logRow.OperatorID = &operator
	}
	if err := config.DB.Create(&logRow).Error; err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPartners returns all outsourcing organizations
func ListPartners(w http.ResponseWriter, r *http.Request) {
	var partners []models.Partner
	if err := config.DB.Order("id").Find(&partners).Error; err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, partners)
}

type partnerReq struct {
	Name          string       `json:"name"`
	Cycle         models.Cycle `json:"cycle"`
	AppPercentage float64      `json:"app_percentage"`
	Status        int16        `json:"status"`
}

func (p partnerReq) valid() bool {
	return p.Name != "" && p.AppPercentage >= 0 && p.AppPercentage <= 1
}

// CreatePartner registers an outsourcing organization with its volume share
func CreatePartner(w http.ResponseWriter, r *http.Request) {
	var req partnerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if !req.valid() {
		http.Error(w, "name required and app_percentage must be in [0,1]", http.StatusBadRequest)
		return
	}

	p := models.Partner{
		Name:          req.Name,
		Cycle:         req.Cycle,
		AppPercentage: req.AppPercentage,
		Status:        req.Status,
	}
	if err := config.DB.Create(&p).Error; err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, p)
}

// UpdatePartner retunes a partner's share or takes it offline. Takes effect
// on the next dispatch run; already-routed cases are untouched.
func UpdatePartner(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	var req partnerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if !req.valid() {
		http.Error(w, "name required and app_percentage must be in [0,1]", http.StatusBadRequest)
		return
	}

	var p models.Partner
	if err := config.DB.First(&p, id).Error; err != nil {
		http.Error(w, "partner not found", http.StatusNotFound)
		return
	}
	updates := map[string]interface{}{
		"name":           req.Name,
		"cycle":          req.Cycle,
		"app_percentage": req.AppPercentage,
		"status":         req.Status,
	}
	if err := config.DB.Model(&p).Updates(updates).Error; err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, p)
}
