// handlers/auth.go
package handlers

import (
	"encoding/json"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/zhoujialefanjiayuan/bomber-sub000/config"
	"github.com/zhoujialefanjiayuan/bomber-sub000/middleware"
	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
	"github.com/zhoujialefanjiayuan/bomber-sub000/utils"
)

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResp struct {
	Token  string        `json:"token"`
	Bomber bomberPayload `json:"bomber"`
}

type bomberPayload struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Cycle models.Cycle `json:"cycle"`
}

func Login(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	var b models.Bomber
	if err := config.DB.Where("username = ? AND is_del = 0", req.Username).First(&b).Error; err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(b.PasswordHash), []byte(req.Password)); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	var role models.BomberRole
	if err := config.DB.First(&role, b.RoleID).Error; err != nil {
		http.Error(w, "role lookup failed", http.StatusInternalServerError)
		return
	}

	token, err := middleware.GenerateToken(b.ID, role.Name, b.Name)
	if err != nil {
		http.Error(w, "could not generate token", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, loginResp{
		Token: token,
		Bomber: bomberPayload{
			ID:    b.ID,
			Name:  b.Name,
			Role:  role.Name,
			Cycle: role.Cycle,
		},
	})
}

// GetCurrentUser echoes the authenticated collector from the token claims
func GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r)
	if claims == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var b models.Bomber
	if err := config.DB.Where("id = ? AND is_del = 0", claims.BomberID).First(&b).Error; err != nil {
		http.Error(w, "bomber not found", http.StatusNotFound)
		return
	}
	var role models.BomberRole
	if err := config.DB.First(&role, b.RoleID).Error; err != nil {
		http.Error(w, "role lookup failed", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, bomberPayload{
		ID:    b.ID,
		Name:  b.Name,
		Role:  role.Name,
		Cycle: role.Cycle,
	})
}

type changePasswordReq struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func ChangePassword(w http.ResponseWriter, r *http.Request) {
	bomberID := middleware.GetBomberID(r)
	if bomberID == 0 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req changePasswordReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.NewPassword) < 8 {
		http.Error(w, "password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	var b models.Bomber
	if err := config.DB.First(&b, bomberID).Error; err != nil {
		http.Error(w, "bomber not found", http.StatusNotFound)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(b.PasswordHash), []byte(req.OldPassword)); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "error hashing password", http.StatusInternalServerError)
		return
	}
	if err := config.DB.Model(&b).Update("password_hash", string(hash)).Error; err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
