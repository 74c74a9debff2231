package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zhoujialefanjiayuan/bomber-sub000/handlers"
	"github.com/zhoujialefanjiayuan/bomber-sub000/middleware"
)

// Deps carries the constructed handlers that need engine wiring. The
// remaining routes are plain package functions over the database.
type Deps struct {
	Cases *handlers.CaseHandler
	Admin *handlers.DispatchAdmin
}

// RegisterRoutes sets up all application routes
func RegisterRoutes(deps Deps) http.Handler {
	r := mux.NewRouter()

	// =====================================================
	// Public Routes (no authentication)
	// =====================================================
	r.HandleFunc("/login", handlers.Login).Methods("POST")
	r.HandleFunc("/healthz", handleHealth).Methods("GET")

	// =====================================================
	// Machine-to-machine Routes (API key, no bomber JWT)
	// =====================================================
	ext := r.PathPrefix("/ext/v1").Subrouter()
	ext.Use(middleware.SecurityMiddleware)

	ext.HandleFunc("/cases", deps.Cases.List).Methods("GET")
	ext.HandleFunc("/partners", handlers.ListPartners).Methods("GET")
	ext.HandleFunc("/ledger/export", handlers.ExportLedgerToExcel).Methods("GET")

	// =====================================================
	// Protected API Routes (require JWT authentication)
	// =====================================================
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.JWTMiddleware)

	api.HandleFunc("/token", handlers.GetCurrentUser).Methods("GET")
	api.HandleFunc("/password", handlers.ChangePassword).Methods("PUT")

	api.HandleFunc("/cases", deps.Cases.List).Methods("GET")
	api.HandleFunc("/cases/{id}", deps.Cases.Get).Methods("GET")
	api.HandleFunc("/cases/{id}/history", deps.Cases.History).Methods("GET")
	api.HandleFunc("/cases/{id}/claim", deps.Cases.Claim).Methods("POST")
	api.HandleFunc("/cases/{id}/promise", deps.Cases.Promise).Methods("POST")
	api.HandleFunc("/cases/{id}/calls", deps.Cases.LogCall).Methods("POST")

	api.HandleFunc("/bombers", handlers.ListBombers).Methods("GET")
	api.HandleFunc("/partners", handlers.ListPartners).Methods("GET")

	// =====================================================
	// Admin Routes (require admin role)
	// =====================================================
	admin := api.PathPrefix("/admin").Subrouter()
	adminOnly := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireRole([]string{"admin"}, h)
	}

	admin.Handle("/bombers", adminOnly(handlers.CreateBomber)).Methods("POST")
	admin.Handle("/bombers/{id}", adminOnly(handlers.DeleteBomber)).Methods("DELETE")
	admin.Handle("/partners", adminOnly(handlers.CreatePartner)).Methods("POST")
	admin.Handle("/partners/{id}", adminOnly(handlers.UpdatePartner)).Methods("PUT")

	admin.Handle("/dispatch", adminOnly(deps.Admin.TriggerDispatch)).Methods("POST")
	admin.Handle("/rebalance", adminOnly(deps.Admin.TriggerRebalance)).Methods("POST")
	admin.Handle("/dispatch-logs", adminOnly(deps.Admin.ListDispatchLogs)).Methods("GET")
	admin.Handle("/escalations", adminOnly(deps.Admin.ListEscalations)).Methods("GET")
	admin.Handle("/ledger/export", adminOnly(handlers.ExportLedgerToExcel)).Methods("GET")

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
