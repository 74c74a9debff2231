package utils

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// WriteJSON encodes v with the right headers. Encoding failures are ignored;
// the status line has already gone out.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Pagination carries the parsed page window of a list request
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Offset converts the window to a SQL offset
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// ParsePagination reads page/page_size query params with sane bounds
func ParsePagination(r *http.Request) Pagination {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if size < 1 {
		size = 20
	}
	if size > 200 {
		size = 200
	}
	return Pagination{Page: page, PageSize: size}
}
