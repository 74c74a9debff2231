package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zhoujialefanjiayuan/bomber-sub000/config"
	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// ExportLedgerToExcel exports ownership intervals for a date range to Excel.
// Query params: from/to as YYYY-MM-DD (entry_at window, both optional).
func ExportLedgerToExcel(w http.ResponseWriter, r *http.Request) {
	q := config.DB.Model(&models.DispatchAppHistory{})

	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			http.Error(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		q = q.Where("entry_at >= ?", t)
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			http.Error(w, "to must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		q = q.Where("entry_at < ?", t.AddDate(0, 0, 1))
	}

	var rows []models.DispatchAppHistory
	if err := q.Order("entry_at").Limit(50000).Find(&rows).Error; err != nil {
		http.Error(w, "db error: "+err.Error(), http.StatusInternalServerError)
		return
	}

	excelFile, err := createLedgerWorkbook(rows)
	if err != nil {
		http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
		return
	}

	buffer, err := excelFile.WriteToBuffer()
	if err != nil {
		http.Error(w, "Failed to write Excel file", http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("dispatch_ledger_%s.xlsx", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", buffer.Len()))

	w.WriteHeader(http.StatusOK)
	w.Write(buffer.Bytes())
}

func createLedgerWorkbook(rows []models.DispatchAppHistory) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := "Ledger"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"ID", "Application", "Bomber", "Partner",
		"Entry At", "Entry DPD", "Entry Principal", "Entry Late Fee", "Deadline",
		"Out At", "Out DPD", "Out Principal", "Out Late Fee"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		f.SetCellValue(sheet, cell, h)
	}

	const day = "2006-01-02"
	for i, row := range rows {
		values := []interface{}{
			row.ID, row.ApplicationID, row.BomberID, deref(row.PartnerID),
			row.EntryAt.Format(day), row.EntryOverdueDays,
			row.EntryPrincipalPending.String(), row.EntryLateFeePending.String(),
			row.ExpectedOutTime.Format(day),
		}
		if row.OutAt != nil {
			values = append(values,
				row.OutAt.Format(day), *row.OutOverdueDays,
				row.OutPrincipalPending.String(), row.OutLateFeePending.String())
		}
		for j, v := range values {
			cell, err := excelize.CoordinatesToCellName(j+1, i+2)
			if err != nil {
				return nil, err
			}
			f.SetCellValue(sheet, cell, v)
		}
	}
	return f, nil
}

func deref(p *int64) interface{} {
	if p == nil {
		return ""
	}
	return *p
}
