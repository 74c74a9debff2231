package dispatch

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// applyCaseFields mirrors the column-keyed update map the gorm store hands
// to Updates. Keys not listed here indicate an engine bug, so it panics.
func applyCaseFields(app *models.Application, fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "status":
			app.Status = v.(models.ApplicationStatus)
		case "cycle":
			app.Cycle = v.(models.Cycle)
		case "overdue_days":
			app.OverdueDays = toInt(v)
		case "latest_bomber_id":
			app.LatestBomberID = toInt64Ptr(v)
		case "last_bomber_id":
			app.LastBomberID = toInt64Ptr(v)
		case "ptp_bomber_id":
			app.PtpBomberID = toInt64Ptr(v)
		case "promised_date":
			app.PromisedDate = toTimePtr(v)
		case "promised_amount":
			app.PromisedAmount = toDecimalPtr(v)
		case "latest_call_at":
			app.LatestCallAt = toTimePtr(v)
		case "called_times":
			app.CalledTimes = toInt(v)
		case "repaid_at":
			app.RepaidAt = toTimePtr(v)
		case "dpd1_entry_at":
			app.Dpd1EntryAt = toTimePtr(v)
		case "c1a_entry_at":
			app.C1AEntryAt = toTimePtr(v)
		case "c1b_entry_at":
			app.C1BEntryAt = toTimePtr(v)
		case "c2_entry_at":
			app.C2EntryAt = toTimePtr(v)
		case "c3_entry_at":
			app.C3EntryAt = toTimePtr(v)
		default:
			panic(fmt.Sprintf("unmapped application column %q", k))
		}
	}
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	default:
		panic(fmt.Sprintf("unexpected int value %T", v))
	}
}

func toInt64Ptr(v interface{}) *int64 {
	if v == nil {
		return nil
	}
	switch n := v.(type) {
	case int64:
		cp := n
		return &cp
	case *int64:
		return n
	default:
		panic(fmt.Sprintf("unexpected id value %T", v))
	}
}

func toTimePtr(v interface{}) *time.Time {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case time.Time:
		cp := t
		return &cp
	case *time.Time:
		return t
	default:
		panic(fmt.Sprintf("unexpected time value %T", v))
	}
}

func toDecimalPtr(v interface{}) *decimal.Decimal {
	if v == nil {
		return nil
	}
	switch d := v.(type) {
	case decimal.Decimal:
		cp := d
		return &cp
	case *decimal.Decimal:
		return d
	default:
		panic(fmt.Sprintf("unexpected decimal value %T", v))
	}
}

// Map iteration order is random; deterministic tests need sorted listings.

func sortApps(apps []models.Application) {
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
}

func sortBombers(bombers []models.Bomber) {
	sort.Slice(bombers, func(i, j int) bool { return bombers[i].ID < bombers[j].ID })
}

func sortPartners(partners []models.Partner) {
	sort.Slice(partners, func(i, j int) bool { return partners[i].ID < partners[j].ID })
}
