package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/zhoujialefanjiayuan/bomber-sub000/contacts"
	"github.com/zhoujialefanjiayuan/bomber-sub000/dispatch"
	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// ContactSaver is what the intake handler needs from the contact store.
type ContactSaver interface {
	SaveBatch(ctx context.Context, batch []contacts.Contact) error
}

// EventHandler applies upstream billing events to the case store. Malformed
// payloads return ErrMalformedPayload so the consumer drops them; every
// other error is transient and leaves the message for redelivery.
type EventHandler struct {
	store    dispatch.Store
	orch     *dispatch.Orchestrator
	contacts ContactSaver
	clock    dispatch.Clock
}

// NewEventHandler wires the handler. contacts may be nil when the contact
// store is unavailable.
func NewEventHandler(store dispatch.Store, orch *dispatch.Orchestrator, contactStore ContactSaver, clock dispatch.Clock) *EventHandler {
	return &EventHandler{store: store, orch: orch, contacts: contactStore, clock: clock}
}

// HandleApplicationOverdue creates or updates a case from an overdue event
// and routes it through dispatch.
func (h *EventHandler) HandleApplicationOverdue(ctx context.Context, payload []byte) error {
	var ev ApplicationOverdueEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ApplicationID == 0 {
		return malformed("application_overdue", payload, err)
	}

	today := dispatch.Today(h.clock)
	dueAt := time.Time(ev.OriginDueAt)
	days := dispatch.OverdueDays(dueAt, today)

	app, err := h.store.Cases().GetByExternalID(ctx, ev.ApplicationID)
	switch {
	case err == dispatch.ErrCaseNotFound:
		app = &models.Application{
			ExternalID:   ev.ApplicationID,
			UserID:       ev.UserID,
			UserName:     ev.UserName,
			UserMobileNo: ev.UserMobileNo,
			Principal:    ev.Principal,
			LateFee:      ev.LateFee,
			Status:       models.StatusUnclaimed,
			Cycle:        models.CycleForOverdueDays(days),
			OverdueDays:  days,
			OriginDueAt:  dueAt,
		}
		if ev.Multi {
			app.Type = models.TypeMultiInstallment
		}
		if days >= 1 {
			t := today
			app.Dpd1EntryAt = &t
		}
		if err := h.store.Cases().Create(ctx, app); err != nil {
			return fmt.Errorf("create case for application %d: %w", ev.ApplicationID, err)
		}
		log.Printf("worker: new case %d (application %d, %d dpd, %s)", app.ID, ev.ApplicationID, days, app.Cycle)
	case err != nil:
		return fmt.Errorf("lookup application %d: %w", ev.ApplicationID, err)
	}

	if ev.SubBillID != 0 {
		bill := &models.OverdueBill{
			ApplicationID:    app.ID,
			SubBillID:        ev.SubBillID,
			PeriodNo:         ev.PeriodNo,
			OverdueDays:      days,
			OriginDueAt:      dueAt,
			PrincipalPending: ev.Principal,
			LateFeePending:   ev.LateFee,
		}
		if err := h.store.Bills().Upsert(ctx, bill); err != nil {
			return fmt.Errorf("upsert sub-bill %d: %w", ev.SubBillID, err)
		}
	}

	if h.contacts != nil && len(ev.Contacts) > 0 {
		batch := make([]contacts.Contact, 0, len(ev.Contacts))
		for _, c := range ev.Contacts {
			batch = append(batch, contacts.Contact{
				ApplicationID: app.ID,
				UserID:        ev.UserID,
				Name:          c.Name,
				MobileNo:      c.MobileNo,
				Relation:      c.Relation,
				Source:        "origin",
			})
		}
		if err := h.contacts.SaveBatch(ctx, batch); err != nil {
			// Contact graph is auxiliary; dispatch must not wait on it
			log.Printf("worker: save contacts for application %d: %v", app.ID, err)
		}
	}

	return h.orch.DispatchNewCase(ctx, app.ID)
}

// HandleBillPaid records a repayment against one sub-bill. The case itself
// closes only on bill_cleared.
func (h *EventHandler) HandleBillPaid(ctx context.Context, payload []byte) error {
	var ev BillPaidEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ApplicationID == 0 {
		return malformed("bill_paid", payload, err)
	}
	if ev.SubBillID == 0 {
		return nil
	}
	paidAt := time.Time(ev.PaidAt)
	if paidAt.IsZero() {
		paidAt = h.clock.Now()
	}
	if err := h.store.Bills().MarkRepaid(ctx, ev.SubBillID, paidAt); err != nil {
		return fmt.Errorf("mark sub-bill %d repaid: %w", ev.SubBillID, err)
	}
	return nil
}

// HandleBillCleared runs the payment-completion transition
func (h *EventHandler) HandleBillCleared(ctx context.Context, payload []byte) error {
	var ev BillClearedEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ApplicationID == 0 {
		return malformed("bill_cleared", payload, err)
	}

	app, err := h.store.Cases().GetByExternalID(ctx, ev.ApplicationID)
	if err == dispatch.ErrCaseNotFound {
		// Cleared before ever going overdue on our side
		log.Printf("worker: bill_cleared for unknown application %d, ignoring", ev.ApplicationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup application %d: %w", ev.ApplicationID, err)
	}
	return h.orch.HandlePaidCase(ctx, app.ID)
}

// HandleBillRevoke reverses a settlement: the case reopens Unclaimed in the
// cycle its current age maps to and goes back through dispatch.
func (h *EventHandler) HandleBillRevoke(ctx context.Context, payload []byte) error {
	var ev BillRevokeEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ApplicationID == 0 {
		return malformed("bill_revoke", payload, err)
	}

	app, err := h.store.Cases().GetByExternalID(ctx, ev.ApplicationID)
	if err != nil {
		return fmt.Errorf("lookup application %d: %w", ev.ApplicationID, err)
	}
	if app.Status != models.StatusRepaid {
		return nil
	}

	today := dispatch.Today(h.clock)
	days := dispatch.OverdueDays(app.OriginDueAt, today)
	upd := dispatch.CaseUpdate{
		ID:      app.ID,
		Version: app.Version,
		Fields: map[string]interface{}{
			"status":       models.StatusUnclaimed,
			"cycle":        models.CycleForOverdueDays(days),
			"overdue_days": days,
			"repaid_at":    nil,
		},
	}
	if err := h.store.Cases().Update(ctx, upd); err != nil {
		return fmt.Errorf("reopen application %d: %w", app.ID, err)
	}
	log.Printf("worker: reopened case %d after revoke (%s)", app.ID, ev.Reason)
	return h.orch.DispatchNewCase(ctx, app.ID)
}

func malformed(topic string, payload []byte, err error) error {
	return fmt.Errorf("%w: %s payload %q: %v", ErrMalformedPayload, topic, truncate(payload, 256), err)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
