package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Bill is the billing service's view of one application's money state.
type Bill struct {
	ApplicationID int64           `json:"application_id"`
	Principal     decimal.Decimal `json:"principal"`
	PrincipalPaid decimal.Decimal `json:"principal_paid"`
	LateFee       decimal.Decimal `json:"late_fee"`
	LateFeePaid   decimal.Decimal `json:"late_fee_paid"`
	OverdueDays   int             `json:"overdue_days"`
	Status        int16           `json:"status"`
	OriginDueAt   time.Time       `json:"origin_due_at"`
}

// PrincipalPending is the unpaid principal at snapshot time
func (b Bill) PrincipalPending() decimal.Decimal {
	return b.Principal.Sub(b.PrincipalPaid)
}

// LateFeePending is the unpaid late fee at snapshot time
func (b Bill) LateFeePending() decimal.Decimal {
	return b.LateFee.Sub(b.LateFeePaid)
}

// Service is what the dispatch ledger needs from the billing system.
// Failures must abort only the batch that depends on the snapshot.
type Service interface {
	GetBill(ctx context.Context, applicationID int64) (*Bill, error)
	GetBills(ctx context.Context, applicationIDs []int64) ([]Bill, error)
}

// Client is the HTTP implementation of Service against the bill service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a billing client with a bounded request timeout
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetBill fetches the current bill for one application
func (c *Client) GetBill(ctx context.Context, applicationID int64) (*Bill, error) {
	url := fmt.Sprintf("%s/bill/%d", c.baseURL, applicationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("billing service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("billing service returned %d for application %d", resp.StatusCode, applicationID)
	}

	var bill Bill
	if err := json.NewDecoder(resp.Body).Decode(&bill); err != nil {
		return nil, fmt.Errorf("decode bill response: %w", err)
	}
	return &bill, nil
}

// GetBills fetches bills for a batch of applications in one round trip.
// Callers bound the batch size; the service rejects oversized payloads.
func (c *Client) GetBills(ctx context.Context, applicationIDs []int64) ([]Bill, error) {
	if len(applicationIDs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string][]int64{"application_ids": applicationIDs})
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/bills"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("billing service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("billing service returned %d for batch of %d", resp.StatusCode, len(applicationIDs))
	}

	var bills []Bill
	if err := json.NewDecoder(resp.Body).Decode(&bills); err != nil {
		return nil, fmt.Errorf("decode bills response: %w", err)
	}
	return bills, nil
}
