package credits

import (
	"time"

	"github.com/uptrace/bun"
)

// Ledger entry reasons. The ledger is append-only; balances are sums.
const (
	ReasonGrant          = "grant"
	ReasonReserve        = "reserve"
	ReasonFinalizeAdjust = "finalize_adjust"
	ReasonRefund         = "refund"
)

// LedgerEntry represents a row in the pf.credit_ledger table
type LedgerEntry struct {
	bun.BaseModel `bun:"table:pf.credit_ledger,alias:cl"`

	ID             string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	UserID         string    `bun:"user_id,notnull,type:uuid" json:"userId"`
	Amount         int64     `bun:"amount,notnull" json:"amount"`
	Reason         string    `bun:"reason,notnull" json:"reason"`
	MonthKey       string    `bun:"month_key,notnull" json:"monthKey"`
	JobID          *string   `bun:"job_id,type:uuid" json:"jobId,omitempty"`
	ReservationID  *string   `bun:"reservation_id,type:uuid" json:"reservationId,omitempty"`
	PricingVersion *string   `bun:"pricing_version" json:"pricingVersion,omitempty"`
	Note           *string   `bun:"note" json:"note,omitempty"`
	CreatedAt      time.Time `bun:"created_at,default:now()" json:"createdAt"`
}

// BalanceResponse is the API response for the balance endpoint
type BalanceResponse struct {
	Balance        int64  `json:"balance"`
	MonthlyGrant   int64  `json:"monthlyGrant"`
	OverdraftFloor int64  `json:"overdraftFloor"`
	MonthKey       string `json:"monthKey"`
}

// HistoryListParams contains parameters for listing ledger entries
type HistoryListParams struct {
	UserID string
	Limit  int
	Offset int
}

// HistoryResponse wraps the ledger entries for the API response
type HistoryResponse struct {
	Data  []LedgerEntry `json:"data"`
	Total int           `json:"total"`
}
