package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger reason codes.
const (
	ReasonGenerate     = "generate"
	ReasonRefund       = "refund"
	ReasonAdminGift    = "admin_gift"
	ReasonJobCancelled = "job_cancelled"
	ReasonSignupGrant  = "signup_grant"
)

// LedgerEntry is one immutable balance change. Delta is signed; BalanceAfter is
// the user's balance right after the change, written in the same transaction.
type LedgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	Delta        int        `json:"delta"`
	BalanceAfter int        `json:"balance_after"`
	Reason       string     `json:"reason"`
	JobID        *uuid.UUID `json:"job_id,omitempty"`
	AdminID      *uuid.UUID `json:"admin_id,omitempty"`
	Note         string     `json:"note,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
