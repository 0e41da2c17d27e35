package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OverdraftStatus is the lifecycle state of an overdraft.
type OverdraftStatus string

const (
	OverdraftStatusPending   OverdraftStatus = "pending"
	OverdraftStatusApproved  OverdraftStatus = "approved"
	OverdraftStatusRejected  OverdraftStatus = "rejected"
	OverdraftStatusActive    OverdraftStatus = "active"
	OverdraftStatusCompleted OverdraftStatus = "completed"
	OverdraftStatusDefaulted OverdraftStatus = "defaulted"
)

// Valid reports whether s is a known overdraft status.
func (s OverdraftStatus) Valid() bool {
	switch s {
	case OverdraftStatusPending, OverdraftStatusApproved, OverdraftStatusRejected,
		OverdraftStatusActive, OverdraftStatusCompleted, OverdraftStatusDefaulted:
		return true
	}
	return false
}

// IsOpen reports whether an overdraft in this status blocks a new request
// from the same member.
func (s OverdraftStatus) IsOpen() bool {
	return s == OverdraftStatusPending || s == OverdraftStatusApproved || s == OverdraftStatusActive
}

// OpenOverdraftStatuses lists the statuses covered by the one-open-overdraft rule.
var OpenOverdraftStatuses = []OverdraftStatus{
	OverdraftStatusPending,
	OverdraftStatusApproved,
	OverdraftStatusActive,
}

// Overdraft is short-term credit extended against a member's contribution
// history. Version is bumped by every conditional update.
type Overdraft struct {
	ID                    uuid.UUID       `json:"id"`
	GroupID               uuid.UUID       `json:"group_id"`
	UserID                uuid.UUID       `json:"user_id"`
	Amount                int64           `json:"amount"`
	Purpose               string          `json:"purpose"`
	RepaymentPeriodMonths int             `json:"repayment_period_months"`
	InterestRate          float64         `json:"interest_rate"`
	Status                OverdraftStatus `json:"status"`
	RepaidAmount          int64           `json:"repaid_amount"`
	DueDate               *time.Time      `json:"due_date,omitempty"`
	ApprovedAt            *time.Time      `json:"approved_at,omitempty"`
	ActivatedAt           *time.Time      `json:"activated_at,omitempty"`
	Version               int64           `json:"version"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// TotalOwed is amount * (1 + interestRate/100), rounded down to a whole
// minor unit so repayments never exceed the exact amount owed.
func (o Overdraft) TotalOwed() int64 {
	rate := decimal.NewFromFloat(o.InterestRate).Div(decimal.NewFromInt(100))
	return decimal.NewFromInt(o.Amount).
		Mul(decimal.NewFromInt(1).Add(rate)).
		Floor().
		IntPart()
}

// Outstanding is what remains to be repaid.
func (o Overdraft) Outstanding() int64 {
	remaining := o.TotalOwed() - o.RepaidAmount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsOverdue reports whether an active overdraft has passed its due date.
func (o Overdraft) IsOverdue(now time.Time) bool {
	return o.Status == OverdraftStatusActive && o.DueDate != nil && now.After(*o.DueDate)
}
