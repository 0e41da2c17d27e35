/**
 * @description
 * This file defines the ledger records of the kijumbe service: the Transaction
 * (one money movement into or out of a group) and the Payment (one mobile-money
 * charge attempt that feeds a Transaction).
 *
 * @notes
 * - Amounts are `int64` minor units (cents) to avoid floating-point error.
 * - Type and status are closed string enums validated at the store boundary.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransactionType identifies the kind of money movement a Transaction records.
type TransactionType string

const (
	TransactionTypeContribution       TransactionType = "contribution"
	TransactionTypePayout             TransactionType = "payout"
	TransactionTypePenalty            TransactionType = "penalty"
	TransactionTypeInsurance          TransactionType = "insurance"
	TransactionTypeOverdraftDraw      TransactionType = "overdraft_draw"
	TransactionTypeOverdraftRepayment TransactionType = "overdraft_repayment"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeContribution, TransactionTypePayout, TransactionTypePenalty,
		TransactionTypeInsurance, TransactionTypeOverdraftDraw, TransactionTypeOverdraftRepayment:
		return true
	}
	return false
}

// Chargeable reports whether members pay this type through the mobile-money gateway.
func (t TransactionType) Chargeable() bool {
	return t == TransactionTypeContribution || t == TransactionTypeInsurance || t == TransactionTypePenalty
}

// Status is the lifecycle state shared by transactions and payments.
// The only legal moves are pending -> completed | failed | cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a record in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && next.IsTerminal()
}

// Transaction is one ledger entry. Balances are derived exclusively from
// completed transactions.
type Transaction struct {
	ID               uuid.UUID       `json:"id"`
	GroupID          uuid.UUID       `json:"group_id"`
	UserID           uuid.UUID       `json:"user_id"`
	Type             TransactionType `json:"type"`
	Amount           int64           `json:"amount"`
	Status           Status          `json:"status"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	OverdraftID      *uuid.UUID      `json:"overdraft_id,omitempty"`
	Rotation         int             `json:"rotation"`
	Description      string          `json:"description,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Payment is one gateway charge attempt. PaymentReference is minted at
// creation and is the idempotency key for callback matching.
type Payment struct {
	ID                   uuid.UUID       `json:"id"`
	GroupID              uuid.UUID       `json:"group_id"`
	UserID               uuid.UUID       `json:"user_id"`
	PaymentType          TransactionType `json:"payment_type"`
	Amount               int64           `json:"amount"`
	PhoneNumber          string          `json:"phone_number"`
	PaymentReference     string          `json:"payment_reference"`
	GatewayTransactionID *string         `json:"gateway_transaction_id,omitempty"`
	Status               Status          `json:"status"`
	FailureReason        *string         `json:"failure_reason,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// PaymentReferencePrefix marks references minted by this service.
const PaymentReferencePrefix = "KJB-"

// NewPaymentReference mints a globally unique payment reference.
func NewPaymentReference() string {
	return PaymentReferencePrefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// GatewayStatus is the charge outcome reported by the payment gateway.
type GatewayStatus string

const (
	GatewayStatusSuccess GatewayStatus = "success"
	GatewayStatusPending GatewayStatus = "pending"
	GatewayStatusFailed  GatewayStatus = "failed"
)

// ParseGatewayStatus normalizes the spellings gateways use for charge outcomes.
func ParseGatewayStatus(raw string) (GatewayStatus, bool) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "success", "successful", "succeeded", "completed":
		return GatewayStatusSuccess, true
	case "pending", "processing", "initiated":
		return GatewayStatusPending, true
	case "failed", "failure", "declined", "cancelled", "canceled":
		return GatewayStatusFailed, true
	default:
		return "", false
	}
}

// LedgerStatus maps a gateway outcome onto the ledger status it settles to.
// Pending outcomes return ok=false because they settle nothing.
func (g GatewayStatus) LedgerStatus() (Status, bool) {
	switch g {
	case GatewayStatusSuccess:
		return StatusCompleted, true
	case GatewayStatusFailed:
		return StatusFailed, true
	default:
		return "", false
	}
}

// NetBalance applies the ledger's conservation formula to per-type sums of
// completed transactions. Penalties are recorded but never move a balance.
func NetBalance(sums map[TransactionType]int64) int64 {
	return sums[TransactionTypeContribution] +
		sums[TransactionTypeInsurance] +
		sums[TransactionTypeOverdraftRepayment] -
		sums[TransactionTypePayout] -
		sums[TransactionTypeOverdraftDraw]
}
