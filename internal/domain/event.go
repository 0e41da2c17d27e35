package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for ledger events published on the events exchange. The
// messaging layer turns these into member notifications.
const (
	EventContributionCompleted = "contribution.completed"
	EventContributionFailed    = "contribution.failed"
	EventRotationPayoutDue     = "rotation.payout_due"
	EventRotationAdvanced      = "rotation.advanced"
	EventOverdraftActivated    = "overdraft.activated"
	EventOverdraftRepaid       = "overdraft.repaid"
	EventOverdraftCompleted    = "overdraft.completed"
	EventOverdraftOverdue      = "overdraft.overdue"
	EventOverdraftDefaulted    = "overdraft.defaulted"

	// RoutingKeyGatewayCallback carries gateway callbacks relayed by the edge.
	RoutingKeyGatewayCallback = "gateway.callback.received"
)

// LedgerEvent is the payload for every published ledger event.
type LedgerEvent struct {
	Type             string     `json:"type"`
	GroupID          uuid.UUID  `json:"group_id"`
	UserID           *uuid.UUID `json:"user_id,omitempty"`
	TransactionID    *uuid.UUID `json:"transaction_id,omitempty"`
	OverdraftID      *uuid.UUID `json:"overdraft_id,omitempty"`
	PaymentReference string     `json:"payment_reference,omitempty"`
	Amount           int64      `json:"amount,omitempty"`
	Balance          *int64     `json:"balance,omitempty"`
	Rotation         int        `json:"rotation,omitempty"`
	OccurredAt       time.Time  `json:"occurred_at"`
}

// RelayedCallback is a raw gateway callback forwarded over the broker. Body
// is the exact bytes the gateway signed.
type RelayedCallback struct {
	Body      []byte `json:"body"`
	Signature string `json:"signature"`
}
