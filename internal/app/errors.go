package app

import (
	"fmt"

	"github.com/kijumbe/ledger-service/internal/domain"
)

// Contribution ledger errors.
var (
	ErrInvalidAmount           = fmt.Errorf("%w: invalid amount", domain.ErrValidation)
	ErrInvalidPhoneNumber      = fmt.Errorf("%w: invalid phone number", domain.ErrValidation)
	ErrInvalidPaymentType      = fmt.Errorf("%w: payment type cannot be charged through the gateway", domain.ErrValidation)
	ErrInvalidMember           = fmt.Errorf("%w: user is not an active member of the group", domain.ErrStateConflict)
	ErrGroupClosed             = fmt.Errorf("%w: group is closed", domain.ErrStateConflict)
	ErrUnknownPaymentReference = fmt.Errorf("%w: unknown payment reference", domain.ErrNotFound)
	ErrSettlementNotAllowed    = fmt.Errorf("%w: transaction cannot be settled manually", domain.ErrStateConflict)
	ErrLedgerMismatch          = fmt.Errorf("%w: payment and transaction disagree", domain.ErrDataIntegrity)
)

// Rotation engine errors.
var (
	ErrNoEligibleRecipient    = fmt.Errorf("%w: no active member holds the current rotation order", domain.ErrStateConflict)
	ErrRotationOrderCollision = fmt.Errorf("%w: rotation order assigned to more than one member", domain.ErrDataIntegrity)
	ErrPayoutNotDue           = fmt.Errorf("%w: payout is not due", domain.ErrStateConflict)
	ErrInvalidRotationOrder   = fmt.Errorf("%w: invalid rotation order", domain.ErrValidation)
	ErrRotationLocked         = fmt.Errorf("%w: members already paid out cannot be reordered", domain.ErrStateConflict)
	ErrCannotRemoveLeader     = fmt.Errorf("%w: the group leader cannot be removed", domain.ErrStateConflict)
	ErrMemberAlreadyPaid      = fmt.Errorf("%w: member already received a payout", domain.ErrStateConflict)
)

// Overdraft engine errors.
var (
	ErrInvalidOverdraftRequest = fmt.Errorf("%w: invalid overdraft request", domain.ErrValidation)
	ErrExceedsEligibility      = fmt.Errorf("%w: amount exceeds overdraft eligibility", domain.ErrValidation)
	ErrDuplicateOverdraft      = fmt.Errorf("%w: member already has an open overdraft", domain.ErrStateConflict)
	ErrInvalidTransition       = fmt.Errorf("%w: invalid overdraft transition", domain.ErrStateConflict)
	ErrNotActive               = fmt.Errorf("%w: overdraft is not active", domain.ErrStateConflict)
	ErrOverRepayment           = fmt.Errorf("%w: repayment exceeds the amount owed", domain.ErrValidation)
	ErrNotOverdue              = fmt.Errorf("%w: overdraft is not overdue", domain.ErrStateConflict)
	ErrConcurrentUpdate        = fmt.Errorf("%w: overdraft kept changing during update", domain.ErrStateConflict)
)

// Reconciliation and service errors.
var (
	ErrInvalidSignature   = fmt.Errorf("%w: invalid callback signature", domain.ErrValidation)
	ErrMalformedCallback  = fmt.Errorf("%w: malformed callback", domain.ErrValidation)
	ErrRateLimited        = fmt.Errorf("%w: too many requests", domain.ErrValidation)
	ErrGatewayUnavailable = fmt.Errorf("%w: payment gateway unavailable", domain.ErrExternalDependency)
	ErrChargeRejected     = fmt.Errorf("%w: charge rejected by payment gateway", domain.ErrValidation)
)
