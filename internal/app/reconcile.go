/**
 * @description
 * Reconciliation turns asynchronous gateway callbacks into ledger settlements.
 * The gateway delivers at least once, so the payment reference plus the
 * payment's terminal state is the only deduplication needed.
 */

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kijumbe/ledger-service/internal/domain"
	"github.com/kijumbe/ledger-service/internal/store"
)

// CallbackVerifier checks that a callback body was signed by the gateway.
type CallbackVerifier interface {
	VerifySignature(body []byte, signature string) bool
}

// ReconciliationOutcome is what a callback did to the ledger.
type ReconciliationOutcome string

const (
	OutcomeCompleted        ReconciliationOutcome = "completed"
	OutcomeFailed           ReconciliationOutcome = "failed"
	OutcomePending          ReconciliationOutcome = "pending"
	OutcomeAlreadyProcessed ReconciliationOutcome = "already_processed"
	OutcomeUnknownReference ReconciliationOutcome = "unknown_reference"
)

// ReconciliationResult is returned for every authenticated, well-formed callback.
type ReconciliationResult struct {
	Outcome     ReconciliationOutcome `json:"outcome"`
	Reference   string                `json:"reference"`
	Transaction *domain.Transaction   `json:"transaction,omitempty"`
}

// GatewayCallback is the callback body posted by the gateway.
type GatewayCallback struct {
	Reference            string          `json:"reference"`
	Status               string          `json:"status"`
	GatewayTransactionID string          `json:"transaction_id"`
	Payload              json.RawMessage `json:"payload,omitempty"`
}

// Reconciler settles gateway callbacks and triggers the follow-up rotation check.
type Reconciler struct {
	verifier    CallbackVerifier
	ledger      *Ledger
	rotation    *RotationEngine
	events      *eventPublisher
	logger      *slog.Logger
	autoAdvance bool
}

// NewReconciler creates a reconciler; autoAdvance pays out due rotations instead of announcing them.
func NewReconciler(verifier CallbackVerifier, ledger *Ledger, rotation *RotationEngine, events *eventPublisher, logger *slog.Logger, autoAdvance bool) *Reconciler {
	return &Reconciler{
		verifier:    verifier,
		ledger:      ledger,
		rotation:    rotation,
		events:      events,
		logger:      logger.With("component", "reconciler"),
		autoAdvance: autoAdvance,
	}
}

// ParseCallback decodes a callback body. Unknown statuses are rejected.
func ParseCallback(body []byte) (GatewayCallback, domain.GatewayStatus, error) {
	var cb GatewayCallback
	decoder := json.NewDecoder(bytes.NewReader(body))
	if err := decoder.Decode(&cb); err != nil {
		return cb, "", fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	cb.Reference = strings.TrimSpace(cb.Reference)
	if cb.Reference == "" {
		return cb, "", fmt.Errorf("%w: reference is required", ErrMalformedCallback)
	}
	status, ok := domain.ParseGatewayStatus(cb.Status)
	if !ok {
		return cb, "", fmt.Errorf("%w: unknown status %q", ErrMalformedCallback, cb.Status)
	}
	return cb, status, nil
}

// HandleCallback authenticates and applies one gateway callback. A callback
// with a bad signature changes nothing.
func (r *Reconciler) HandleCallback(ctx context.Context, body []byte, signature string) (*ReconciliationResult, error) {
	if r.verifier == nil || !r.verifier.VerifySignature(body, strings.TrimSpace(signature)) {
		callbacksTotal.WithLabelValues("rejected").Inc()
		r.logger.Warn("callback rejected: invalid signature", "body_bytes", len(body))
		return nil, ErrInvalidSignature
	}
	cb, status, err := ParseCallback(body)
	if err != nil {
		callbacksTotal.WithLabelValues("rejected").Inc()
		r.logger.Warn("callback rejected: malformed body", "error", err)
		return nil, err
	}
	return r.Reconcile(ctx, cb.Reference, status, cb.GatewayTransactionID)
}

// Reconcile applies a verified gateway outcome to the payment with reference.
func (r *Reconciler) Reconcile(ctx context.Context, reference string, status domain.GatewayStatus, gatewayTransactionID string) (*ReconciliationResult, error) {
	result := &ReconciliationResult{Reference: reference}

	completion, err := r.ledger.CompleteContribution(ctx, reference, status, gatewayTransactionID)
	if err != nil {
		if errors.Is(err, ErrUnknownPaymentReference) {
			r.logger.Warn("callback for unknown payment reference", "reference", reference, "status", status)
			result.Outcome = OutcomeUnknownReference
			callbacksTotal.WithLabelValues(string(result.Outcome)).Inc()
			return result, nil
		}
		if errors.Is(err, domain.ErrDataIntegrity) {
			integrityViolations.Inc()
			r.logger.Error("callback hit a ledger integrity violation", "reference", reference, "error", err)
		}
		return nil, err
	}
	result.Transaction = completion.Transaction

	switch {
	case !completion.Applied && completion.Payment.Status.IsTerminal():
		result.Outcome = OutcomeAlreadyProcessed
		r.logger.Info("callback already processed", "reference", reference, "payment_status", completion.Payment.Status)
	case !completion.Applied:
		result.Outcome = OutcomePending
	case completion.Payment.Status == domain.StatusCompleted:
		result.Outcome = OutcomeCompleted
		r.afterCompletion(ctx, completion)
	default:
		result.Outcome = OutcomeFailed
		if completion.Transaction != nil {
			r.events.publish(ctx, transactionEvent(domain.EventContributionFailed, completion.Transaction))
		}
	}
	callbacksTotal.WithLabelValues(string(result.Outcome)).Inc()
	return result, nil
}

// afterCompletion announces the credit and re-evaluates the group's cycle.
// Failures here never undo the settlement; they are logged.
func (r *Reconciler) afterCompletion(ctx context.Context, completion *Completion) {
	tx := completion.Transaction
	if tx == nil {
		return
	}
	event := transactionEvent(domain.EventContributionCompleted, tx)
	if balance, err := r.ledger.BalanceFor(ctx, tx.GroupID, tx.UserID); err == nil {
		event.Balance = &balance
	} else {
		r.logger.Warn("balance lookup failed after completion", "reference", completion.Payment.PaymentReference, "error", err)
	}
	r.events.publish(ctx, event)

	if tx.Type != domain.TransactionTypeContribution {
		return
	}
	r.checkPayoutDue(ctx, tx)
}

func (r *Reconciler) checkPayoutDue(ctx context.Context, tx *domain.Transaction) {
	due, group, err := r.rotation.PayoutDue(ctx, tx.GroupID)
	if err != nil {
		r.logger.Error("payout check failed", "group_id", tx.GroupID, "error", err)
		return
	}
	if !due {
		return
	}
	if !r.autoAdvance {
		r.events.publish(ctx, groupEvent(domain.EventRotationPayoutDue, group.ID, group.CurrentRotation))
		return
	}

	advance, err := r.rotation.AdvanceRotation(ctx, group.ID)
	if err != nil {
		if errors.Is(err, store.ErrConditionFailed) || errors.Is(err, ErrPayoutNotDue) {
			r.logger.Debug("rotation advanced elsewhere", "group_id", group.ID, "rotation", group.CurrentRotation)
			return
		}
		r.logger.Error("automatic rotation advance failed", "group_id", group.ID, "rotation", group.CurrentRotation, "error", err)
		r.events.publish(ctx, groupEvent(domain.EventRotationPayoutDue, group.ID, group.CurrentRotation))
		return
	}
	rotationsAdvanced.Inc()
	r.events.publish(ctx, transactionEvent(domain.EventRotationAdvanced, advance.Payout))
}
