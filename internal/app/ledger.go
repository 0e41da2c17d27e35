/**
 * @description
 * The contribution ledger records money entering and leaving a group. Every
 * chargeable payment starts as a pending Payment plus a pending Transaction that
 * share one payment reference; the gateway callback later settles both exactly
 * once. Balances are derived from completed transactions only.
 *
 * @dependencies
 * - internal/store: conditional writes and unique constraints provide idempotency.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kijumbe/ledger-service/internal/domain"
	"github.com/kijumbe/ledger-service/internal/store"
)

// PaymentRequest describes a chargeable payment a member wants to make.
type PaymentRequest struct {
	GroupID     uuid.UUID
	UserID      uuid.UUID
	Type        domain.TransactionType
	Amount      int64
	PhoneNumber string
}

// Completion is the result of settling a payment reference.
type Completion struct {
	Transaction *domain.Transaction
	Payment     *domain.Payment
	// Applied is false when the payment had already been settled or the
	// gateway status settled nothing.
	Applied bool
}

// Ledger is the contribution ledger.
type Ledger struct {
	repo      store.Repository
	logger    *slog.Logger
	minAmount int64
	now       func() time.Time
}

// NewLedger creates a ledger enforcing minAmount as the platform-wide floor.
func NewLedger(repo store.Repository, logger *slog.Logger, minAmount int64) *Ledger {
	if minAmount < 1 {
		minAmount = 1
	}
	return &Ledger{
		repo:      repo,
		logger:    logger.With("component", "ledger"),
		minAmount: minAmount,
		now:       time.Now,
	}
}

// NormalizePhoneNumber strips formatting and converts local numbers
// (leading 0) to the international 255 prefix.
func NormalizePhoneNumber(raw string) (string, error) {
	var digits strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", ErrInvalidPhoneNumber
		}
	}
	phone := digits.String()
	if strings.HasPrefix(phone, "0") && len(phone) == 10 {
		phone = "255" + phone[1:]
	}
	if len(phone) < 10 || len(phone) > 15 || strings.HasPrefix(phone, "0") {
		return "", ErrInvalidPhoneNumber
	}
	return phone, nil
}

// activeMembership loads the group and member and checks both can transact.
func (l *Ledger) activeMembership(ctx context.Context, groupID, userID uuid.UUID) (*domain.Group, *domain.Member, error) {
	group, err := l.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if group.Status != domain.GroupStatusActive {
		return nil, nil, ErrGroupClosed
	}
	member, err := l.repo.FindMember(ctx, groupID, userID)
	if err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			return nil, nil, ErrInvalidMember
		}
		return nil, nil, err
	}
	if member.Status != domain.MemberStatusActive {
		return nil, nil, ErrInvalidMember
	}
	return group, member, nil
}

// RecordPendingPayment creates a pending Payment and a pending Transaction
// sharing a freshly minted payment reference.
func (l *Ledger) RecordPendingPayment(ctx context.Context, req PaymentRequest) (*domain.Transaction, *domain.Payment, error) {
	if !req.Type.Chargeable() {
		return nil, nil, ErrInvalidPaymentType
	}
	if req.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	phone, err := NormalizePhoneNumber(req.PhoneNumber)
	if err != nil {
		return nil, nil, err
	}

	group, _, err := l.activeMembership(ctx, req.GroupID, req.UserID)
	if err != nil {
		return nil, nil, err
	}

	floor := l.minAmount
	if req.Type == domain.TransactionTypeContribution && group.ContributionAmount > floor {
		floor = group.ContributionAmount
	}
	if req.Amount < floor {
		return nil, nil, fmt.Errorf("%w: minimum is %d", ErrInvalidAmount, floor)
	}

	now := l.now().UTC()
	reference := domain.NewPaymentReference()
	payment := &domain.Payment{
		ID:               uuid.New(),
		GroupID:          group.ID,
		UserID:           req.UserID,
		PaymentType:      req.Type,
		Amount:           req.Amount,
		PhoneNumber:      phone,
		PaymentReference: reference,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.repo.CreatePayment(ctx, payment); err != nil {
		return nil, nil, fmt.Errorf("create payment: %w", err)
	}

	tx := &domain.Transaction{
		ID:               uuid.New(),
		GroupID:          group.ID,
		UserID:           req.UserID,
		Type:             req.Type,
		Amount:           req.Amount,
		Status:           domain.StatusPending,
		PaymentReference: &reference,
		Rotation:         group.CurrentRotation,
		Description:      fmt.Sprintf("%s for rotation %d", req.Type, group.CurrentRotation),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.repo.CreateTransaction(ctx, tx); err != nil {
		reason := "ledger entry could not be recorded"
		if cancelErr := l.repo.TransitionPaymentStatus(ctx, reference, domain.StatusPending, domain.StatusCancelled, store.PaymentUpdate{FailureReason: &reason}); cancelErr != nil {
			l.logger.Error("failed to cancel orphaned payment", "reference", reference, "error", cancelErr)
		}
		return nil, nil, fmt.Errorf("create transaction: %w", err)
	}

	l.logger.Info("pending payment recorded", "group_id", group.ID, "user_id", req.UserID, "type", req.Type, "amount", req.Amount, "reference", reference)
	return tx, payment, nil
}

// RecordPendingContribution records a pending contribution for the member.
func (l *Ledger) RecordPendingContribution(ctx context.Context, groupID, userID uuid.UUID, amount int64, phoneNumber string) (*domain.Transaction, *domain.Payment, error) {
	return l.RecordPendingPayment(ctx, PaymentRequest{
		GroupID:     groupID,
		UserID:      userID,
		Type:        domain.TransactionTypeContribution,
		Amount:      amount,
		PhoneNumber: phoneNumber,
	})
}

// CancelPending cancels a pending payment and its linked transaction. It is
// used when the gateway rejects the charge outright.
func (l *Ledger) CancelPending(ctx context.Context, reference, reason string) error {
	payment, err := l.repo.FindPaymentByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return ErrUnknownPaymentReference
		}
		return err
	}
	if err := l.repo.TransitionPaymentStatus(ctx, reference, domain.StatusPending, domain.StatusCancelled, store.PaymentUpdate{FailureReason: &reason}); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil
		}
		return err
	}
	_, err = l.settleLinkedTransaction(ctx, payment, domain.StatusCancelled, false)
	return err
}

// CompleteContribution settles the payment identified by reference with the
// gateway's outcome. Repeated calls are no-ops that return the transaction
// recorded by the first call.
func (l *Ledger) CompleteContribution(ctx context.Context, reference string, status domain.GatewayStatus, gatewayTransactionID string) (*Completion, error) {
	payment, err := l.repo.FindPaymentByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return nil, ErrUnknownPaymentReference
		}
		return nil, err
	}

	if payment.Status.IsTerminal() {
		return l.alreadySettled(ctx, payment)
	}

	target, settles := status.LedgerStatus()
	if !settles {
		tx, err := l.linkedTransaction(ctx, payment)
		if err != nil && !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
		return &Completion{Transaction: tx, Payment: payment}, nil
	}

	update := store.PaymentUpdate{}
	if gatewayTransactionID = strings.TrimSpace(gatewayTransactionID); gatewayTransactionID != "" {
		update.GatewayTransactionID = &gatewayTransactionID
	}
	if target == domain.StatusFailed {
		reason := "charge failed at gateway"
		update.FailureReason = &reason
	}

	if err := l.repo.TransitionPaymentStatus(ctx, reference, domain.StatusPending, target, update); err != nil {
		if !errors.Is(err, store.ErrConditionFailed) {
			return nil, err
		}
		// A concurrent delivery won the race and owns the settlement.
		current, findErr := l.repo.FindPaymentByReference(ctx, reference)
		if findErr != nil {
			return nil, findErr
		}
		return l.alreadySettled(ctx, current)
	}
	payment.Status = target
	if update.GatewayTransactionID != nil {
		payment.GatewayTransactionID = update.GatewayTransactionID
	}
	payment.FailureReason = update.FailureReason

	tx, err := l.settleLinkedTransaction(ctx, payment, target, true)
	if err != nil {
		return nil, err
	}

	l.logger.Info("payment settled", "reference", reference, "status", target, "group_id", payment.GroupID, "user_id", payment.UserID, "amount", payment.Amount)
	return &Completion{Transaction: tx, Payment: payment, Applied: true}, nil
}

// alreadySettled reports a payment settled by an earlier delivery. A completed
// or failed payment whose ledger entry was never settled, because the earlier
// delivery stopped between the two writes, is repaired here.
func (l *Ledger) alreadySettled(ctx context.Context, payment *domain.Payment) (*Completion, error) {
	if payment.Status == domain.StatusCancelled {
		tx, err := l.linkedTransaction(ctx, payment)
		if err != nil && !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
		return &Completion{Transaction: tx, Payment: payment}, nil
	}
	tx, err := l.settleLinkedTransaction(ctx, payment, payment.Status, true)
	if err != nil {
		return nil, err
	}
	return &Completion{Transaction: tx, Payment: payment}, nil
}

// linkedTransaction finds the transaction created for payment by matching
// group, user, type and reference, and checks it agrees on the amount.
func (l *Ledger) linkedTransaction(ctx context.Context, payment *domain.Payment) (*domain.Transaction, error) {
	groupID, userID := payment.GroupID, payment.UserID
	txs, err := l.repo.FindTransactions(ctx, store.TransactionFilter{
		GroupID:          &groupID,
		UserID:           &userID,
		Types:            []domain.TransactionType{payment.PaymentType},
		PaymentReference: payment.PaymentReference,
		Limit:            1,
	})
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, store.ErrTransactionNotFound
	}
	tx := txs[0]
	if tx.Amount != payment.Amount {
		l.logger.Error("ledger entry amount disagrees with payment", "reference", payment.PaymentReference, "transaction_id", tx.ID, "transaction_amount", tx.Amount, "payment_amount", payment.Amount)
		return nil, fmt.Errorf("%w: reference %s", ErrLedgerMismatch, payment.PaymentReference)
	}
	return &tx, nil
}

// settleLinkedTransaction moves the payment's transaction to target, creating
// it when it is missing and createMissing is set.
func (l *Ledger) settleLinkedTransaction(ctx context.Context, payment *domain.Payment, target domain.Status, createMissing bool) (*domain.Transaction, error) {
	tx, err := l.linkedTransaction(ctx, payment)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrTransactionNotFound) && createMissing:
		return l.createSettledTransaction(ctx, payment, target)
	case errors.Is(err, store.ErrTransactionNotFound):
		return nil, nil
	default:
		return nil, err
	}

	if tx.Status == target {
		return tx, nil
	}
	if tx.Status.IsTerminal() {
		l.logger.Error("ledger entry already settled differently", "reference", payment.PaymentReference, "transaction_id", tx.ID, "transaction_status", tx.Status, "payment_status", target)
		return nil, fmt.Errorf("%w: transaction %s is %s, payment is %s", ErrLedgerMismatch, tx.ID, tx.Status, target)
	}
	if err := l.repo.TransitionTransactionStatus(ctx, tx.ID, domain.StatusPending, target); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return l.settleLinkedTransaction(ctx, payment, target, false)
		}
		return nil, err
	}
	tx.Status = target
	tx.UpdatedAt = l.now().UTC()
	return tx, nil
}

func (l *Ledger) createSettledTransaction(ctx context.Context, payment *domain.Payment, target domain.Status) (*domain.Transaction, error) {
	group, err := l.repo.GetGroup(ctx, payment.GroupID)
	if err != nil {
		return nil, err
	}
	reference := payment.PaymentReference
	now := l.now().UTC()
	tx := &domain.Transaction{
		ID:               uuid.New(),
		GroupID:          payment.GroupID,
		UserID:           payment.UserID,
		Type:             payment.PaymentType,
		Amount:           payment.Amount,
		Status:           target,
		PaymentReference: &reference,
		Rotation:         group.CurrentRotation,
		Description:      fmt.Sprintf("%s for rotation %d", payment.PaymentType, group.CurrentRotation),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return l.settleLinkedTransaction(ctx, payment, target, false)
		}
		return nil, err
	}
	l.logger.Warn("ledger entry was missing for settled payment; recreated", "reference", reference, "transaction_id", tx.ID)
	return tx, nil
}

// SettleTransaction confirms the outcome of a pending transaction that has
// no gateway payment behind it, such as a payout disbursement.
func (l *Ledger) SettleTransaction(ctx context.Context, transactionID uuid.UUID, status domain.Status) (*domain.Transaction, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: status %q", store.ErrInvalidRecord, status)
	}
	tx, err := l.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.PaymentReference != nil {
		return nil, ErrSettlementNotAllowed
	}
	if err := l.repo.TransitionTransactionStatus(ctx, transactionID, domain.StatusPending, status); err != nil {
		return nil, err
	}
	tx.Status = status
	tx.UpdatedAt = l.now().UTC()
	l.logger.Info("transaction settled", "transaction_id", tx.ID, "type", tx.Type, "status", status)
	return tx, nil
}

func completedSums(ctx context.Context, repo store.Repository, filter store.TransactionFilter) (map[domain.TransactionType]int64, error) {
	filter.Statuses = []domain.Status{domain.StatusCompleted}
	return repo.SumTransactions(ctx, filter)
}

// BalanceFor is the member's net completed position in the group.
func (l *Ledger) BalanceFor(ctx context.Context, groupID, userID uuid.UUID) (int64, error) {
	sums, err := completedSums(ctx, l.repo, store.TransactionFilter{GroupID: &groupID, UserID: &userID})
	if err != nil {
		return 0, err
	}
	return domain.NetBalance(sums), nil
}

// GroupTotal is the group's net completed pool.
func (l *Ledger) GroupTotal(ctx context.Context, groupID uuid.UUID) (int64, error) {
	sums, err := completedSums(ctx, l.repo, store.TransactionFilter{GroupID: &groupID})
	if err != nil {
		return 0, err
	}
	return domain.NetBalance(sums), nil
}

// LifetimeContributions sums the member's completed contributions in the group.
func (l *Ledger) LifetimeContributions(ctx context.Context, groupID, userID uuid.UUID) (int64, error) {
	sums, err := completedSums(ctx, l.repo, store.TransactionFilter{
		GroupID: &groupID,
		UserID:  &userID,
		Types:   []domain.TransactionType{domain.TransactionTypeContribution},
	})
	if err != nil {
		return 0, err
	}
	return sums[domain.TransactionTypeContribution], nil
}

// History returns the member's transactions, newest first.
func (l *Ledger) History(ctx context.Context, groupID, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return l.repo.FindTransactions(ctx, store.TransactionFilter{
		GroupID:     &groupID,
		UserID:      &userID,
		NewestFirst: true,
		Limit:       limit,
	})
}
