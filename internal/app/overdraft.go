/**
 * @description
 * The overdraft engine extends short-term credit against a member's completed
 * contributions. Every state change is a version-checked update of the
 * overdraft row, retried a few times when a concurrent writer got there first.
 *
 * @dependencies
 * - github.com/shopspring/decimal: eligibility percentage math.
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
	"github.com/shopspring/decimal"
)

const overdraftUpdateAttempts = 3

// OverdraftPolicy holds the configurable overdraft terms.
type OverdraftPolicy struct {
	InterestRatePercent float64
	EligibilityPercent  float64
	MaxRepaymentMonths  int
}

// OverdraftRequest is a member's request for credit.
type OverdraftRequest struct {
	GroupID               uuid.UUID
	UserID                uuid.UUID
	Amount                int64
	Purpose               string
	RepaymentPeriodMonths int
}

// OverdraftEngine enforces the overdraft lifecycle
// pending -> approved -> active -> completed | defaulted.
type OverdraftEngine struct {
	repo   store.Repository
	ledger *Ledger
	policy OverdraftPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewOverdraftEngine creates an engine applying policy, with out-of-range values replaced by defaults.
func NewOverdraftEngine(repo store.Repository, ledger *Ledger, policy OverdraftPolicy, logger *slog.Logger) *OverdraftEngine {
	if policy.EligibilityPercent <= 0 || policy.EligibilityPercent > 100 {
		policy.EligibilityPercent = 80
	}
	if policy.MaxRepaymentMonths <= 0 {
		policy.MaxRepaymentMonths = 12
	}
	if policy.InterestRatePercent < 0 {
		policy.InterestRatePercent = 0
	}
	return &OverdraftEngine{
		repo:   repo,
		ledger: ledger,
		policy: policy,
		logger: logger.With("component", "overdraft"),
		now:    time.Now,
	}
}

// MaxEligible is the configured share of the member's lifetime completed
// contributions, rounded down to a whole minor unit.
func (e *OverdraftEngine) MaxEligible(ctx context.Context, groupID, userID uuid.UUID) (int64, error) {
	lifetime, err := e.ledger.LifetimeContributions(ctx, groupID, userID)
	if err != nil {
		return 0, err
	}
	return decimal.NewFromInt(lifetime).
		Mul(decimal.NewFromFloat(e.policy.EligibilityPercent)).
		Div(decimal.NewFromInt(100)).
		Floor().
		IntPart(), nil
}

// RequestOverdraft creates a pending overdraft for an active member.
func (e *OverdraftEngine) RequestOverdraft(ctx context.Context, req OverdraftRequest) (*domain.Overdraft, error) {
	purpose := strings.TrimSpace(req.Purpose)
	switch {
	case req.Amount <= 0:
		return nil, ErrInvalidAmount
	case purpose == "":
		return nil, fmt.Errorf("%w: purpose is required", ErrInvalidOverdraftRequest)
	case req.RepaymentPeriodMonths < 1 || req.RepaymentPeriodMonths > e.policy.MaxRepaymentMonths:
		return nil, fmt.Errorf("%w: repayment period must be between 1 and %d months", ErrInvalidOverdraftRequest, e.policy.MaxRepaymentMonths)
	}

	if _, _, err := e.ledger.activeMembership(ctx, req.GroupID, req.UserID); err != nil {
		return nil, err
	}

	maxEligible, err := e.MaxEligible(ctx, req.GroupID, req.UserID)
	if err != nil {
		return nil, err
	}
	if req.Amount > maxEligible {
		return nil, fmt.Errorf("%w: requested %d, eligible for %d", ErrExceedsEligibility, req.Amount, maxEligible)
	}

	existing, err := e.repo.FindOpenOverdraft(ctx, req.GroupID, req.UserID)
	if err != nil && !errors.Is(err, store.ErrOverdraftNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: overdraft %s is %s", ErrDuplicateOverdraft, existing.ID, existing.Status)
	}

	now := e.now().UTC()
	overdraft := &domain.Overdraft{
		ID:                    uuid.New(),
		GroupID:               req.GroupID,
		UserID:                req.UserID,
		Amount:                req.Amount,
		Purpose:               purpose,
		RepaymentPeriodMonths: req.RepaymentPeriodMonths,
		InterestRate:          e.policy.InterestRatePercent,
		Status:                domain.OverdraftStatusPending,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := e.repo.CreateOverdraft(ctx, overdraft); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrDuplicateOverdraft
		}
		return nil, err
	}
	e.logger.Info("overdraft requested", "overdraft_id", overdraft.ID, "group_id", req.GroupID, "user_id", req.UserID, "amount", req.Amount)
	return overdraft, nil
}

// update reads the overdraft, applies mutate and writes it back, retrying
// when the version moved in between.
func (e *OverdraftEngine) update(ctx context.Context, overdraftID uuid.UUID, mutate func(o *domain.Overdraft) error) (*domain.Overdraft, error) {
	for attempt := 0; attempt < overdraftUpdateAttempts; attempt++ {
		o, err := e.repo.GetOverdraft(ctx, overdraftID)
		if err != nil {
			return nil, err
		}
		if err := mutate(o); err != nil {
			return nil, err
		}
		err = e.repo.UpdateOverdraft(ctx, o)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, store.ErrConditionFailed) {
			return nil, err
		}
		e.logger.Debug("overdraft version moved; retrying", "overdraft_id", overdraftID, "attempt", attempt+1)
	}
	return nil, ErrConcurrentUpdate
}

func invalidTransition(o *domain.Overdraft, to domain.OverdraftStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
}

// Approve moves a pending overdraft to approved.
func (e *OverdraftEngine) Approve(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error) {
	o, err := e.update(ctx, overdraftID, func(o *domain.Overdraft) error {
		if o.Status != domain.OverdraftStatusPending {
			return invalidTransition(o, domain.OverdraftStatusApproved)
		}
		now := e.now().UTC()
		o.Status = domain.OverdraftStatusApproved
		o.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("overdraft approved", "overdraft_id", o.ID)
	return o, nil
}

// Reject moves a pending overdraft to rejected.
func (e *OverdraftEngine) Reject(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error) {
	o, err := e.update(ctx, overdraftID, func(o *domain.Overdraft) error {
		if o.Status != domain.OverdraftStatusPending {
			return invalidTransition(o, domain.OverdraftStatusRejected)
		}
		o.Status = domain.OverdraftStatusRejected
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("overdraft rejected", "overdraft_id", o.ID)
	return o, nil
}

// Activate moves an approved overdraft to active, sets its due date and
// records the draw. Activating an active overdraft whose draw was never
// recorded records the missing draw.
func (e *OverdraftEngine) Activate(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error) {
	o, err := e.update(ctx, overdraftID, func(o *domain.Overdraft) error {
		if o.Status != domain.OverdraftStatusApproved {
			return invalidTransition(o, domain.OverdraftStatusActive)
		}
		now := e.now().UTC()
		due := now.AddDate(0, o.RepaymentPeriodMonths, 0)
		o.Status = domain.OverdraftStatusActive
		o.ActivatedAt = &now
		o.DueDate = &due
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		current, getErr := e.repo.GetOverdraft(ctx, overdraftID)
		if getErr != nil || current.Status != domain.OverdraftStatusActive {
			return nil, err
		}
		draw, drawErr := e.findDraw(ctx, current)
		if drawErr != nil {
			return nil, drawErr
		}
		if draw != nil {
			return nil, err
		}
		if _, created, drawErr := e.recordDraw(ctx, current); drawErr != nil {
			e.logger.Error("overdraft active without draw entry; retry activation", "overdraft_id", current.ID, "error", drawErr)
			return nil, drawErr
		} else if !created {
			// The winning activation recorded the draw first.
			return nil, err
		}
		e.logger.Info("missing overdraft draw recorded", "overdraft_id", current.ID, "amount", current.Amount)
		return current, nil
	}

	if _, _, err := e.recordDraw(ctx, o); err != nil {
		e.logger.Error("overdraft active without draw entry; retry activation", "overdraft_id", o.ID, "error", err)
		return nil, err
	}
	e.logger.Info("overdraft activated", "overdraft_id", o.ID, "amount", o.Amount, "due_date", o.DueDate)
	return o, nil
}

func (e *OverdraftEngine) findDraw(ctx context.Context, o *domain.Overdraft) (*domain.Transaction, error) {
	draws, err := e.repo.FindTransactions(ctx, store.TransactionFilter{
		GroupID:     &o.GroupID,
		OverdraftID: &o.ID,
		Types:       []domain.TransactionType{domain.TransactionTypeOverdraftDraw},
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(draws) == 0 {
		return nil, nil
	}
	return &draws[0], nil
}

func (e *OverdraftEngine) recordEntry(ctx context.Context, o *domain.Overdraft, txType domain.TransactionType, amount int64) (*domain.Transaction, error) {
	group, err := e.repo.GetGroup(ctx, o.GroupID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	overdraftID := o.ID
	tx := &domain.Transaction{
		ID:          uuid.New(),
		GroupID:     o.GroupID,
		UserID:      o.UserID,
		Type:        txType,
		Amount:      amount,
		Status:      domain.StatusCompleted,
		OverdraftID: &overdraftID,
		Rotation:    group.CurrentRotation,
		Description: fmt.Sprintf("%s for overdraft %s", txType, o.ID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// recordDraw writes the single draw entry of an overdraft. created is false
// when another caller recorded it first.
func (e *OverdraftEngine) recordDraw(ctx context.Context, o *domain.Overdraft) (*domain.Transaction, bool, error) {
	tx, err := e.recordEntry(ctx, o, domain.TransactionTypeOverdraftDraw, o.Amount)
	if err == nil {
		return tx, true, nil
	}
	if !errors.Is(err, store.ErrAlreadyExists) {
		return nil, false, err
	}
	existing, findErr := e.findDraw(ctx, o)
	if findErr != nil {
		return nil, false, findErr
	}
	if existing == nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Repay credits amount against an active overdraft. Reaching the total owed
// completes the overdraft.
func (e *OverdraftEngine) Repay(ctx context.Context, overdraftID uuid.UUID, amount int64) (*domain.Overdraft, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	o, err := e.update(ctx, overdraftID, func(o *domain.Overdraft) error {
		if o.Status != domain.OverdraftStatusActive {
			return fmt.Errorf("%w: overdraft is %s", ErrNotActive, o.Status)
		}
		owed := o.TotalOwed()
		if o.RepaidAmount+amount > owed {
			return fmt.Errorf("%w: outstanding is %d", ErrOverRepayment, owed-o.RepaidAmount)
		}
		o.RepaidAmount += amount
		if o.RepaidAmount == owed {
			o.Status = domain.OverdraftStatusCompleted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.recordEntry(ctx, o, domain.TransactionTypeOverdraftRepayment, amount); err != nil {
		e.logger.Error("repayment entry failed; reverting repaid amount", "overdraft_id", overdraftID, "amount", amount, "error", err)
		if _, revertErr := e.update(ctx, overdraftID, func(current *domain.Overdraft) error {
			current.RepaidAmount -= amount
			if current.RepaidAmount < 0 {
				current.RepaidAmount = 0
			}
			if current.Status == domain.OverdraftStatusCompleted {
				current.Status = domain.OverdraftStatusActive
			}
			return nil
		}); revertErr != nil {
			e.logger.Error("failed to revert repaid amount", "overdraft_id", overdraftID, "amount", amount, "error", revertErr)
		}
		return nil, err
	}

	e.logger.Info("overdraft repayment recorded", "overdraft_id", o.ID, "amount", amount, "repaid", o.RepaidAmount, "status", o.Status)
	return o, nil
}

// IsOverdue reports whether an active overdraft is past its due date.
func (e *OverdraftEngine) IsOverdue(o *domain.Overdraft) bool {
	return o.IsOverdue(e.now().UTC())
}

// MarkDefaulted moves an active, overdue overdraft to defaulted.
func (e *OverdraftEngine) MarkDefaulted(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error) {
	o, err := e.update(ctx, overdraftID, func(o *domain.Overdraft) error {
		if o.Status != domain.OverdraftStatusActive {
			return invalidTransition(o, domain.OverdraftStatusDefaulted)
		}
		if !e.IsOverdue(o) {
			return ErrNotOverdue
		}
		o.Status = domain.OverdraftStatusDefaulted
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("overdraft defaulted", "overdraft_id", o.ID, "group_id", o.GroupID, "user_id", o.UserID, "outstanding", o.Outstanding())
	return o, nil
}

// OverdueOverdrafts lists active overdrafts past their due date.
func (e *OverdraftEngine) OverdueOverdrafts(ctx context.Context) ([]domain.Overdraft, error) {
	active, err := e.repo.ListOverdraftsByStatus(ctx, domain.OverdraftStatusActive)
	if err != nil {
		return nil, err
	}
	var overdue []domain.Overdraft
	for _, o := range active {
		if e.IsOverdue(&o) {
			overdue = append(overdue, o)
		}
	}
	return overdue, nil
}

// Get loads an overdraft.
func (e *OverdraftEngine) Get(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error) {
	return e.repo.GetOverdraft(ctx, overdraftID)
}
