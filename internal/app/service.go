/**
 * @description
 * This file contains the service facade of the ledger-service. The `Service`
 * struct wires the contribution ledger, rotation engine, overdraft engine and
 * reconciler together and exposes the verbs used by the messaging layer, the
 * admin frontend and the scheduler.
 *
 * Key features:
 * - Initiates gateway charges for pending contributions with a bounded timeout.
 * - Rate limits contribution requests per user through Redis.
 * - Publishes ledger events to RabbitMQ for member notifications.
 *
 * @dependencies
 * - internal/domain, internal/store: domain records and data access.
 * - pkg/gateway, pkg/rabbitmq: external service communication.
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
	"github.com/kijumbe/ledger-service/pkg/gateway"
	"github.com/kijumbe/ledger-service/pkg/rabbitmq"
)

const (
	contributionRateLimitScope  = "contribution"
	contributionRateLimitWindow = time.Minute
	defaultGatewayTimeout       = 15 * time.Second
)

// PaymentGateway is the mobile-money gateway the service charges through.
type PaymentGateway interface {
	InitiateCharge(ctx context.Context, charge gateway.ChargeRequest) (*gateway.ChargeResponse, error)
	CallbackVerifier
}

// RateLimiter counts requests per subject within a window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Policy holds the configurable business rules and integration settings.
type Policy struct {
	MinContribution                int64
	Overdraft                      OverdraftPolicy
	AutoAdvanceRotation            bool
	GatewayTimeout                 time.Duration
	CallbackURL                    string
	EventsExchange                 string
	ContributionRateLimitPerMinute int
}

// ContributionReceipt is returned when a contribution has been recorded.
type ContributionReceipt struct {
	TransactionID    uuid.UUID     `json:"transaction_id"`
	PaymentReference string        `json:"payment_reference"`
	Amount           int64         `json:"amount"`
	Status           domain.Status `json:"status"`
	RedirectURL      string        `json:"redirect_url,omitempty"`
	ChargeInitiated  bool          `json:"charge_initiated"`
}

// RepaymentResult is returned after an overdraft repayment.
type RepaymentResult struct {
	Overdraft        *domain.Overdraft `json:"overdraft"`
	RemainingBalance int64             `json:"remaining_balance"`
}

// RotationScheduleView is a group's payout order with its cycle position.
type RotationScheduleView struct {
	GroupID         uuid.UUID       `json:"group_id"`
	CurrentRotation int             `json:"current_rotation"`
	CycleState      CycleState      `json:"cycle_state"`
	Members         []ScheduleEntry `json:"members"`
}

// SweepReport summarizes one payout sweep.
type SweepReport struct {
	Checked  int `json:"checked"`
	Due      int `json:"due"`
	Advanced int `json:"advanced"`
	Failed   int `json:"failed"`
}

// Service provides the ledger's business verbs.
type Service struct {
	repo       store.Repository
	gateway    PaymentGateway
	limiter    RateLimiter
	ledger     *Ledger
	rotation   *RotationEngine
	overdrafts *OverdraftEngine
	reconciler *Reconciler
	events     *eventPublisher
	policy     Policy
	logger     *slog.Logger
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, gw PaymentGateway, producer rabbitmq.Publisher, logger *slog.Logger, policy Policy) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.GatewayTimeout <= 0 {
		policy.GatewayTimeout = defaultGatewayTimeout
	}
	ledger := NewLedger(repo, logger, policy.MinContribution)
	rotation := NewRotationEngine(repo, ledger, logger)
	events := newEventPublisher(producer, policy.EventsExchange, logger)

	return &Service{
		repo:       repo,
		gateway:    gw,
		ledger:     ledger,
		rotation:   rotation,
		overdrafts: NewOverdraftEngine(repo, ledger, policy.Overdraft, logger),
		reconciler: NewReconciler(gw, ledger, rotation, events, logger, policy.AutoAdvanceRotation),
		events:     events,
		policy:     policy,
		logger:     logger.With("component", "service"),
	}
}

// SetRateLimiter enables per-user contribution rate limiting.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// SetClock replaces the clock used for timestamps, windows and due dates.
func (s *Service) SetClock(now func() time.Time) {
	s.ledger.now = now
	s.rotation.now = now
	s.overdrafts.now = now
	s.events.now = now
}

func (s *Service) checkRateLimit(ctx context.Context, userID uuid.UUID) error {
	limit := s.policy.ContributionRateLimitPerMinute
	if s.limiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, contributionRateLimitScope, userID.String(), limit, contributionRateLimitWindow)
	if err != nil {
		s.logger.Warn("rate limiter unavailable; allowing request", "user_id", userID, "error", err)
		return nil
	}
	if count > limit {
		return fmt.Errorf("%w: retry in %d seconds", ErrRateLimited, retryAfter)
	}
	return nil
}

// RequestContribution records a pending contribution and asks the gateway to
// charge the member's phone. When the gateway cannot be reached the receipt
// is still returned with ErrGatewayUnavailable; the payment stays pending
// until a callback settles it.
func (s *Service) RequestContribution(ctx context.Context, groupID, userID uuid.UUID, amount int64, phoneNumber string) (*ContributionReceipt, error) {
	return s.RequestPayment(ctx, PaymentRequest{
		GroupID:     groupID,
		UserID:      userID,
		Type:        domain.TransactionTypeContribution,
		Amount:      amount,
		PhoneNumber: phoneNumber,
	})
}

// RequestPayment is RequestContribution for any chargeable payment type.
func (s *Service) RequestPayment(ctx context.Context, req PaymentRequest) (*ContributionReceipt, error) {
	if err := s.checkRateLimit(ctx, req.UserID); err != nil {
		contributionRequests.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	tx, payment, err := s.ledger.RecordPendingPayment(ctx, req)
	if err != nil {
		contributionRequests.WithLabelValues("rejected").Inc()
		return nil, err
	}

	receipt := &ContributionReceipt{
		TransactionID:    tx.ID,
		PaymentReference: payment.PaymentReference,
		Amount:           payment.Amount,
		Status:           payment.Status,
	}
	if s.gateway == nil {
		contributionRequests.WithLabelValues("gateway_unavailable").Inc()
		return receipt, fmt.Errorf("%w: no gateway configured", ErrGatewayUnavailable)
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.policy.GatewayTimeout)
	defer cancel()
	started := time.Now()
	charge, err := s.gateway.InitiateCharge(chargeCtx, gateway.ChargeRequest{
		PhoneNumber: payment.PhoneNumber,
		Amount:      payment.Amount,
		Reference:   payment.PaymentReference,
		CallbackURL: s.policy.CallbackURL,
	})
	gatewayChargeLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		return s.chargeFailed(ctx, receipt, err)
	}

	if gatewayTxID := strings.TrimSpace(charge.Data.TransactionID); gatewayTxID != "" {
		if err := s.repo.SetPaymentGatewayTransactionID(ctx, payment.PaymentReference, gatewayTxID); err != nil {
			s.logger.Warn("failed to store gateway transaction id", "reference", payment.PaymentReference, "error", err)
		}
	}
	receipt.RedirectURL = charge.Data.RedirectURL
	receipt.ChargeInitiated = true
	contributionRequests.WithLabelValues("initiated").Inc()
	return receipt, nil
}

func (s *Service) chargeFailed(ctx context.Context, receipt *ContributionReceipt, chargeErr error) (*ContributionReceipt, error) {
	reference := receipt.PaymentReference
	switch {
	case errors.Is(chargeErr, gateway.ErrInvalidPhoneNumber):
		contributionRequests.WithLabelValues("invalid_phone").Inc()
		if err := s.ledger.CancelPending(ctx, reference, "invalid phone number"); err != nil {
			s.logger.Error("failed to cancel payment after phone rejection", "reference", reference, "error", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPhoneNumber, chargeErr)
	case errors.Is(chargeErr, gateway.ErrRejected):
		contributionRequests.WithLabelValues("rejected").Inc()
		if err := s.ledger.CancelPending(ctx, reference, "charge rejected by gateway"); err != nil {
			s.logger.Error("failed to cancel payment after gateway rejection", "reference", reference, "error", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrChargeRejected, chargeErr)
	default:
		contributionRequests.WithLabelValues("gateway_unavailable").Inc()
		s.logger.Warn("charge initiation failed; payment left pending", "reference", reference, "timeout", gateway.IsTimeout(chargeErr), "error", chargeErr)
		return receipt, fmt.Errorf("%w: %v", ErrGatewayUnavailable, chargeErr)
	}
}

// GetBalance returns the member's net completed position in the group.
func (s *Service) GetBalance(ctx context.Context, groupID, userID uuid.UUID) (int64, error) {
	if _, err := s.repo.FindMember(ctx, groupID, userID); err != nil {
		return 0, err
	}
	return s.ledger.BalanceFor(ctx, groupID, userID)
}

// GetGroupTotal returns the group's net completed pool.
func (s *Service) GetGroupTotal(ctx context.Context, groupID uuid.UUID) (int64, error) {
	if _, err := s.repo.GetGroup(ctx, groupID); err != nil {
		return 0, err
	}
	return s.ledger.GroupTotal(ctx, groupID)
}

// GetHistory returns the member's recent transactions, newest first.
func (s *Service) GetHistory(ctx context.Context, groupID, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if _, err := s.repo.FindMember(ctx, groupID, userID); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, groupID, userID, limit)
}

// GetOverdraftEligibility returns the largest overdraft the member may request.
func (s *Service) GetOverdraftEligibility(ctx context.Context, groupID, userID uuid.UUID) (int64, error) {
	if _, err := s.repo.FindMember(ctx, groupID, userID); err != nil {
		return 0, err
	}
	return s.overdrafts.MaxEligible(ctx, groupID, userID)
}

// RequestOverdraft creates a pending overdraft.
func (s *Service) RequestOverdraft(ctx context.Context, req OverdraftRequest) (*domain.Overdraft, error) {
	o, err := s.overdrafts.RequestOverdraft(ctx, req)
	if err != nil {
		return nil, err
	}
	overdraftTransitions.WithLabelValues(string(o.Status)).Inc()
	return o, nil
}

// RepayOverdraft credits a repayment and returns what is still owed.
func (s *Service) RepayOverdraft(ctx context.Context, overdraftID uuid.UUID, amount int64) (*RepaymentResult, error) {
	o, err := s.overdrafts.Repay(ctx, overdraftID, amount)
	if err != nil {
		return nil, err
	}
	s.events.publish(ctx, overdraftEvent(domain.EventOverdraftRepaid, o, amount))
	if o.Status == domain.OverdraftStatusCompleted {
		overdraftTransitions.WithLabelValues(string(o.Status)).Inc()
		s.events.publish(ctx, overdraftEvent(domain.EventOverdraftCompleted, o, o.RepaidAmount))
	}
	return &RepaymentResult{Overdraft: o, RemainingBalance: o.Outstanding()}, nil
}

// ApproveOverdraft moves a pending overdraft to approved.
func (s *Service) ApproveOverdraft(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error) {
	o, err := s.overdrafts.Approve(ctx, overdraftID)
	if err != nil {
		return nil, err
	}
	overdraftTransitions.WithLabelValues(string(o.Status)).Inc()
	return o, nil
}

// RejectOverdraft moves a pending overdraft to rejected.
func (s *Service) RejectOverdraft(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error) {
	o, err := s.overdrafts.Reject(ctx, overdraftID)
	if err != nil {
		return nil, err
	}
	overdraftTransitions.WithLabelValues(string(o.Status)).Inc()
	return o, nil
}

// ActivateOverdraft disburses an approved overdraft.
func (s *Service) ActivateOverdraft(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error) {
	o, err := s.overdrafts.Activate(ctx, overdraftID)
	if err != nil {
		return nil, err
	}
	overdraftTransitions.WithLabelValues(string(o.Status)).Inc()
	s.events.publish(ctx, overdraftEvent(domain.EventOverdraftActivated, o, o.Amount))
	return o, nil
}

// MarkOverdraftDefaulted defaults an active overdraft past its due date.
func (s *Service) MarkOverdraftDefaulted(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error) {
	o, err := s.overdrafts.MarkDefaulted(ctx, overdraftID)
	if err != nil {
		return nil, err
	}
	overdraftTransitions.WithLabelValues(string(o.Status)).Inc()
	s.events.publish(ctx, overdraftEvent(domain.EventOverdraftDefaulted, o, o.Outstanding()))
	return o, nil
}

// GetOverdraft loads an overdraft.
func (s *Service) GetOverdraft(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error) {
	return s.overdrafts.Get(ctx, overdraftID)
}

// AdvanceRotation issues the current rotation's payout and moves the group on.
func (s *Service) AdvanceRotation(ctx context.Context, groupID uuid.UUID) (*Advance, error) {
	advance, err := s.rotation.AdvanceRotation(ctx, groupID)
	if err != nil {
		if errors.Is(err, domain.ErrDataIntegrity) {
			integrityViolations.Inc()
		}
		return nil, err
	}
	rotationsAdvanced.Inc()
	s.events.publish(ctx, transactionEvent(domain.EventRotationAdvanced, advance.Payout))
	return advance, nil
}

// ReorderRotation applies a new payout order for the group.
func (s *Service) ReorderRotation(ctx context.Context, groupID uuid.UUID, userIDs []uuid.UUID) error {
	return s.rotation.ReorderRotation(ctx, groupID, userIDs)
}

// RemoveMember removes an unpaid member and closes the rotation gap.
func (s *Service) RemoveMember(ctx context.Context, groupID, userID uuid.UUID) error {
	return s.rotation.RemoveMember(ctx, groupID, userID)
}

// GetRotationSchedule returns the group's payout order with dates.
func (s *Service) GetRotationSchedule(ctx context.Context, groupID uuid.UUID) (*RotationScheduleView, error) {
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	entries, err := s.rotation.RotationSchedule(ctx, groupID)
	if err != nil {
		return nil, err
	}
	state, err := s.rotation.CycleState(ctx, group)
	if err != nil {
		return nil, err
	}
	return &RotationScheduleView{
		GroupID:         group.ID,
		CurrentRotation: group.CurrentRotation,
		CycleState:      state,
		Members:         entries,
	}, nil
}

// SettlePayout records the outcome of a payout disbursement.
func (s *Service) SettlePayout(ctx context.Context, transactionID uuid.UUID, status domain.Status) (*domain.Transaction, error) {
	return s.ledger.SettleTransaction(ctx, transactionID, status)
}

// HandleGatewayCallback authenticates and applies a gateway callback.
func (s *Service) HandleGatewayCallback(ctx context.Context, body []byte, signature string) (*ReconciliationResult, error) {
	return s.reconciler.HandleCallback(ctx, body, signature)
}

// SweepPayouts checks every active group. Due groups are advanced when
// automatic advance is on and announced as payout-due otherwise.
func (s *Service) SweepPayouts(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	groups, err := s.repo.ListGroupsByStatus(ctx, domain.GroupStatusActive)
	if err != nil {
		return report, err
	}
	for _, group := range groups {
		report.Checked++
		due, current, err := s.rotation.PayoutDue(ctx, group.ID)
		if err != nil {
			report.Failed++
			s.logger.Error("payout check failed", "group_id", group.ID, "error", err)
			continue
		}
		if !due {
			continue
		}
		report.Due++
		if !s.policy.AutoAdvanceRotation {
			s.events.publish(ctx, groupEvent(domain.EventRotationPayoutDue, current.ID, current.CurrentRotation))
			continue
		}
		if _, err := s.AdvanceRotation(ctx, group.ID); err != nil {
			report.Failed++
			s.logger.Error("payout sweep could not advance rotation", "group_id", group.ID, "rotation", current.CurrentRotation, "error", err)
			continue
		}
		report.Advanced++
	}
	return report, nil
}

// FlagOverdueOverdrafts announces every overdue active overdraft. Defaulting
// stays an explicit admin action.
func (s *Service) FlagOverdueOverdrafts(ctx context.Context) (int, error) {
	overdue, err := s.overdrafts.OverdueOverdrafts(ctx)
	if err != nil {
		return 0, err
	}
	for i := range overdue {
		o := &overdue[i]
		s.logger.Info("overdraft overdue", "overdraft_id", o.ID, "group_id", o.GroupID, "user_id", o.UserID, "due_date", o.DueDate)
		s.events.publish(ctx, overdraftEvent(domain.EventOverdraftOverdue, o, o.Outstanding()))
	}
	return len(overdue), nil
}
