package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kijumbe/ledger-service/internal/domain"
	"github.com/kijumbe/ledger-service/internal/store"
)

// CycleState describes where a group is within its current rotation.
type CycleState string

const (
	CycleOpen        CycleState = "cycle-open"
	CyclePayoutDue   CycleState = "payout-due"
	CycleClosed      CycleState = "cycle-closed"
	CycleGroupClosed CycleState = "closed"
)

// Advance is the outcome of a successful rotation advance.
type Advance struct {
	Payout       *domain.Transaction `json:"payout"`
	Recipient    uuid.UUID           `json:"recipient"`
	Rotation     int                 `json:"rotation"`
	NextRotation int                 `json:"next_rotation"`
	GroupClosed  bool                `json:"group_closed"`
}

// ScheduleEntry is one member's place in the payout rotation.
type ScheduleEntry struct {
	UserID        uuid.UUID           `json:"user_id"`
	MemberNumber  int                 `json:"member_number"`
	RotationOrder int                 `json:"rotation_order"`
	PayoutDate    time.Time           `json:"payout_date"`
	Estimated     bool                `json:"estimated"`
	PayoutStatus  *domain.Status      `json:"payout_status,omitempty"`
	PayoutID      *uuid.UUID          `json:"payout_id,omitempty"`
	IsLeader      bool                `json:"is_leader"`
	Status        domain.MemberStatus `json:"status"`
}

// RotationEngine decides who receives each pooled payout and when.
type RotationEngine struct {
	repo   store.Repository
	ledger *Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewRotationEngine creates a rotation engine over repo.
func NewRotationEngine(repo store.Repository, ledger *Ledger, logger *slog.Logger) *RotationEngine {
	return &RotationEngine{
		repo:   repo,
		ledger: ledger,
		logger: logger.With("component", "rotation"),
		now:    time.Now,
	}
}

func (r *RotationEngine) activeMembers(ctx context.Context, groupID uuid.UUID) ([]domain.Member, error) {
	return r.repo.ListMembers(ctx, groupID, domain.MemberStatusActive)
}

// availablePool is the completed pool minus payouts issued but not yet settled.
func (r *RotationEngine) availablePool(ctx context.Context, groupID uuid.UUID) (int64, error) {
	total, err := r.ledger.GroupTotal(ctx, groupID)
	if err != nil {
		return 0, err
	}
	pending, err := r.repo.SumTransactions(ctx, store.TransactionFilter{
		GroupID:  &groupID,
		Types:    []domain.TransactionType{domain.TransactionTypePayout},
		Statuses: []domain.Status{domain.StatusPending},
	})
	if err != nil {
		return 0, err
	}
	return total - pending[domain.TransactionTypePayout], nil
}

// windowContributors counts the distinct active members with a completed
// contribution inside the group's current cycle window.
func (r *RotationEngine) windowContributors(ctx context.Context, group *domain.Group, members []domain.Member) (int, error) {
	start, end := group.CycleWindow()
	contributions, err := r.repo.FindTransactions(ctx, store.TransactionFilter{
		GroupID:       &group.ID,
		Types:         []domain.TransactionType{domain.TransactionTypeContribution},
		Statuses:      []domain.Status{domain.StatusCompleted},
		CreatedFrom:   start,
		CreatedBefore: end,
	})
	if err != nil {
		return 0, err
	}
	active := make(map[uuid.UUID]bool, len(members))
	for _, m := range members {
		active[m.UserID] = true
	}
	seen := make(map[uuid.UUID]bool)
	for _, tx := range contributions {
		if active[tx.UserID] {
			seen[tx.UserID] = true
		}
	}
	return len(seen), nil
}

// IsPayoutDue reports whether the pool covers a full round of contributions
// and every one of memberCount members has contributed in the current window.
func (r *RotationEngine) IsPayoutDue(ctx context.Context, group *domain.Group, memberCount int) (bool, error) {
	if group.Status != domain.GroupStatusActive || memberCount <= 0 {
		return false, nil
	}
	pool, err := r.availablePool(ctx, group.ID)
	if err != nil {
		return false, err
	}
	if pool < group.ContributionAmount*int64(memberCount) {
		return false, nil
	}
	members, err := r.activeMembers(ctx, group.ID)
	if err != nil {
		return false, err
	}
	contributors, err := r.windowContributors(ctx, group, members)
	if err != nil {
		return false, err
	}
	return contributors >= memberCount, nil
}

// PayoutDue loads the group and evaluates IsPayoutDue against its active members.
func (r *RotationEngine) PayoutDue(ctx context.Context, groupID uuid.UUID) (bool, *domain.Group, error) {
	group, err := r.repo.GetGroup(ctx, groupID)
	if err != nil {
		return false, nil, err
	}
	members, err := r.activeMembers(ctx, groupID)
	if err != nil {
		return false, nil, err
	}
	due, err := r.IsPayoutDue(ctx, group, len(members))
	return due, group, err
}

// RecipientFor returns the active member holding the current rotation order.
// When several members hold it, the lowest member number is returned together
// with ErrRotationOrderCollision.
func (r *RotationEngine) RecipientFor(ctx context.Context, group *domain.Group) (*domain.Member, error) {
	members, err := r.activeMembers(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	var holders []domain.Member
	for _, m := range members {
		if m.RotationOrder == group.CurrentRotation {
			holders = append(holders, m)
		}
	}
	if len(holders) == 0 {
		return nil, fmt.Errorf("%w: group %s rotation %d", ErrNoEligibleRecipient, group.ID, group.CurrentRotation)
	}
	canonical := holders[0]
	if len(holders) > 1 {
		numbers := make([]int, len(holders))
		for i, h := range holders {
			numbers[i] = h.MemberNumber
		}
		r.logger.Error("rotation order collision", "group_id", group.ID, "rotation", group.CurrentRotation, "member_numbers", numbers)
		return &canonical, fmt.Errorf("%w: rotation %d held by members %v", ErrRotationOrderCollision, group.CurrentRotation, numbers)
	}
	return &canonical, nil
}

func (r *RotationEngine) payoutFor(ctx context.Context, groupID uuid.UUID, rotation int) (*domain.Transaction, error) {
	payouts, err := r.repo.FindTransactions(ctx, store.TransactionFilter{
		GroupID:  &groupID,
		Types:    []domain.TransactionType{domain.TransactionTypePayout},
		Rotation: rotation,
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(payouts) == 0 {
		return nil, nil
	}
	return &payouts[0], nil
}

// CycleState classifies the group's current rotation.
func (r *RotationEngine) CycleState(ctx context.Context, group *domain.Group) (CycleState, error) {
	if group.Status == domain.GroupStatusClosed {
		return CycleGroupClosed, nil
	}
	payout, err := r.payoutFor(ctx, group.ID, group.CurrentRotation)
	if err != nil {
		return "", err
	}
	if payout != nil {
		return CycleClosed, nil
	}
	members, err := r.activeMembers(ctx, group.ID)
	if err != nil {
		return "", err
	}
	due, err := r.IsPayoutDue(ctx, group, len(members))
	if err != nil {
		return "", err
	}
	if due {
		return CyclePayoutDue, nil
	}
	return CycleOpen, nil
}

// AdvanceRotation issues the payout for the current rotation and moves the
// group to the next one. A payout already issued for the rotation is reused,
// so a retried advance never pays twice.
func (r *RotationEngine) AdvanceRotation(ctx context.Context, groupID uuid.UUID) (*Advance, error) {
	group, err := r.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group.Status != domain.GroupStatusActive {
		return nil, ErrGroupClosed
	}
	members, err := r.activeMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}

	payout, err := r.payoutFor(ctx, groupID, group.CurrentRotation)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		payout, err = r.issuePayout(ctx, group, len(members))
		if err != nil {
			return nil, err
		}
	}

	now := r.now().UTC()
	next := group.CurrentRotation + 1
	status := domain.GroupStatusActive
	if next > len(members) {
		status = domain.GroupStatusClosed
	}
	if err := r.repo.AdvanceGroupRotation(ctx, groupID, group.CurrentRotation, store.RotationAdvance{
		Rotation:       next,
		Status:         status,
		CycleStartedAt: now,
	}); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, fmt.Errorf("advance rotation %d: %w", group.CurrentRotation, err)
		}
		return nil, err
	}

	r.logger.Info("rotation advanced", "group_id", groupID, "rotation", group.CurrentRotation, "next_rotation", next, "recipient", payout.UserID, "payout", payout.Amount, "group_status", status)
	return &Advance{
		Payout:       payout,
		Recipient:    payout.UserID,
		Rotation:     group.CurrentRotation,
		NextRotation: next,
		GroupClosed:  status == domain.GroupStatusClosed,
	}, nil
}

func (r *RotationEngine) issuePayout(ctx context.Context, group *domain.Group, memberCount int) (*domain.Transaction, error) {
	due, err := r.IsPayoutDue(ctx, group, memberCount)
	if err != nil {
		return nil, err
	}
	if !due {
		return nil, ErrPayoutNotDue
	}
	recipient, err := r.RecipientFor(ctx, group)
	if err != nil {
		return nil, err
	}
	pool, err := r.availablePool(ctx, group.ID)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	payout := &domain.Transaction{
		ID:          uuid.New(),
		GroupID:     group.ID,
		UserID:      recipient.UserID,
		Type:        domain.TransactionTypePayout,
		Amount:      pool,
		Status:      domain.StatusPending,
		Rotation:    group.CurrentRotation,
		Description: fmt.Sprintf("payout for rotation %d", group.CurrentRotation),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.repo.CreateTransaction(ctx, payout); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			return nil, err
		}
		existing, findErr := r.payoutFor(ctx, group.ID, group.CurrentRotation)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, err
		}
		return existing, nil
	}
	return payout, nil
}

func rotationSortKey(m domain.Member) int {
	if m.RotationOrder <= 0 {
		return int(^uint(0) >> 1)
	}
	return m.RotationOrder
}

// ReassignRotationOrder renumbers active members 1..N, keeping their
// relative order and breaking ties by member number.
func (r *RotationEngine) ReassignRotationOrder(ctx context.Context, groupID uuid.UUID) error {
	members, err := r.activeMembers(ctx, groupID)
	if err != nil {
		return err
	}
	sort.SliceStable(members, func(i, j int) bool {
		ki, kj := rotationSortKey(members[i]), rotationSortKey(members[j])
		if ki != kj {
			return ki < kj
		}
		return members[i].MemberNumber < members[j].MemberNumber
	})
	orders := make(map[uuid.UUID]int)
	for i, m := range members {
		if m.RotationOrder != i+1 {
			orders[m.ID] = i + 1
		}
	}
	if len(orders) == 0 {
		return nil
	}
	if err := r.repo.UpdateMemberRotationOrders(ctx, groupID, orders); err != nil {
		return err
	}
	r.logger.Info("rotation order reassigned", "group_id", groupID, "changed", len(orders))
	return nil
}

// ReorderRotation applies a new payout order. userIDs must list every active
// member exactly once; members already paid keep their positions.
func (r *RotationEngine) ReorderRotation(ctx context.Context, groupID uuid.UUID, userIDs []uuid.UUID) error {
	group, err := r.repo.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.Status != domain.GroupStatusActive {
		return ErrGroupClosed
	}
	members, err := r.activeMembers(ctx, groupID)
	if err != nil {
		return err
	}
	if len(userIDs) != len(members) {
		return fmt.Errorf("%w: expected %d members, got %d", ErrInvalidRotationOrder, len(members), len(userIDs))
	}
	byUser := make(map[uuid.UUID]domain.Member, len(members))
	for _, m := range members {
		byUser[m.UserID] = m
	}

	orders := make(map[uuid.UUID]int)
	seen := make(map[uuid.UUID]bool, len(userIDs))
	for i, userID := range userIDs {
		m, ok := byUser[userID]
		if !ok || seen[userID] {
			return fmt.Errorf("%w: user %s", ErrInvalidRotationOrder, userID)
		}
		seen[userID] = true
		position := i + 1
		paid := position < group.CurrentRotation || (m.RotationOrder > 0 && m.RotationOrder < group.CurrentRotation)
		if paid && m.RotationOrder != position {
			return fmt.Errorf("%w: position %d", ErrRotationLocked, position)
		}
		if m.RotationOrder != position {
			orders[m.ID] = position
		}
	}
	if len(orders) == 0 {
		return nil
	}
	if err := r.repo.UpdateMemberRotationOrders(ctx, groupID, orders); err != nil {
		return err
	}
	r.logger.Info("rotation reordered", "group_id", groupID, "changed", len(orders))
	return nil
}

// RemoveMember removes a member who has not been paid out yet and closes the
// gap they leave in the rotation.
func (r *RotationEngine) RemoveMember(ctx context.Context, groupID, userID uuid.UUID) error {
	group, err := r.repo.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	member, err := r.repo.FindMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if member.IsLeader() {
		return ErrCannotRemoveLeader
	}
	if member.Status == domain.MemberStatusRemoved {
		return fmt.Errorf("%w: member already removed", ErrInvalidMember)
	}
	if member.Status == domain.MemberStatusActive && member.RotationOrder > 0 && member.RotationOrder < group.CurrentRotation {
		return ErrMemberAlreadyPaid
	}
	payouts, err := r.repo.FindTransactions(ctx, store.TransactionFilter{
		GroupID:  &groupID,
		UserID:   &userID,
		Types:    []domain.TransactionType{domain.TransactionTypePayout},
		Statuses: []domain.Status{domain.StatusPending, domain.StatusCompleted},
		Limit:    1,
	})
	if err != nil {
		return err
	}
	if len(payouts) > 0 {
		return ErrMemberAlreadyPaid
	}

	if err := r.repo.UpdateMemberStatus(ctx, member.ID, domain.MemberStatusRemoved); err != nil {
		return err
	}
	r.logger.Info("member removed", "group_id", groupID, "user_id", userID, "member_number", member.MemberNumber)
	if err := r.ReassignRotationOrder(ctx, groupID); err != nil {
		return err
	}
	return r.closeIfExhausted(ctx, group)
}

// closeIfExhausted closes a group whose remaining members have all been paid,
// which happens when the last unpaid member leaves.
func (r *RotationEngine) closeIfExhausted(ctx context.Context, group *domain.Group) error {
	if group.Status != domain.GroupStatusActive {
		return nil
	}
	members, err := r.activeMembers(ctx, group.ID)
	if err != nil {
		return err
	}
	if len(members) >= group.CurrentRotation {
		return nil
	}
	err = r.repo.AdvanceGroupRotation(ctx, group.ID, group.CurrentRotation, store.RotationAdvance{
		Rotation:       group.CurrentRotation + 1,
		Status:         domain.GroupStatusClosed,
		CycleStartedAt: r.now().UTC(),
	})
	if errors.Is(err, store.ErrConditionFailed) {
		// A concurrent advance already moved the group on.
		return nil
	}
	if err != nil {
		return err
	}
	r.logger.Info("group closed after member removal", "group_id", group.ID, "rotation", group.CurrentRotation)
	return nil
}

// RotationSchedule lists active members in payout order. Paid members carry
// the date their payout was issued; the rest carry an estimate.
func (r *RotationEngine) RotationSchedule(ctx context.Context, groupID uuid.UUID) ([]ScheduleEntry, error) {
	group, err := r.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	members, err := r.activeMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	payouts, err := r.repo.FindTransactions(ctx, store.TransactionFilter{
		GroupID: &groupID,
		Types:   []domain.TransactionType{domain.TransactionTypePayout},
	})
	if err != nil {
		return nil, err
	}
	paid := make(map[uuid.UUID]domain.Transaction, len(payouts))
	for _, p := range payouts {
		if p.Status == domain.StatusFailed || p.Status == domain.StatusCancelled {
			continue
		}
		paid[p.UserID] = p
	}

	sort.SliceStable(members, func(i, j int) bool {
		ki, kj := rotationSortKey(members[i]), rotationSortKey(members[j])
		if ki != kj {
			return ki < kj
		}
		return members[i].MemberNumber < members[j].MemberNumber
	})

	schedule := make([]ScheduleEntry, 0, len(members))
	for _, m := range members {
		entry := ScheduleEntry{
			UserID:        m.UserID,
			MemberNumber:  m.MemberNumber,
			RotationOrder: m.RotationOrder,
			IsLeader:      m.IsLeader(),
			Status:        m.Status,
		}
		if p, ok := paid[m.UserID]; ok {
			status, id := p.Status, p.ID
			entry.PayoutDate = p.CreatedAt
			entry.PayoutStatus = &status
			entry.PayoutID = &id
		} else {
			periods := m.RotationOrder - group.CurrentRotation + 1
			if periods < 1 {
				periods = 1
			}
			entry.PayoutDate = group.CycleStartedAt.AddDate(0, group.RotationDurationMonths*periods, 0)
			entry.Estimated = true
		}
		schedule = append(schedule, entry)
	}
	return schedule, nil
}
