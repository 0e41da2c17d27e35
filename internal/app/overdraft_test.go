package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kijumbe/ledger-service/internal/domain"
	"github.com/kijumbe/ledger-service/internal/store"
)

// activeOverdraft funds a member with lifetime contributions and walks an
// overdraft of amount through approval and activation.
func activeOverdraft(t *testing.T, f *fixture, lifetime, amount int64) (*domain.Group, domain.Member, *domain.Overdraft) {
	t.Helper()
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1, 2)
	for paid := int64(0); paid < lifetime; paid += 50000 {
		f.contribute(t, group.ID, members[0].UserID, 50000)
	}

	o, err := f.svc.RequestOverdraft(ctx, OverdraftRequest{
		GroupID:               group.ID,
		UserID:                members[0].UserID,
		Amount:                amount,
		Purpose:               "pembejeo za kilimo",
		RepaymentPeriodMonths: 3,
	})
	if err != nil {
		t.Fatalf("RequestOverdraft failed: %v", err)
	}
	if _, err := f.svc.ApproveOverdraft(ctx, o.ID); err != nil {
		t.Fatalf("ApproveOverdraft failed: %v", err)
	}
	o, err = f.svc.ActivateOverdraft(ctx, o.ID)
	if err != nil {
		t.Fatalf("ActivateOverdraft failed: %v", err)
	}
	return group, members[0], o
}

func TestRequestOverdraft_Eligibility(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1, 2)
	f.contribute(t, group.ID, members[0].UserID, 50000)
	f.contribute(t, group.ID, members[0].UserID, 50000)

	eligible, err := f.svc.GetOverdraftEligibility(ctx, group.ID, members[0].UserID)
	if err != nil {
		t.Fatalf("GetOverdraftEligibility failed: %v", err)
	}
	if eligible != 80000 {
		t.Fatalf("expected 80000 eligible, got %d", eligible)
	}

	req := OverdraftRequest{GroupID: group.ID, UserID: members[0].UserID, Amount: 90000, Purpose: "ada ya shule", RepaymentPeriodMonths: 2}
	_, err = f.svc.RequestOverdraft(ctx, req)
	if !errors.Is(err, ErrExceedsEligibility) || !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrExceedsEligibility, got %v", err)
	}

	req.Amount = 80000
	o, err := f.svc.RequestOverdraft(ctx, req)
	if err != nil {
		t.Fatalf("RequestOverdraft at the limit failed: %v", err)
	}
	if o.Status != domain.OverdraftStatusPending || o.InterestRate != 5 || o.Version != 1 {
		t.Fatalf("unexpected overdraft %+v", o)
	}

	req.Amount = 1000
	if _, err := f.svc.RequestOverdraft(ctx, req); !errors.Is(err, ErrDuplicateOverdraft) {
		t.Fatalf("expected ErrDuplicateOverdraft while one is pending, got %v", err)
	}

	if _, err := f.svc.RejectOverdraft(ctx, o.ID); err != nil {
		t.Fatalf("RejectOverdraft failed: %v", err)
	}
	if _, err := f.svc.RequestOverdraft(ctx, req); err != nil {
		t.Fatalf("expected a new request after rejection, got %v", err)
	}
}

func TestRequestOverdraft_Validation(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1)
	f.contribute(t, group.ID, members[0].UserID, 50000)

	tests := []struct {
		name    string
		req     OverdraftRequest
		wantErr error
	}{
		{name: "zero amount", req: OverdraftRequest{Amount: 0, Purpose: "x", RepaymentPeriodMonths: 1}, wantErr: ErrInvalidAmount},
		{name: "blank purpose", req: OverdraftRequest{Amount: 1000, Purpose: "  ", RepaymentPeriodMonths: 1}, wantErr: ErrInvalidOverdraftRequest},
		{name: "period too long", req: OverdraftRequest{Amount: 1000, Purpose: "x", RepaymentPeriodMonths: 13}, wantErr: ErrInvalidOverdraftRequest},
		{name: "period zero", req: OverdraftRequest{Amount: 1000, Purpose: "x", RepaymentPeriodMonths: 0}, wantErr: ErrInvalidOverdraftRequest},
		{name: "not a member", req: OverdraftRequest{UserID: uuid.New(), Amount: 1000, Purpose: "x", RepaymentPeriodMonths: 1}, wantErr: ErrInvalidMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.GroupID = group.ID
			if tt.req.UserID == uuid.Nil {
				tt.req.UserID = members[0].UserID
			}
			if _, err := f.svc.RequestOverdraft(ctx, tt.req); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOverdraftLifecycle_RepayToCompletion(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, member, o := activeOverdraft(t, f, 100000, 80000)

	if o.Status != domain.OverdraftStatusActive || o.DueDate == nil || o.ActivatedAt == nil {
		t.Fatalf("unexpected active overdraft %+v", o)
	}
	if want := f.clock().UTC().AddDate(0, 3, 0); !o.DueDate.Equal(want) {
		t.Fatalf("expected due date %s, got %s", want, o.DueDate)
	}
	if o.TotalOwed() != 84000 {
		t.Fatalf("expected 84000 owed, got %d", o.TotalOwed())
	}

	total, err := f.svc.GetGroupTotal(ctx, group.ID)
	if err != nil {
		t.Fatalf("GetGroupTotal failed: %v", err)
	}
	if total != 20000 {
		t.Fatalf("expected the draw to leave 20000 in the pool, got %d", total)
	}

	first, err := f.svc.RepayOverdraft(ctx, o.ID, 50000)
	if err != nil {
		t.Fatalf("first repayment failed: %v", err)
	}
	if first.Overdraft.Status != domain.OverdraftStatusActive || first.RemainingBalance != 34000 {
		t.Fatalf("unexpected first repayment result %+v", first)
	}

	second, err := f.svc.RepayOverdraft(ctx, o.ID, 34000)
	if err != nil {
		t.Fatalf("second repayment failed: %v", err)
	}
	if second.Overdraft.Status != domain.OverdraftStatusCompleted || second.RemainingBalance != 0 {
		t.Fatalf("unexpected second repayment result %+v", second)
	}

	if _, err := f.svc.RepayOverdraft(ctx, o.ID, 1000); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after completion, got %v", err)
	}

	total, err = f.svc.GetGroupTotal(ctx, group.ID)
	if err != nil {
		t.Fatalf("GetGroupTotal failed: %v", err)
	}
	if total != 104000 {
		t.Fatalf("expected interest to grow the pool to 104000, got %d", total)
	}
	balance, err := f.svc.GetBalance(ctx, group.ID, member.UserID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 104000 {
		t.Fatalf("expected member net position 104000, got %d", balance)
	}

	entries, err := f.repo.FindTransactions(ctx, store.TransactionFilter{OverdraftID: &o.ID})
	if err != nil {
		t.Fatalf("FindTransactions failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected one draw and two repayments, got %d entries", len(entries))
	}
	if f.events.count(domain.EventOverdraftRepaid) != 2 || f.events.count(domain.EventOverdraftCompleted) != 1 || f.events.count(domain.EventOverdraftActivated) != 1 {
		t.Fatalf("unexpected overdraft events %+v", f.events.events)
	}
}

func TestRepayOverdraft_RejectsOverRepayment(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	_, _, o := activeOverdraft(t, f, 100000, 80000)

	if _, err := f.svc.RepayOverdraft(ctx, o.ID, 84001); !errors.Is(err, ErrOverRepayment) {
		t.Fatalf("expected ErrOverRepayment, got %v", err)
	}
	if _, err := f.svc.RepayOverdraft(ctx, o.ID, -5); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	stored, err := f.svc.GetOverdraft(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOverdraft failed: %v", err)
	}
	if stored.RepaidAmount != 0 {
		t.Fatalf("rejected repayments must not be credited, got %d", stored.RepaidAmount)
	}
}

func TestOverdraftTransitions(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1)
	f.contribute(t, group.ID, members[0].UserID, 50000)

	o, err := f.svc.RequestOverdraft(ctx, OverdraftRequest{GroupID: group.ID, UserID: members[0].UserID, Amount: 10000, Purpose: "dawa", RepaymentPeriodMonths: 1})
	if err != nil {
		t.Fatalf("RequestOverdraft failed: %v", err)
	}
	if _, err := f.svc.ActivateOverdraft(ctx, o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition activating a pending overdraft, got %v", err)
	}
	if _, err := f.svc.RepayOverdraft(ctx, o.ID, 1000); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive repaying a pending overdraft, got %v", err)
	}
	approved, err := f.svc.ApproveOverdraft(ctx, o.ID)
	if err != nil {
		t.Fatalf("ApproveOverdraft failed: %v", err)
	}
	if approved.ApprovedAt == nil || approved.Version != 2 {
		t.Fatalf("unexpected approved overdraft %+v", approved)
	}
	if _, err := f.svc.ApproveOverdraft(ctx, o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition approving twice, got %v", err)
	}
	if _, err := f.svc.RejectOverdraft(ctx, o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition rejecting an approved overdraft, got %v", err)
	}

	if _, err := f.svc.ActivateOverdraft(ctx, o.ID); err != nil {
		t.Fatalf("ActivateOverdraft failed: %v", err)
	}
	if _, err := f.svc.ActivateOverdraft(ctx, o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected a second activation to be refused, got %v", err)
	}
	draws, err := f.repo.FindTransactions(ctx, store.TransactionFilter{OverdraftID: &o.ID, Types: []domain.TransactionType{domain.TransactionTypeOverdraftDraw}})
	if err != nil {
		t.Fatalf("FindTransactions failed: %v", err)
	}
	if len(draws) != 1 {
		t.Fatalf("expected exactly one draw, got %d", len(draws))
	}
}

func TestMarkOverdraftDefaulted(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	_, _, o := activeOverdraft(t, f, 100000, 50000)

	if _, err := f.svc.MarkOverdraftDefaulted(ctx, o.ID); !errors.Is(err, ErrNotOverdue) {
		t.Fatalf("expected ErrNotOverdue before the due date, got %v", err)
	}

	f.advanceClock(100 * 24 * time.Hour)
	defaulted, err := f.svc.MarkOverdraftDefaulted(ctx, o.ID)
	if err != nil {
		t.Fatalf("MarkOverdraftDefaulted failed: %v", err)
	}
	if defaulted.Status != domain.OverdraftStatusDefaulted {
		t.Fatalf("expected defaulted status, got %s", defaulted.Status)
	}
	if f.events.count(domain.EventOverdraftDefaulted) != 1 {
		t.Fatal("expected a defaulted event")
	}
	if _, err := f.svc.RepayOverdraft(ctx, o.ID, 1000); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after default, got %v", err)
	}
	if _, err := f.svc.MarkOverdraftDefaulted(ctx, o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition defaulting twice, got %v", err)
	}
}

func TestOverdraftEngine_StaleVersionIsRetried(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	_, _, o := activeOverdraft(t, f, 100000, 40000)

	// Bump the stored version behind the engine's back.
	stale, err := f.repo.GetOverdraft(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOverdraft failed: %v", err)
	}
	if err := f.repo.UpdateOverdraft(ctx, stale); err != nil {
		t.Fatalf("UpdateOverdraft failed: %v", err)
	}

	result, err := f.svc.RepayOverdraft(ctx, o.ID, 10000)
	if err != nil {
		t.Fatalf("RepayOverdraft failed: %v", err)
	}
	if result.Overdraft.RepaidAmount != 10000 || result.Overdraft.Version != stale.Version+1 {
		t.Fatalf("unexpected overdraft after retry %+v", result.Overdraft)
	}

	o.RepaidAmount = 99999
	if err := f.repo.UpdateOverdraft(ctx, o); !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("expected a stale write to fail, got %v", err)
	}
}

// drawGateRepository holds the first overdraft draw insert until release is
// closed, so a second activation can run while the first is mid-flight.
type drawGateRepository struct {
	store.Repository

	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (r *drawGateRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.Type == domain.TransactionTypeOverdraftDraw {
		first := false
		r.once.Do(func() { first = true })
		if first {
			close(r.started)
			<-r.release
		}
	}
	return r.Repository.CreateTransaction(ctx, tx)
}

func TestOverdraftEngine_ConcurrentActivationDrawsOnce(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1, 2)
	member := members[0]
	f.contribute(t, group.ID, member.UserID, 50000)
	f.contribute(t, group.ID, member.UserID, 50000)

	o, err := f.svc.RequestOverdraft(ctx, OverdraftRequest{
		GroupID:               group.ID,
		UserID:                member.UserID,
		Amount:                80000,
		Purpose:               "ada ya shule",
		RepaymentPeriodMonths: 3,
	})
	if err != nil {
		t.Fatalf("RequestOverdraft failed: %v", err)
	}
	if _, err := f.svc.ApproveOverdraft(ctx, o.ID); err != nil {
		t.Fatalf("ApproveOverdraft failed: %v", err)
	}

	gate := &drawGateRepository{Repository: f.repo, started: make(chan struct{}), release: make(chan struct{})}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewOverdraftEngine(gate, NewLedger(gate, logger, 1), testPolicy().Overdraft, logger)

	firstErr := make(chan error, 1)
	go func() {
		_, err := engine.Activate(ctx, o.ID)
		firstErr <- err
	}()
	<-gate.started

	_, secondErr := engine.Activate(ctx, o.ID)
	close(gate.release)
	errs := []error{<-firstErr, secondErr}

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("unexpected activation error %v", err)
		}
	}
	if succeeded == 0 {
		t.Fatalf("expected at least one activation to succeed, got %v", errs)
	}

	draws, err := f.repo.FindTransactions(ctx, store.TransactionFilter{
		GroupID:     &group.ID,
		OverdraftID: &o.ID,
		Types:       []domain.TransactionType{domain.TransactionTypeOverdraftDraw},
	})
	if err != nil {
		t.Fatalf("FindTransactions failed: %v", err)
	}
	if len(draws) != 1 {
		t.Fatalf("expected exactly one draw, got %d", len(draws))
	}
	balance, err := f.svc.GetBalance(ctx, group.ID, member.UserID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 20000 {
		t.Fatalf("expected balance 20000 after one 80000 draw, got %d", balance)
	}
}
