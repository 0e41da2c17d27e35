package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kijumbe/ledger-service/internal/domain"
	"github.com/kijumbe/ledger-service/internal/store"
	"github.com/kijumbe/ledger-service/pkg/gateway"
)

const testWebhookSecret = "test-webhook-secret"

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// gatewayStub charges nothing and verifies signatures with the real client.
type gatewayStub struct {
	*gateway.Client

	mu      sync.Mutex
	charges []gateway.ChargeRequest
	err     error
	resp    *gateway.ChargeResponse
}

func newGatewayStub() *gatewayStub {
	return &gatewayStub{Client: gateway.NewClient("http://gateway.invalid", "key", testWebhookSecret, "TZS")}
}

func (g *gatewayStub) InitiateCharge(ctx context.Context, charge gateway.ChargeRequest) (*gateway.ChargeResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, charge)
	if g.err != nil {
		return nil, g.err
	}
	if g.resp != nil {
		return g.resp, nil
	}
	resp := &gateway.ChargeResponse{}
	resp.Data.TransactionID = "gw-" + charge.Reference
	resp.Data.Status = "pending"
	return resp, nil
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return p.err
}

func (p *publisherStub) Close() {}

func (p *publisherStub) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.routingKey == routingKey {
			n++
		}
	}
	return n
}

type limiterStub struct {
	count int
	err   error
	calls int
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.calls++
	return l.count, 42, l.err
}

type fixture struct {
	svc    *Service
	repo   *store.SQLiteRepository
	gw     *gatewayStub
	events *publisherStub

	mu  sync.Mutex
	now time.Time
}

func testPolicy() Policy {
	return Policy{
		MinContribution: 1000,
		Overdraft: OverdraftPolicy{
			InterestRatePercent: 5,
			EligibilityPercent:  80,
			MaxRepaymentMonths:  12,
		},
		GatewayTimeout: time.Second,
		CallbackURL:    "https://ledger.example/callbacks/gateway",
	}
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	repo, err := store.NewSQLiteRepository(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	f := &fixture{repo: repo, gw: newGatewayStub(), events: &publisherStub{}, now: testEpoch.Add(time.Hour)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(repo, f.gw, f.events, logger, policy)
	f.svc.SetClock(f.clock)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advanceClock(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// seedGroup creates an active group with one member per entry in orders;
// member numbers follow the slice position starting at 1.
func (f *fixture) seedGroup(t *testing.T, contribution int64, orders ...int) (*domain.Group, []domain.Member) {
	t.Helper()
	ctx := context.Background()
	group := &domain.Group{
		Name:                   "Kikundi cha Upendo",
		ContributionAmount:     contribution,
		MaxMembers:             len(orders),
		RotationDurationMonths: 1,
		CurrentRotation:        1,
		CycleStartedAt:         testEpoch,
		Status:                 domain.GroupStatusActive,
	}
	if err := f.repo.CreateGroup(ctx, group); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	members := make([]domain.Member, 0, len(orders))
	for i, order := range orders {
		m := domain.Member{
			GroupID:       group.ID,
			UserID:        uuid.New(),
			PhoneNumber:   "255712345678",
			MemberNumber:  i + 1,
			RotationOrder: order,
			Status:        domain.MemberStatusActive,
			JoinedAt:      testEpoch,
		}
		if err := f.repo.CreateMember(ctx, &m); err != nil {
			t.Fatalf("CreateMember failed: %v", err)
		}
		members = append(members, m)
	}
	return group, members
}

// contribute records a pending contribution and settles it successfully.
func (f *fixture) contribute(t *testing.T, groupID, userID uuid.UUID, amount int64) *domain.Transaction {
	t.Helper()
	ctx := context.Background()
	_, payment, err := f.svc.ledger.RecordPendingContribution(ctx, groupID, userID, amount, "0712345678")
	if err != nil {
		t.Fatalf("RecordPendingContribution failed: %v", err)
	}
	completion, err := f.svc.ledger.CompleteContribution(ctx, payment.PaymentReference, domain.GatewayStatusSuccess, "gw-tx")
	if err != nil {
		t.Fatalf("CompleteContribution failed: %v", err)
	}
	if !completion.Applied || completion.Transaction.Status != domain.StatusCompleted {
		t.Fatalf("expected applied completed contribution, got %+v", completion)
	}
	return completion.Transaction
}

func (f *fixture) signedCallback(t *testing.T, reference, status string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(GatewayCallback{
		Reference:            reference,
		Status:               status,
		GatewayTransactionID: "gw-" + reference,
		Payload:              json.RawMessage(`{"channel":"mpesa"}`),
	})
	if err != nil {
		t.Fatalf("marshal callback: %v", err)
	}
	return body, f.gw.Sign(body)
}

func (f *fixture) activeOrders(t *testing.T, groupID uuid.UUID) map[int]int {
	t.Helper()
	members, err := f.repo.ListMembers(context.Background(), groupID, domain.MemberStatusActive)
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	orders := make(map[int]int, len(members))
	for _, m := range members {
		orders[m.RotationOrder]++
	}
	return orders
}

func assertPermutation(t *testing.T, orders map[int]int, n int) {
	t.Helper()
	if len(orders) != n {
		t.Fatalf("expected %d distinct rotation orders, got %v", n, orders)
	}
	for i := 1; i <= n; i++ {
		if orders[i] != 1 {
			t.Fatalf("expected rotation order %d exactly once, got %v", i, orders)
		}
	}
}

func TestRequestContribution_InitiatesCharge(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1, 2)

	receipt, err := f.svc.RequestContribution(ctx, group.ID, members[1].UserID, 50000, "+255 712 345 678")
	if err != nil {
		t.Fatalf("RequestContribution returned error: %v", err)
	}
	if !receipt.ChargeInitiated {
		t.Fatal("expected charge to be initiated")
	}
	if receipt.Status != domain.StatusPending {
		t.Fatalf("expected pending receipt, got %s", receipt.Status)
	}

	if len(f.gw.charges) != 1 {
		t.Fatalf("expected one charge, got %d", len(f.gw.charges))
	}
	charge := f.gw.charges[0]
	if charge.PhoneNumber != "255712345678" || charge.Amount != 50000 || charge.Reference != receipt.PaymentReference {
		t.Fatalf("unexpected charge request %+v", charge)
	}
	if charge.CallbackURL != "https://ledger.example/callbacks/gateway" {
		t.Fatalf("unexpected callback url %q", charge.CallbackURL)
	}

	payment, err := f.repo.FindPaymentByReference(ctx, receipt.PaymentReference)
	if err != nil {
		t.Fatalf("FindPaymentByReference failed: %v", err)
	}
	if payment.GatewayTransactionID == nil || *payment.GatewayTransactionID != "gw-"+receipt.PaymentReference {
		t.Fatalf("expected gateway transaction id to be stored, got %v", payment.GatewayTransactionID)
	}
	tx, err := f.repo.GetTransaction(ctx, receipt.TransactionID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if tx.Status != domain.StatusPending || tx.PaymentReference == nil || *tx.PaymentReference != receipt.PaymentReference {
		t.Fatalf("unexpected pending transaction %+v", tx)
	}

	balance, err := f.svc.GetBalance(ctx, group.ID, members[1].UserID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 0 {
		t.Fatalf("pending contribution must not move the balance, got %d", balance)
	}
}

func TestRequestContribution_Validation(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1, 2)

	tests := []struct {
		name    string
		userID  uuid.UUID
		amount  int64
		phone   string
		wantErr error
	}{
		{name: "below group contribution", userID: members[0].UserID, amount: 40000, phone: "0712345678", wantErr: ErrInvalidAmount},
		{name: "non-positive amount", userID: members[0].UserID, amount: 0, phone: "0712345678", wantErr: ErrInvalidAmount},
		{name: "not a member", userID: uuid.New(), amount: 50000, phone: "0712345678", wantErr: ErrInvalidMember},
		{name: "bad phone", userID: members[0].UserID, amount: 50000, phone: "07-abc", wantErr: ErrInvalidPhoneNumber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RequestContribution(ctx, group.ID, tt.userID, tt.amount, tt.phone)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if len(f.gw.charges) != 0 {
		t.Fatalf("expected no charges for rejected requests, got %d", len(f.gw.charges))
	}
}

func TestRequestContribution_InvalidPhoneFromGatewayCancelsPayment(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1)
	f.gw.err = gateway.ErrInvalidPhoneNumber

	receipt, err := f.svc.RequestContribution(ctx, group.ID, members[0].UserID, 50000, "0712345678")
	if !errors.Is(err, ErrInvalidPhoneNumber) {
		t.Fatalf("expected ErrInvalidPhoneNumber, got %v", err)
	}
	if receipt != nil {
		t.Fatalf("expected no receipt, got %+v", receipt)
	}

	userID := members[0].UserID
	txs, err := f.repo.FindTransactions(ctx, store.TransactionFilter{GroupID: &group.ID, UserID: &userID})
	if err != nil {
		t.Fatalf("FindTransactions failed: %v", err)
	}
	if len(txs) != 1 || txs[0].Status != domain.StatusCancelled {
		t.Fatalf("expected one cancelled transaction, got %+v", txs)
	}
	payment, err := f.repo.FindPaymentByReference(ctx, *txs[0].PaymentReference)
	if err != nil {
		t.Fatalf("FindPaymentByReference failed: %v", err)
	}
	if payment.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled payment, got %s", payment.Status)
	}
}

func TestRequestContribution_GatewayUnavailableLeavesPaymentPending(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1)
	f.gw.err = gateway.ErrUnavailable

	receipt, err := f.svc.RequestContribution(ctx, group.ID, members[0].UserID, 50000, "0712345678")
	if !errors.Is(err, ErrGatewayUnavailable) || !errors.Is(err, domain.ErrExternalDependency) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if receipt == nil || receipt.ChargeInitiated {
		t.Fatalf("expected receipt without initiated charge, got %+v", receipt)
	}
	payment, err := f.repo.FindPaymentByReference(ctx, receipt.PaymentReference)
	if err != nil {
		t.Fatalf("FindPaymentByReference failed: %v", err)
	}
	if payment.Status != domain.StatusPending {
		t.Fatalf("expected payment to stay pending, got %s", payment.Status)
	}

	// A late callback still settles the pending payment.
	body, signature := f.signedCallback(t, receipt.PaymentReference, "success")
	result, err := f.svc.HandleGatewayCallback(ctx, body, signature)
	if err != nil {
		t.Fatalf("HandleGatewayCallback failed: %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %s", result.Outcome)
	}
}

func TestRequestContribution_RateLimited(t *testing.T) {
	policy := testPolicy()
	policy.ContributionRateLimitPerMinute = 3
	f := newFixture(t, policy)
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1)

	limiter := &limiterStub{count: 4}
	f.svc.SetRateLimiter(limiter)
	_, err := f.svc.RequestContribution(ctx, group.ID, members[0].UserID, 50000, "0712345678")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if len(f.gw.charges) != 0 {
		t.Fatal("rate limited request must not reach the gateway")
	}

	// A limiter outage fails open.
	limiter.count, limiter.err = 0, errors.New("redis down")
	if _, err := f.svc.RequestContribution(ctx, group.ID, members[0].UserID, 50000, "0712345678"); err != nil {
		t.Fatalf("expected request to pass when limiter is down, got %v", err)
	}
	if limiter.calls != 2 {
		t.Fatalf("expected limiter to be consulted twice, got %d", limiter.calls)
	}
}

func TestRequestContribution_ClosedGroup(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1)

	f.contribute(t, group.ID, members[0].UserID, 50000)
	if _, err := f.svc.AdvanceRotation(ctx, group.ID); err != nil {
		t.Fatalf("AdvanceRotation failed: %v", err)
	}

	_, err := f.svc.RequestContribution(ctx, group.ID, members[0].UserID, 50000, "0712345678")
	if !errors.Is(err, ErrGroupClosed) {
		t.Fatalf("expected ErrGroupClosed, got %v", err)
	}
}

func TestSettlePayout(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1, 2)
	contribution := f.contribute(t, group.ID, members[0].UserID, 50000)
	f.contribute(t, group.ID, members[1].UserID, 50000)

	advance, err := f.svc.AdvanceRotation(ctx, group.ID)
	if err != nil {
		t.Fatalf("AdvanceRotation failed: %v", err)
	}

	if _, err := f.svc.SettlePayout(ctx, contribution.ID, domain.StatusCompleted); !errors.Is(err, ErrSettlementNotAllowed) {
		t.Fatalf("expected ErrSettlementNotAllowed for a gateway-backed entry, got %v", err)
	}

	settled, err := f.svc.SettlePayout(ctx, advance.Payout.ID, domain.StatusCompleted)
	if err != nil {
		t.Fatalf("SettlePayout failed: %v", err)
	}
	if settled.Status != domain.StatusCompleted {
		t.Fatalf("expected completed payout, got %s", settled.Status)
	}
	if _, err := f.svc.SettlePayout(ctx, advance.Payout.ID, domain.StatusFailed); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected settling twice to be a state conflict, got %v", err)
	}

	total, err := f.svc.GetGroupTotal(ctx, group.ID)
	if err != nil {
		t.Fatalf("GetGroupTotal failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected the pool to be empty after the payout, got %d", total)
	}
	recipient, err := f.svc.GetBalance(ctx, group.ID, members[0].UserID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if recipient != 50000-100000 {
		t.Fatalf("expected recipient net position -50000, got %d", recipient)
	}
}

func TestGetHistory_NewestFirst(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 1000, 1)

	first := f.contribute(t, group.ID, members[0].UserID, 1000)
	f.advanceClock(time.Minute)
	second := f.contribute(t, group.ID, members[0].UserID, 2000)

	history, err := f.svc.GetHistory(ctx, group.ID, members[0].UserID, 10)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 2 || history[0].ID != second.ID || history[1].ID != first.ID {
		t.Fatalf("unexpected history order %+v", history)
	}
	if _, err := f.svc.GetHistory(ctx, group.ID, uuid.New(), 10); !errors.Is(err, store.ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
}

func TestSweepPayouts(t *testing.T) {
	t.Run("announces due payouts", func(t *testing.T) {
		f := newFixture(t, testPolicy())
		ctx := context.Background()
		group, members := f.seedGroup(t, 50000, 1, 2)
		f.seedGroup(t, 50000, 1)
		f.contribute(t, group.ID, members[0].UserID, 50000)
		f.contribute(t, group.ID, members[1].UserID, 50000)

		report, err := f.svc.SweepPayouts(ctx)
		if err != nil {
			t.Fatalf("SweepPayouts failed: %v", err)
		}
		if report.Checked != 2 || report.Due != 1 || report.Advanced != 0 {
			t.Fatalf("unexpected report %+v", report)
		}
		if f.events.count(domain.EventRotationPayoutDue) < 1 {
			t.Fatal("expected a payout-due event")
		}
	})

	t.Run("advances when automatic advance is on", func(t *testing.T) {
		policy := testPolicy()
		f := newFixture(t, policy)
		ctx := context.Background()
		group, members := f.seedGroup(t, 50000, 1, 2)
		f.contribute(t, group.ID, members[0].UserID, 50000)
		f.contribute(t, group.ID, members[1].UserID, 50000)
		f.svc.policy.AutoAdvanceRotation = true

		report, err := f.svc.SweepPayouts(ctx)
		if err != nil {
			t.Fatalf("SweepPayouts failed: %v", err)
		}
		if report.Advanced != 1 {
			t.Fatalf("expected one advance, got %+v", report)
		}
		stored, err := f.repo.GetGroup(ctx, group.ID)
		if err != nil {
			t.Fatalf("GetGroup failed: %v", err)
		}
		if stored.CurrentRotation != 2 {
			t.Fatalf("expected rotation 2, got %d", stored.CurrentRotation)
		}
	})
}

func TestFlagOverdueOverdrafts(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1)
	f.contribute(t, group.ID, members[0].UserID, 50000)

	o, err := f.svc.RequestOverdraft(ctx, OverdraftRequest{GroupID: group.ID, UserID: members[0].UserID, Amount: 40000, Purpose: "school fees", RepaymentPeriodMonths: 1})
	if err != nil {
		t.Fatalf("RequestOverdraft failed: %v", err)
	}
	if _, err := f.svc.ApproveOverdraft(ctx, o.ID); err != nil {
		t.Fatalf("ApproveOverdraft failed: %v", err)
	}
	if _, err := f.svc.ActivateOverdraft(ctx, o.ID); err != nil {
		t.Fatalf("ActivateOverdraft failed: %v", err)
	}

	flagged, err := f.svc.FlagOverdueOverdrafts(ctx)
	if err != nil || flagged != 0 {
		t.Fatalf("expected nothing overdue yet, got %d, %v", flagged, err)
	}

	f.advanceClock(40 * 24 * time.Hour)
	flagged, err = f.svc.FlagOverdueOverdrafts(ctx)
	if err != nil {
		t.Fatalf("FlagOverdueOverdrafts failed: %v", err)
	}
	if flagged != 1 || f.events.count(domain.EventOverdraftOverdue) != 1 {
		t.Fatalf("expected one overdue notice, got %d flagged and %d events", flagged, f.events.count(domain.EventOverdraftOverdue))
	}
	stored, err := f.svc.GetOverdraft(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOverdraft failed: %v", err)
	}
	if stored.Status != domain.OverdraftStatusActive {
		t.Fatalf("flagging must not change status, got %s", stored.Status)
	}
}

func TestNormalizePhoneNumber(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "0712345678", want: "255712345678"},
		{raw: "+255 712-345-678", want: "255712345678"},
		{raw: "(255) 712345678", want: "255712345678"},
		{raw: "12345", wantErr: true},
		{raw: "0712abc678", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizePhoneNumber(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPhoneNumber) {
				t.Fatalf("NormalizePhoneNumber(%q): expected ErrInvalidPhoneNumber, got %q, %v", tt.raw, got, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("NormalizePhoneNumber(%q) = %q, %v; want %q", tt.raw, got, err, tt.want)
		}
	}
}
