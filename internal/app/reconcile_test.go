package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kijumbe/ledger-service/internal/domain"
	"github.com/kijumbe/ledger-service/internal/store"
)

func pendingContribution(t *testing.T, f *fixture, groupID, userID uuid.UUID, amount int64) (*domain.Transaction, *domain.Payment) {
	t.Helper()
	tx, payment, err := f.svc.ledger.RecordPendingContribution(context.Background(), groupID, userID, amount, "0712345678")
	if err != nil {
		t.Fatalf("RecordPendingContribution failed: %v", err)
	}
	return tx, payment
}

func TestHandleGatewayCallback_DuplicateSuccessCountsOnce(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1, 2)
	tx, payment := pendingContribution(t, f, group.ID, members[0].UserID, 50000)
	body, signature := f.signedCallback(t, payment.PaymentReference, "success")

	first, err := f.svc.HandleGatewayCallback(ctx, body, signature)
	if err != nil {
		t.Fatalf("first callback failed: %v", err)
	}
	if first.Outcome != OutcomeCompleted || first.Transaction == nil || first.Transaction.ID != tx.ID {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := f.svc.HandleGatewayCallback(ctx, body, signature)
	if err != nil {
		t.Fatalf("second callback failed: %v", err)
	}
	if second.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("expected already_processed, got %s", second.Outcome)
	}

	balance, err := f.svc.GetBalance(ctx, group.ID, members[0].UserID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 50000 {
		t.Fatalf("expected balance 50000, got %d", balance)
	}
	stored, err := f.repo.FindPaymentByReference(ctx, payment.PaymentReference)
	if err != nil {
		t.Fatalf("FindPaymentByReference failed: %v", err)
	}
	if stored.Status != domain.StatusCompleted || stored.GatewayTransactionID == nil || *stored.GatewayTransactionID != "gw-"+payment.PaymentReference {
		t.Fatalf("unexpected stored payment %+v", stored)
	}

	if f.events.count(domain.EventContributionCompleted) != 1 {
		t.Fatalf("expected one completion event, got %d", f.events.count(domain.EventContributionCompleted))
	}
	event, ok := f.events.events[0].body.(domain.LedgerEvent)
	if !ok || event.Balance == nil || *event.Balance != 50000 || event.PaymentReference != payment.PaymentReference {
		t.Fatalf("unexpected completion event %+v", f.events.events[0].body)
	}
	if f.events.events[0].exchange != DefaultEventsExchange {
		t.Fatalf("expected events on %s, got %s", DefaultEventsExchange, f.events.events[0].exchange)
	}
}

func TestHandleGatewayCallback_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1, 2)
	_, payment := pendingContribution(t, f, group.ID, members[0].UserID, 50000)
	body, signature := f.signedCallback(t, payment.PaymentReference, "success")

	const deliveries = 8
	outcomes := make(chan ReconciliationOutcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.HandleGatewayCallback(ctx, body, signature)
			if err != nil {
				t.Errorf("callback failed: %v", err)
				return
			}
			outcomes <- result.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := make(map[ReconciliationOutcome]int)
	for outcome := range outcomes {
		counts[outcome]++
	}
	if counts[OutcomeCompleted] != 1 || counts[OutcomeAlreadyProcessed] != deliveries-1 {
		t.Fatalf("expected one completion and %d duplicates, got %v", deliveries-1, counts)
	}

	balance, err := f.svc.GetBalance(ctx, group.ID, members[0].UserID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 50000 {
		t.Fatalf("expected balance 50000, got %d", balance)
	}
}

func TestHandleGatewayCallback_RejectsBadInput(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1)
	_, payment := pendingContribution(t, f, group.ID, members[0].UserID, 50000)
	body, signature := f.signedCallback(t, payment.PaymentReference, "success")

	if _, err := f.svc.HandleGatewayCallback(ctx, body, "not-a-signature"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = ' '
	if _, err := f.svc.HandleGatewayCallback(ctx, tampered, signature); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for a tampered body, got %v", err)
	}

	malformed := []byte(`{"reference":`)
	if _, err := f.svc.HandleGatewayCallback(ctx, malformed, f.gw.Sign(malformed)); !errors.Is(err, ErrMalformedCallback) {
		t.Fatalf("expected ErrMalformedCallback, got %v", err)
	}
	unknownStatus, unknownSig := f.signedCallback(t, payment.PaymentReference, "refunded")
	if _, err := f.svc.HandleGatewayCallback(ctx, unknownStatus, unknownSig); !errors.Is(err, ErrMalformedCallback) {
		t.Fatalf("expected ErrMalformedCallback for an unknown status, got %v", err)
	}

	stored, err := f.repo.FindPaymentByReference(ctx, payment.PaymentReference)
	if err != nil {
		t.Fatalf("FindPaymentByReference failed: %v", err)
	}
	if stored.Status != domain.StatusPending {
		t.Fatalf("rejected callbacks must not change the payment, got %s", stored.Status)
	}
}

func TestHandleGatewayCallback_UnknownReference(t *testing.T) {
	f := newFixture(t, testPolicy())
	body, signature := f.signedCallback(t, "KJB-DOES-NOT-EXIST", "success")

	result, err := f.svc.HandleGatewayCallback(context.Background(), body, signature)
	if err != nil {
		t.Fatalf("expected no error for an unknown reference, got %v", err)
	}
	if result.Outcome != OutcomeUnknownReference || result.Transaction != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("expected no events, got %d", len(f.events.events))
	}
}

func TestHandleGatewayCallback_PendingThenFailed(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1)
	tx, payment := pendingContribution(t, f, group.ID, members[0].UserID, 50000)

	body, signature := f.signedCallback(t, payment.PaymentReference, "processing")
	result, err := f.svc.HandleGatewayCallback(ctx, body, signature)
	if err != nil {
		t.Fatalf("pending callback failed: %v", err)
	}
	if result.Outcome != OutcomePending || result.Transaction == nil || result.Transaction.Status != domain.StatusPending {
		t.Fatalf("unexpected pending result %+v", result)
	}

	body, signature = f.signedCallback(t, payment.PaymentReference, "failed")
	result, err = f.svc.HandleGatewayCallback(ctx, body, signature)
	if err != nil {
		t.Fatalf("failed callback returned error: %v", err)
	}
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", result.Outcome)
	}
	stored, err := f.repo.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed transaction, got %s", stored.Status)
	}
	if f.events.count(domain.EventContributionFailed) != 1 {
		t.Fatal("expected a contribution failed event")
	}

	// A late success after a failure changes nothing.
	body, signature = f.signedCallback(t, payment.PaymentReference, "success")
	result, err = f.svc.HandleGatewayCallback(ctx, body, signature)
	if err != nil {
		t.Fatalf("late success callback failed: %v", err)
	}
	if result.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("expected already_processed, got %s", result.Outcome)
	}
	balance, err := f.svc.GetBalance(ctx, group.ID, members[0].UserID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 0 {
		t.Fatalf("failed contribution must not count, got %d", balance)
	}
}

func TestHandleGatewayCallback_RepairsHalfSettledPayment(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	group, members := f.seedGroup(t, 50000, 1)
	tx, payment := pendingContribution(t, f, group.ID, members[0].UserID, 50000)

	// Simulate a delivery that stopped after the payment write.
	if err := f.repo.TransitionPaymentStatus(ctx, payment.PaymentReference, domain.StatusPending, domain.StatusCompleted, store.PaymentUpdate{}); err != nil {
		t.Fatalf("TransitionPaymentStatus failed: %v", err)
	}

	body, signature := f.signedCallback(t, payment.PaymentReference, "success")
	result, err := f.svc.HandleGatewayCallback(ctx, body, signature)
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if result.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("expected already_processed, got %s", result.Outcome)
	}
	stored, err := f.repo.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("expected the ledger entry to be repaired, got %s", stored.Status)
	}
}

func TestHandleGatewayCallback_AnnouncesOrAdvancesDuePayout(t *testing.T) {
	t.Run("announces", func(t *testing.T) {
		f := newFixture(t, testPolicy())
		ctx := context.Background()
		group, members := f.seedGroup(t, 50000, 1, 2)
		f.contribute(t, group.ID, members[0].UserID, 50000)
		_, payment := pendingContribution(t, f, group.ID, members[1].UserID, 50000)

		body, signature := f.signedCallback(t, payment.PaymentReference, "success")
		if _, err := f.svc.HandleGatewayCallback(ctx, body, signature); err != nil {
			t.Fatalf("callback failed: %v", err)
		}
		if f.events.count(domain.EventRotationPayoutDue) != 1 {
			t.Fatal("expected a payout due event")
		}
		if mustGroup(t, f, group.ID).CurrentRotation != 1 {
			t.Fatal("rotation must not move without automatic advance")
		}
	})

	t.Run("advances", func(t *testing.T) {
		policy := testPolicy()
		policy.AutoAdvanceRotation = true
		f := newFixture(t, policy)
		ctx := context.Background()
		group, members := f.seedGroup(t, 50000, 2, 1)
		f.contribute(t, group.ID, members[0].UserID, 50000)
		_, payment := pendingContribution(t, f, group.ID, members[1].UserID, 50000)

		body, signature := f.signedCallback(t, payment.PaymentReference, "success")
		if _, err := f.svc.HandleGatewayCallback(ctx, body, signature); err != nil {
			t.Fatalf("callback failed: %v", err)
		}
		if f.events.count(domain.EventRotationAdvanced) != 1 {
			t.Fatal("expected a rotation advanced event")
		}
		if mustGroup(t, f, group.ID).CurrentRotation != 2 {
			t.Fatal("expected the rotation to advance")
		}
		payouts, err := f.repo.FindTransactions(ctx, store.TransactionFilter{GroupID: &group.ID, Types: []domain.TransactionType{domain.TransactionTypePayout}})
		if err != nil {
			t.Fatalf("FindTransactions failed: %v", err)
		}
		if len(payouts) != 1 || payouts[0].UserID != members[1].UserID || payouts[0].Amount != 100000 {
			t.Fatalf("unexpected payouts %+v", payouts)
		}
	})
}
