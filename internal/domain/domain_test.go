package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestOverdraftTotalOwed(t *testing.T) {
	cases := []struct {
		amount int64
		rate   float64
		want   int64
	}{
		{amount: 80000, rate: 5, want: 84000},
		{amount: 100, rate: 0, want: 100},
		{amount: 333, rate: 5, want: 349},
		{amount: 10, rate: 5, want: 10},
		{amount: 1000, rate: 12.5, want: 1125},
		{amount: 999, rate: 7.5, want: 1073},
	}
	for _, tc := range cases {
		o := Overdraft{Amount: tc.amount, InterestRate: tc.rate}
		got := o.TotalOwed()
		if got != tc.want {
			t.Fatalf("TotalOwed(%d @ %.2f%%) = %d, want %d", tc.amount, tc.rate, got, tc.want)
		}
		exact := float64(tc.amount) * (1 + tc.rate/100)
		if float64(got) > exact {
			t.Fatalf("TotalOwed(%d @ %.2f%%) = %d exceeds the exact owed %.4f", tc.amount, tc.rate, got, exact)
		}
	}
}

func TestOverdraftIsOverdue(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if !(Overdraft{Status: OverdraftStatusActive, DueDate: &past}).IsOverdue(now) {
		t.Fatal("expected active overdraft past due date to be overdue")
	}
	if (Overdraft{Status: OverdraftStatusActive, DueDate: &future}).IsOverdue(now) {
		t.Fatal("expected overdraft before due date not to be overdue")
	}
	if (Overdraft{Status: OverdraftStatusCompleted, DueDate: &past}).IsOverdue(now) {
		t.Fatal("expected completed overdraft never to be overdue")
	}
}

func TestParseGatewayStatus(t *testing.T) {
	cases := map[string]GatewayStatus{
		"SUCCESS":    GatewayStatusSuccess,
		" completed": GatewayStatusSuccess,
		"processing": GatewayStatusPending,
		"declined":   GatewayStatusFailed,
	}
	for raw, want := range cases {
		got, ok := ParseGatewayStatus(raw)
		if !ok || got != want {
			t.Fatalf("ParseGatewayStatus(%q) = %q, %t; want %q", raw, got, ok, want)
		}
	}
	if _, ok := ParseGatewayStatus("refunded"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestStatusTransitions(t *testing.T) {
	if !StatusPending.CanTransition(StatusCompleted) {
		t.Fatal("pending -> completed must be allowed")
	}
	if StatusCompleted.CanTransition(StatusFailed) {
		t.Fatal("terminal status must never change")
	}
	if StatusPending.CanTransition(StatusPending) {
		t.Fatal("pending -> pending is not a transition")
	}
}

func TestNetBalanceExcludesPenalties(t *testing.T) {
	sums := map[TransactionType]int64{
		TransactionTypeContribution:       150000,
		TransactionTypeInsurance:          5000,
		TransactionTypeOverdraftRepayment: 20000,
		TransactionTypePayout:             100000,
		TransactionTypeOverdraftDraw:      30000,
		TransactionTypePenalty:            999,
	}
	if got := NetBalance(sums); got != 45000 {
		t.Fatalf("NetBalance = %d, want 45000", got)
	}
}

func TestCategory(t *testing.T) {
	specific := fmt.Errorf("%w: overdraft is not active", ErrStateConflict)
	wrapped := fmt.Errorf("repay: %w", specific)
	if !errors.Is(wrapped, ErrStateConflict) {
		t.Fatal("expected wrapped error to match its category")
	}
	if CategoryName(wrapped) != "state_conflict" {
		t.Fatalf("unexpected category name %q", CategoryName(wrapped))
	}
	if CategoryName(errors.New("boom")) != "internal" {
		t.Fatal("uncategorized errors must map to internal")
	}
}
