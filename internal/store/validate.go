package store

import (
	"strings"

	"github.com/kijumbe/ledger-service/internal/domain"
)

// Records are validated here, once, before any write reaches a backend.

func validateGroup(g *domain.Group) error {
	switch {
	case strings.TrimSpace(g.Name) == "":
		return invalid("group name is required")
	case g.ContributionAmount <= 0:
		return invalid("contribution amount must be positive")
	case g.RotationDurationMonths <= 0:
		return invalid("rotation duration must be positive")
	case g.CurrentRotation < 1:
		return invalid("current rotation must be at least 1")
	case g.MaxMembers < 0:
		return invalid("max members cannot be negative")
	case !g.Status.Valid():
		return invalid("unknown group status %q", g.Status)
	}
	return nil
}

func validateMember(m *domain.Member) error {
	switch {
	case m.MemberNumber < 1:
		return invalid("member number must be at least 1")
	case m.RotationOrder < 0:
		return invalid("rotation order cannot be negative")
	case !m.Status.Valid():
		return invalid("unknown member status %q", m.Status)
	}
	return nil
}

func validateTransaction(tx *domain.Transaction) error {
	switch {
	case !tx.Type.Valid():
		return invalid("unknown transaction type %q", tx.Type)
	case !tx.Status.Valid():
		return invalid("unknown transaction status %q", tx.Status)
	case tx.Amount <= 0:
		return invalid("transaction amount must be positive")
	case tx.Rotation < 0:
		return invalid("rotation cannot be negative")
	case tx.PaymentReference != nil && strings.TrimSpace(*tx.PaymentReference) == "":
		return invalid("payment reference cannot be blank")
	}
	return nil
}

func validatePayment(p *domain.Payment) error {
	switch {
	case !p.PaymentType.Chargeable():
		return invalid("payment type %q cannot be charged", p.PaymentType)
	case !p.Status.Valid():
		return invalid("unknown payment status %q", p.Status)
	case p.Amount <= 0:
		return invalid("payment amount must be positive")
	case strings.TrimSpace(p.PaymentReference) == "":
		return invalid("payment reference is required")
	case strings.TrimSpace(p.PhoneNumber) == "":
		return invalid("phone number is required")
	}
	return nil
}

func validateOverdraft(o *domain.Overdraft) error {
	switch {
	case o.Amount <= 0:
		return invalid("overdraft amount must be positive")
	case o.RepaymentPeriodMonths <= 0:
		return invalid("repayment period must be positive")
	case o.InterestRate < 0:
		return invalid("interest rate cannot be negative")
	case !o.Status.Valid():
		return invalid("unknown overdraft status %q", o.Status)
	case o.RepaidAmount < 0:
		return invalid("repaid amount cannot be negative")
	case o.RepaidAmount > o.TotalOwed():
		return invalid("repaid amount exceeds total owed")
	}
	return nil
}

func validateStatusMove(from, to domain.Status) error {
	if !from.CanTransition(to) {
		return invalid("illegal status transition %s -> %s", from, to)
	}
	return nil
}
