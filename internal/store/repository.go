/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the ledger needs. Consistency is enforced with conditional writes
 * (status, version and rotation compare-and-swap) and unique constraints rather
 * than multi-record transactions, so both backends expose the same guarantees.
 *
 * @dependencies
 * - github.com/google/uuid: record identifiers.
 * - internal/domain: the ledger's typed records.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kijumbe/ledger-service/internal/domain"
)

// Repository defines the set of methods for interacting with the ledger store.
type Repository interface {
	// Migrate creates the schema if it does not exist yet.
	Migrate(ctx context.Context) error

	// Group methods
	CreateGroup(ctx context.Context, group *domain.Group) error
	GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error)
	ListGroupsByStatus(ctx context.Context, status domain.GroupStatus) ([]domain.Group, error)
	// AdvanceGroupRotation moves an active group from fromRotation to the
	// values in next. It fails with ErrConditionFailed if the stored rotation
	// no longer equals fromRotation.
	AdvanceGroupRotation(ctx context.Context, groupID uuid.UUID, fromRotation int, next RotationAdvance) error

	// Member methods
	CreateMember(ctx context.Context, member *domain.Member) error
	FindMember(ctx context.Context, groupID, userID uuid.UUID) (*domain.Member, error)
	// ListMembers returns members ordered by member number. An empty status
	// list returns every member.
	ListMembers(ctx context.Context, groupID uuid.UUID, statuses ...domain.MemberStatus) ([]domain.Member, error)
	// UpdateMemberRotationOrders rewrites rotation orders keyed by member id in one store transaction.
	UpdateMemberRotationOrders(ctx context.Context, groupID uuid.UUID, orders map[uuid.UUID]int) error
	UpdateMemberStatus(ctx context.Context, memberID uuid.UUID, status domain.MemberStatus) error

	// Transaction methods
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error)
	// SumTransactions returns the summed amount per transaction type for rows matching filter.
	SumTransactions(ctx context.Context, filter TransactionFilter) (map[domain.TransactionType]int64, error)
	// TransitionTransactionStatus succeeds only while the stored status equals from.
	TransitionTransactionStatus(ctx context.Context, transactionID uuid.UUID, from, to domain.Status) error

	// Payment methods
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	// TransitionPaymentStatus succeeds only while the stored status equals from.
	TransitionPaymentStatus(ctx context.Context, reference string, from, to domain.Status, update PaymentUpdate) error
	SetPaymentGatewayTransactionID(ctx context.Context, reference, gatewayTransactionID string) error

	// Overdraft methods
	CreateOverdraft(ctx context.Context, overdraft *domain.Overdraft) error
	GetOverdraft(ctx context.Context, overdraftID uuid.UUID) (*domain.Overdraft, error)
	FindOpenOverdraft(ctx context.Context, groupID, userID uuid.UUID) (*domain.Overdraft, error)
	ListOverdraftsByStatus(ctx context.Context, status domain.OverdraftStatus) ([]domain.Overdraft, error)
	// UpdateOverdraft writes the mutable overdraft fields if the stored version
	// still equals overdraft.Version, then bumps overdraft.Version.
	UpdateOverdraft(ctx context.Context, overdraft *domain.Overdraft) error

	Close() error
}

// RotationAdvance holds the group fields rewritten when a rotation advances.
type RotationAdvance struct {
	Rotation       int
	Status         domain.GroupStatus
	CycleStartedAt time.Time
}

// PaymentUpdate carries optional fields written alongside a payment status change.
type PaymentUpdate struct {
	GatewayTransactionID *string
	FailureReason        *string
}

// TransactionFilter selects transactions. Zero-valued fields do not filter.
type TransactionFilter struct {
	GroupID          *uuid.UUID
	UserID           *uuid.UUID
	OverdraftID      *uuid.UUID
	Types            []domain.TransactionType
	Statuses         []domain.Status
	PaymentReference string
	Rotation         int
	CreatedFrom      time.Time
	CreatedBefore    time.Time
	NewestFirst      bool
	Limit            int
}
