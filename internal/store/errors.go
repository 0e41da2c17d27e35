package store

import (
	"fmt"

	"github.com/kijumbe/ledger-service/internal/domain"
)

var (
	ErrGroupNotFound       = fmt.Errorf("%w: group not found", domain.ErrNotFound)
	ErrMemberNotFound      = fmt.Errorf("%w: member not found", domain.ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("%w: transaction not found", domain.ErrNotFound)
	ErrPaymentNotFound     = fmt.Errorf("%w: payment not found", domain.ErrNotFound)
	ErrOverdraftNotFound   = fmt.Errorf("%w: overdraft not found", domain.ErrNotFound)

	// ErrAlreadyExists is returned when a unique constraint rejects a create.
	ErrAlreadyExists = fmt.Errorf("%w: record already exists", domain.ErrStateConflict)
	// ErrConditionFailed is returned when a conditional update matched no row
	// because the record moved on since it was read.
	ErrConditionFailed = fmt.Errorf("%w: record changed since it was read", domain.ErrStateConflict)
	// ErrInvalidRecord is returned when a record fails boundary validation.
	ErrInvalidRecord = fmt.Errorf("%w: invalid record", domain.ErrValidation)
)

// storeError tags a driver failure as an external dependency error while
// keeping the driver error in the chain.
func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrExternalDependency, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}
