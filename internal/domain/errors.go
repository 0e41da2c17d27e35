package domain

import "errors"

// Error categories. Every sentinel returned by the store and app packages
// wraps exactly one of these, so callers branch with errors.Is.
var (
	// ErrValidation: bad input shape or range. No state was changed.
	ErrValidation = errors.New("validation error")
	// ErrStateConflict: the operation is illegal in the record's current state.
	ErrStateConflict = errors.New("state conflict")
	// ErrNotFound: unknown id or reference.
	ErrNotFound = errors.New("not found")
	// ErrDataIntegrity: a stored invariant is already broken. Never auto-corrected.
	ErrDataIntegrity = errors.New("data integrity violation")
	// ErrExternalDependency: the store or the gateway is unreachable. Safe to retry.
	ErrExternalDependency = errors.New("external dependency failure")
)

// Category returns the category err belongs to, or nil for uncategorized errors.
func Category(err error) error {
	for _, category := range []error{ErrValidation, ErrStateConflict, ErrNotFound, ErrDataIntegrity, ErrExternalDependency} {
		if errors.Is(err, category) {
			return category
		}
	}
	return nil
}

// CategoryName is the stable label used in API responses and metrics.
func CategoryName(err error) string {
	switch Category(err) {
	case ErrValidation:
		return "validation"
	case ErrStateConflict:
		return "state_conflict"
	case ErrNotFound:
		return "not_found"
	case ErrDataIntegrity:
		return "data_integrity"
	case ErrExternalDependency:
		return "external_dependency"
	default:
		return "internal"
	}
}
