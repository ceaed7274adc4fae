package transactions

import (
	"context"
	"errors"
	"fmt"
)

// Store persists transactions. Implementations must make Create and UpdateByID
// atomic per record, and UpdateByID must evaluate Patch.Expect in the same
// write as the update (never read-then-write).
type Store interface {
	// Create inserts t, assigning ID when empty, and returns the ID.
	// A second record with the same CorrelationID fails with ErrDuplicateCorrelation.
	Create(ctx context.Context, t *Transaction) (string, error)
	// FindByCorrelationID returns (nil, nil) when no record matches.
	FindByCorrelationID(ctx context.Context, correlationID string) (*Transaction, error)
	// UpdateByID applies p and returns the updated record.
	UpdateByID(ctx context.Context, id string, p Patch) (*Transaction, error)
}

var (
	ErrNotFound             = errors.New("transaction not found")
	ErrDuplicateCorrelation = errors.New("duplicate correlation id")
	ErrStatusMismatch       = errors.New("status mismatch/conditional failed")
)

// StatusMismatchError is returned when Patch.Expect did not hold. Current is
// the stored record at the time of the failed write.
type StatusMismatchError struct {
	Current *Transaction
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("%s: transaction %s is %s", ErrStatusMismatch, e.Current.ID, e.Current.Status)
}

func (e *StatusMismatchError) Is(target error) bool { return target == ErrStatusMismatch }
