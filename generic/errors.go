/*
errors.go - Centralized error taxonomy for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Packages wrap these with context via errors.Wrapf and classify them with
  the Is* helpers; the HTTP layer maps classes to status codes.

ERROR CATEGORIES:
  1. Validation errors - Bad input, raised before any mutation
  2. Storage errors    - Persistence failures; echo the attempted input
  3. Not found         - Referenced entry/contract does not exist
  4. Reconciliation warnings - Non-fatal, reported in statistics only

USAGE:
  if generic.IsValidation(err) {
      // 400, show err.Error() and errors.GetAllHints(err)
  }

SEE ALSO:
  - store.go: Store contracts returning these errors
  - api/handlers.go: Status code mapping
*/
package generic

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks every input validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrStorage marks every persistence failure.
	ErrStorage = errors.New("storage failure")

	// ErrNotFound marks every lookup of a missing record.
	ErrNotFound = errors.New("not found")

	ErrEntryNotFound    = errors.Mark(errors.New("billing entry not found"), ErrNotFound)
	ErrContractNotFound = errors.Mark(errors.New("contract not found"), ErrNotFound)

	// ErrDuplicateSchedule is returned when a charge with the same
	// (contract, due date, transaction type) already exists.
	ErrDuplicateSchedule = errors.New("duplicate schedule entry")

	// ErrEntryVoided is returned when a voided entry is mutated.
	ErrEntryVoided = errors.Mark(errors.New("entry is voided"), ErrValidation)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a marked validation error.
func NewValidationError(field, message string) error {
	return errors.Mark(&ValidationError{Field: field, Message: message}, ErrValidation)
}

// NewValidationErrorWithHint attaches a user-facing hint.
func NewValidationErrorWithHint(field, message, hint string) error {
	return errors.WithHint(NewValidationError(field, message), hint)
}

// StorageError wraps a persistence failure together with the input that was
// being written and the items that were committed before it failed.
type StorageError struct {
	Op        string
	Input     any
	Succeeded []string
	Err       error
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	if len(e.Succeeded) > 0 {
		msg += fmt.Sprintf(" (committed before failure: %s)", strings.Join(e.Succeeded, ", "))
	}
	return msg
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err unless it already carries a storage or not-found mark.
func NewStorageError(op string, input any, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		return err
	}
	return errors.Mark(&StorageError{Op: op, Input: input, Err: err}, ErrStorage)
}

// FetchError is returned by account snapshot reads.
type FetchError struct {
	MemberID MemberID
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch account %s: %v", e.MemberID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ReconciliationWarning flags a data inconsistency that does not block reads.
type ReconciliationWarning struct {
	EntryID EntryID `json:"entry_id"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
}

const WarnPaidExceedsDue = "paid_exceeds_due"

// ItemFailure records one failed item of a best-effort bulk operation.
type ItemFailure struct {
	EntryID EntryID `json:"entry_id"`
	Error   string  `json:"error"`
}

// =============================================================================
// HELPERS
// =============================================================================

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsStorage(err error) bool    { return errors.Is(err, ErrStorage) }

// IsClientError returns true if the error was caused by the caller's input.
func IsClientError(err error) bool {
	return IsValidation(err) || IsNotFound(err)
}
