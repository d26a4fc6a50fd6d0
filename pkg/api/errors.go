package api

import (
	"errors"
	"fmt"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeUnknownInstance      = "UNKNOWN_INSTANCE"
	ErrCodeUnknownOrchestration = "UNKNOWN_ORCHESTRATION"
	ErrCodeUnknownActivity      = "UNKNOWN_ACTIVITY"
	ErrCodeCorruptHistory       = "CORRUPT_HISTORY"
	ErrCodeAppendConflict       = "APPEND_CONFLICT"
	ErrCodeInstanceTerminal     = "INSTANCE_TERMINAL"
	ErrCodeAlreadyRegistered    = "ALREADY_REGISTERED"
	ErrCodeIdempotencyConflict  = "IDEMPOTENCY_CONFLICT"
	ErrCodeInstanceLocked       = "INSTANCE_LOCKED"
	ErrCodeNondeterminism       = "NONDETERMINISM"
	ErrCodeDefinitionPanic      = "DEFINITION_PANIC"
	ErrCodeActivityFailed       = "ACTIVITY_FAILED"
)

var (
	// ErrUnknownInstance is returned for ids that were never started.
	ErrUnknownInstance = apperrors.New("unknown instance", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownInstance)
	ErrUnknownOrchestration = apperrors.New("unknown orchestration", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownOrchestration)
	ErrUnknownActivity = apperrors.New("unknown activity", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownActivity)

	// ErrCorruptHistory marks a log that violates the history invariants.
	ErrCorruptHistory = apperrors.New("corrupt history", apperrors.CategoryValidation).
				WithTextCode(ErrCodeCorruptHistory)

	// ErrAppendConflict is returned by a HistoryLog when the log no longer
	// has the expected length.
	ErrAppendConflict = apperrors.New("history append conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAppendConflict)
	ErrInstanceTerminal = apperrors.New("instance already terminal", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInstanceTerminal)
	ErrAlreadyRegistered = apperrors.New("already registered", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAlreadyRegistered)

	// ErrIdempotencyConflict is returned by Start when the idempotency key
	// already belongs to an instance of another orchestration.
	ErrIdempotencyConflict = apperrors.New("idempotency key used by another orchestration", apperrors.CategoryConflict).
				WithTextCode(ErrCodeIdempotencyConflict)

	// ErrInstanceLocked is returned when another owner holds the lease of an
	// instance for longer than the caller was willing to wait.
	ErrInstanceLocked = apperrors.New("instance leased by another owner", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInstanceLocked)

	// ErrNondeterminism is a definition error: replay requested a different
	// call sequence than the one recorded.
	ErrNondeterminism = apperrors.New("nondeterministic orchestration", apperrors.CategoryHandler).
				WithTextCode(ErrCodeNondeterminism)
	ErrDefinitionPanic = apperrors.New("orchestration definition panicked", apperrors.CategoryHandler).
				WithTextCode(ErrCodeDefinitionPanic)
)

// ErrorCode returns the text code of the first categorised error in err's
// chain, or "" when there is none.
func ErrorCode(err error) string {
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return ae.TextCode
	}
	var actErr *ActivityError
	if errors.As(err, &actErr) {
		return ErrCodeActivityFailed
	}
	return ""
}

// ActivityError is raised at an activity call site when the history records
// a terminal failure for that call.
type ActivityError struct {
	Name       string
	SequenceNo int
	Kind       ErrorKind
	Message    string
}

func (e *ActivityError) Error() string {
	if e.Kind == ErrorKindTimeout {
		return fmt.Sprintf("activity %s (#%d) timed out: %s", e.Name, e.SequenceNo, e.Message)
	}
	return fmt.Sprintf("activity %s (#%d) failed: %s", e.Name, e.SequenceNo, e.Message)
}

// IsTimeout reports whether the failure was a timeout.
func (e *ActivityError) IsTimeout() bool {
	return e.Kind == ErrorKindTimeout
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks an activity error as terminal. Workers record it as a
// failure immediately instead of retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}
