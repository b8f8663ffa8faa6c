package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already active")
	ErrSessionNotActive = errors.New("session not active")
	ErrVersionConflict  = errors.New("session version conflict")
	ErrQuarantined      = errors.New("session quarantined")
)

// Eligibility reason codes surfaced verbatim to callers.
const (
	ReasonKYCRequired     = "kyc_required"
	ReasonSuspended       = "suspended"
	ReasonLowHumanScore   = "low_human_score"
	ReasonDailyCapReached = "daily_cap_reached"
)

// EligibilityError is an expected business-rule failure blocking session
// start or claim. It is never retried.
type EligibilityError struct {
	Code   string
	Detail string
}

func (e *EligibilityError) Error() string {
	if e.Detail == "" {
		return "not eligible: " + e.Code
	}
	return fmt.Sprintf("not eligible: %s (%s)", e.Code, e.Detail)
}

// TransientError marks an infrastructure failure (cache or ledger timeout,
// unavailability) that is safe to retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable, annotated with the failing operation.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConsistencyError is a runtime invariant violation (for example a
// negative accrual delta). The affected session is quarantined and
// excluded from automatic processing; the state is never silently fixed.
type ConsistencyError struct {
	SessionID string
	Detail    string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation in session %s: %s", e.SessionID, e.Detail)
}
