package models

import "fmt"

// ErrorKind is the error taxonomy used across the engine. Kinds, not
// Go types, so the same propagation policy applies uniformly whether
// the failure originated in the broker client, the order manager, or
// the risk monitor.
type ErrorKind string

const (
	ErrAuthExpired    ErrorKind = "AuthExpired"
	ErrTransient      ErrorKind = "Transient"
	ErrRateLimited    ErrorKind = "RateLimited"
	ErrInvalidInput   ErrorKind = "InvalidInput"
	ErrInvalidPrice   ErrorKind = "InvalidPrice"
	ErrNoContract     ErrorKind = "NoContract"
	ErrRiskVeto       ErrorKind = "RiskVeto"
	ErrBrokerRejected ErrorKind = "BrokerRejected"
	ErrStateConflict  ErrorKind = "StateConflict"
	ErrTimeout        ErrorKind = "Timeout"
	ErrCancelled      ErrorKind = "Cancelled"
	ErrInternal       ErrorKind = "Internal"
)

// TradeError is the single error type carried through the engine. It
// wraps an optional underlying error so errors.Is/errors.As still see
// through to transport-level causes (context deadline, net errors).
type TradeError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *TradeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TradeError) Unwrap() error { return e.Err }

// NewTradeError constructs a TradeError of the given kind.
func NewTradeError(kind ErrorKind, message string, cause error) *TradeError {
	return &TradeError{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the ErrorKind from err, defaulting to Internal for
// errors that were never classified.
func KindOf(err error) ErrorKind {
	var te *TradeError
	if AsTradeError(err, &te) {
		return te.Kind
	}
	return ErrInternal
}

// AsTradeError is a small errors.As wrapper kept free of the errors
// package import at call sites that only need the kind.
func AsTradeError(err error, target **TradeError) bool {
	for err != nil {
		if te, ok := err.(*TradeError); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retryable reports whether the propagation policy retries
// errors of this kind automatically.
func (k ErrorKind) Retryable() bool {
	return k == ErrTransient || k == ErrTimeout
}

// NotificationLevelFor maps an error kind to the level a surfaced
// notification should carry when it originates from a user action vs.
// a strategy action, per the propagation policy.
func NotificationLevelFor(kind ErrorKind, fromStrategy bool) NotificationLevel {
	switch kind {
	case ErrCancelled:
		return ""
	case ErrInternal:
		return LevelError
	default:
		if fromStrategy {
			return LevelError
		}
		return LevelWarning
	}
}
