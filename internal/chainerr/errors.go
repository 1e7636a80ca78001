// Package chainerr defines the error taxonomy shared by the proxy-chain
// clients and orchestrator.
//
// Kinds are exposed as sentinel values so callers can classify failures with
// errors.Is, and as a couple of structured types (NegotiationRejectedError,
// TimeoutError) for cases that carry extra data with errors.As.
package chainerr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Protocol clients and the orchestrator wrap these with
// fmt.Errorf("%w: ...", Kind) so callers can match on them with errors.Is.
var (
	ErrConfig                     = errors.New("config error")
	ErrConnect                    = errors.New("connect error")
	ErrAuthRequiredButNotProvided = errors.New("auth required but not provided")
	ErrAuthFailed                 = errors.New("auth failed")
	ErrNoAcceptableMethods        = errors.New("no acceptable methods")
	ErrUnexpectedAuthMethod       = errors.New("unexpected auth method")
	ErrProtocol                   = errors.New("protocol error")
	ErrAddressTypeUnsupported     = errors.New("address type unsupported")
	ErrIO                         = errors.New("io error")
	ErrCancelled                  = errors.New("cancelled")
)

// TimeoutScope names which deadline fired.
type TimeoutScope string

const (
	ScopeStep  TimeoutScope = "step"
	ScopeTotal TimeoutScope = "total"
)

// TimeoutError reports that a step or the total deadline elapsed.
type TimeoutError struct {
	Scope TimeoutScope
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Scope)
}

// NegotiationRejectedError reports that a hop's server replied with a valid
// but unsuccessful response to a CONNECT attempt.
type NegotiationRejectedError struct {
	// Code is the protocol-specific numeric reply (SOCKS5 REP, SOCKS4
	// status byte, or HTTP status code).
	Code int
	// Human is a short human-readable description of Code.
	Human string
}

func (e *NegotiationRejectedError) Error() string {
	return fmt.Sprintf("negotiation rejected (code=%d): %s", e.Code, e.Human)
}

// StepError attaches the 1-based hop index at which a failure occurred.
// Its Error() string never includes credential material; callers that need
// that context use %w to unwrap Cause.
type StepError struct {
	Index int
	Cause error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %s", e.Index, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// WrapStep wraps err with the 1-based hop index that failed. Returns nil if
// err is nil.
func WrapStep(index int, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Index: index, Cause: err}
}

// IsRetryable reports whether err belongs to a kind the orchestrator is
// permitted to retry (subject to the same-stream soundness rule enforced by
// the caller): NegotiationRejectedError or ErrIO.
func IsRetryable(err error) bool {
	var rej *NegotiationRejectedError
	if errors.As(err, &rej) {
		return true
	}
	return errors.Is(err, ErrIO)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
