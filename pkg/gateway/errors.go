package gateway

import (
	"errors"
	"fmt"

	"github.com/runcore-io/runcore/pkg/budget"
)

// UnknownPricingError is raised when pricing resolves to unknown under
// fail-closed mode. The model is never called and no ledger event is written.
type UnknownPricingError struct {
	Provider string
	Model    string
}

func (e *UnknownPricingError) Error() string {
	return fmt.Sprintf("no pricing known for %s:%s and unknown-pricing mode is block", e.Provider, e.Model)
}

// ModelInvocationError wraps an upstream model client failure (I/O, timeout,
// malformed response). The message is pre-redacted before wrapping.
type ModelInvocationError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model invocation failed (%s): %s", e.Provider, e.Message)
}

func (e *ModelInvocationError) Unwrap() error { return e.Err }

// IsBudgetError reports whether err is a run- or session-level budget denial.
func IsBudgetError(err error) bool {
	var runErr *budget.ExceededError
	var sessionErr *budget.SessionExceededError
	return errors.As(err, &runErr) || errors.As(err, &sessionErr)
}

// IsBlockingError reports whether err should transition a run to blocked
// (budget denial or fail-closed unknown pricing).
func IsBlockingError(err error) bool {
	var pricingErr *UnknownPricingError
	return IsBudgetError(err) || errors.As(err, &pricingErr)
}
