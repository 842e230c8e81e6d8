package router

import (
	"errors"
	"fmt"

	"github.com/otterflow/otterflow/internal/wallet"
)

var (
	// ErrUnauthorized means the caller presented no valid credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInsufficientFunds means the wallet cannot cover a charge.
	ErrInsufficientFunds = wallet.ErrInsufficientFunds
	// ErrNoEligibleModels means ranking left nothing to dispatch to.
	ErrNoEligibleModels = errors.New("no eligible models")
	// ErrEmptyResponse means a provider succeeded but returned no text.
	ErrEmptyResponse = errors.New("empty response from provider")
	// ErrModelNotFound means a manual request named a model not in the catalog.
	ErrModelNotFound = errors.New("model not found")
	// ErrUnknownProvider means no adapter is registered for a license tag.
	ErrUnknownProvider = errors.New("no adapter registered for provider")
)

// ErrorClass classifies provider errors for logging and metrics.
type ErrorClass string

const (
	ErrContextOverflow ErrorClass = "context_overflow"
	ErrRateLimited     ErrorClass = "rate_limited"
	ErrTransient       ErrorClass = "transient"
	ErrFatal           ErrorClass = "fatal"
)

// ClassifiedError wraps an error with its class.
type ClassifiedError struct {
	Err   error
	Class ErrorClass
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// ProviderError is a single adapter failure.
type ProviderError struct {
	Provider string
	Model    string
	Class    ErrorClass
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s model %s: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AllCandidatesFailedError is returned when every attempted candidate failed.
type AllCandidatesFailedError struct {
	Attempts int
	Errs     []error
}

func (e *AllCandidatesFailedError) Error() string {
	return fmt.Sprintf("all candidates failed after %d attempts: %v", e.Attempts, errors.Join(e.Errs...))
}

func (e *AllCandidatesFailedError) Unwrap() []error { return e.Errs }
