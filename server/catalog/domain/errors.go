package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("image record not found")
	ErrValidation   = errors.New("validation failed")
	ErrNotClaimable = errors.New("image record is not claimable")
	ErrPersistence  = errors.New("persistence failure")
	ErrUpstream     = errors.New("upstream call failed")
)

// ValidationError marks client-fault input. errors.Is(err, ErrValidation)
// holds for every ValidationError.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
