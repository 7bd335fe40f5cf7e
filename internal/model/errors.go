package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrParseFailure marks model output that is not valid structured data.
	// Callers recover locally and degrade to a fixed reply.
	ErrParseFailure = errors.New("parse failure")

	// ErrUnknownDecision is returned when a decision payload carries a mode
	// tag outside the three known outcomes. It wraps ErrParseFailure.
	ErrUnknownDecision = fmt.Errorf("%w: unknown decision mode", ErrParseFailure)

	// ErrDimensionMismatch is fatal for an index instance until it is reset.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrUnknownKey marks an index key with no live descriptor behind it.
	ErrUnknownKey = errors.New("unknown index key")
)

// ProviderError describes a failed call to an external capability
// (embedding, generation or the live system).
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Provider + ": " + e.Code
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
