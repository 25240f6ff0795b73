package domain

import "errors"

// Sentinel errors forming the engine's failure taxonomy. Dispatchers and
// storage layers wrap these so callers can branch with errors.Is without
// knowing provider-specific detail.
var (
	// ErrTransient marks failures worth retrying per the channel's backoff
	// table.
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks failures that must never be retried; the lead is
	// suppressed.
	ErrPermanent = errors.New("permanent failure")

	// ErrComplianceViolation marks a dispatch that would have broken a
	// contact rule. Never retried, always logged at the highest severity.
	ErrComplianceViolation = errors.New("compliance violation")

	// ErrResourceExhausted marks capacity denials: pool empty, daily limit
	// reached, or unit busy. The attempt is deferred, not failed.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrDataIncomplete marks records missing fields an operation requires.
	ErrDataIncomplete = errors.New("data incomplete")
)
