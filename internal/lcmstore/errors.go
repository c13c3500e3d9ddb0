package lcmstore

import "errors"

// Sentinel errors shared across the store, engine, and facade packages.
// Each layer wraps these with fmt.Errorf("...: %w", err) so callers can
// still recover the semantic kind via errors.Is.
var (
	ErrSessionNotFound      = errors.New("lcm: session not found")
	ErrConversationNotFound = errors.New("lcm: conversation not found")
	ErrMissingTokenBudget   = errors.New("lcm: missing token budget")
	ErrDuplicateSeq         = errors.New("lcm: duplicate seq")
	ErrInvariantViolation   = errors.New("lcm: invariant violation")
	ErrTransportFailure     = errors.New("lcm: transport failure")
	ErrSummaryNotFound      = errors.New("lcm: summary not found")
	ErrLargeFileNotFound    = errors.New("lcm: large file not found")
)
