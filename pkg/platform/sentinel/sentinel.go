package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and outbound clients return
// these (optionally wrapped) so the orchestrator and gateway can translate them
// into protocol result codes.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: session/ticket does not exist in the store
// - ErrExpired: session/ticket TTL has passed
// - ErrDeleted: record was explicitly deleted; writes must not resurrect it
// - ErrInvalidState: record in wrong state for the requested transition
// - ErrUnavailable: store or peer temporarily unreachable
//
// Trust-boundary violations (bad signature, server-id mismatch) never use
// these; they are rejected at the edge with a protocol result code.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrDeleted      = errors.New("deleted")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
