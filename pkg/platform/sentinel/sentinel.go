package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Submission stores and the registry
// client return these (optionally wrapped) so services can translate them into
// domain errors.
//
// These describe the state of a resource, not bad input:
// - ErrNotFound: record does not exist in the store or at the registry
// - ErrConflict: a live record already owns the key
// - ErrInvalidState: record is in the wrong lifecycle state for the write
// - ErrUnavailable: dependency temporarily refusing calls
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
