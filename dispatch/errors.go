package dispatch

import "errors"

var (
	// ErrNoEligibleBombers is returned when an allocation finds an empty
	// collector pool. Callers treat it as a logged no-op, not a failure.
	ErrNoEligibleBombers = errors.New("no eligible bombers for allocation")

	// ErrNoOpenEntry is returned when a ledger close finds no open interval
	// for the (application, bomber) pair.
	ErrNoOpenEntry = errors.New("no open ledger entry for application")

	// ErrStaleVersion is returned when an optimistic-lock write finds the
	// application row changed since it was read.
	ErrStaleVersion = errors.New("application version changed concurrently")

	// ErrCaseNotFound is returned when an application id does not exist.
	ErrCaseNotFound = errors.New("application not found")
)
