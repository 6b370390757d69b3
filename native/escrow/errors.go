package escrow

import "errors"

// Typed validation outcomes returned by the engine. These are deterministic
// results of precondition checks, not transient faults; retrying with the same
// arguments yields the same error until time passes or another party acts.
var (
	// ErrInvalidAmount rejects creation with a non-positive amount or one
	// that does not fit a signed 128-bit integer.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrEscrowExists rejects an identifier collision instead of overwriting.
	ErrEscrowExists = errors.New("escrow: escrow already exists")
	// ErrEscrowNotFound is returned when the identifier has no record.
	ErrEscrowNotFound = errors.New("escrow: escrow not found")
	// ErrInvalidStatus rejects a transition that is not legal from the
	// record's current status.
	ErrInvalidStatus = errors.New("escrow: invalid status")
	// ErrInvalidSecret rejects a completion whose preimage does not hash to
	// the stored lock.
	ErrInvalidSecret = errors.New("escrow: invalid secret")
	// ErrTimelockExpired rejects a completion attempted after the time lock.
	ErrTimelockExpired = errors.New("escrow: timelock expired")
	// ErrTimelockNotExpired rejects a refund attempted at or before the time
	// lock.
	ErrTimelockNotExpired = errors.New("escrow: timelock not expired")
)

// ErrUnauthorized is the distinct rejection for callers that fail identity
// authorization. It aborts the operation before any state is mutated and is
// deliberately not part of the validation taxonomy above.
var ErrUnauthorized = errors.New("escrow: unauthorized")
