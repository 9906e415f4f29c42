package machine

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSessionAvailable is returned when a pairwise encryption has no
	// established session with the target device. A key claim request is
	// queued as a side effect; the operation can be retried once it is
	// answered.
	ErrNoSessionAvailable = errors.New("no pairwise session available")

	// ErrReplayDetected is returned when a message reuses an already
	// consumed ratchet step or group message index.
	ErrReplayDetected = errors.New("replay detected")

	// ErrUnknownSession is returned when a group message references a
	// session this device does not hold. A key request is queued as a
	// side effect.
	ErrUnknownSession = errors.New("unknown group session")

	// ErrUntrustedDevice is returned when policy forbids sending key
	// material to the target device.
	ErrUntrustedDevice = errors.New("device not trusted for key sharing")

	// ErrVerificationMismatch is returned when the user reports the short
	// auth codes do not match. The flow is cancelled.
	ErrVerificationMismatch = errors.New("verification codes do not match")

	// ErrUnexpectedMessage is returned when a verification flow receives
	// a message that does not fit its current state. The flow is
	// cancelled.
	ErrUnexpectedMessage = errors.New("unexpected verification message")

	// ErrUnknownFlow is returned when a verification operation references
	// a flow id the machine does not track.
	ErrUnknownFlow = errors.New("unknown verification flow")

	// ErrMachinePoisoned is returned by every operation after the machine
	// failed to persist critical state and can no longer guarantee its
	// invariants.
	ErrMachinePoisoned = errors.New("machine poisoned by unrecoverable storage failure")
)

// StoreFailure wraps an error from the storage capability. Callers can
// unwrap it to get at the underlying cause.
type StoreFailure struct {
	Op  string
	Err error
}

func (e StoreFailure) Error() string {
	return fmt.Sprintf("store failure in %s: %v", e.Op, e.Err)
}

func (e StoreFailure) Unwrap() error {
	return e.Err
}

// Is recognizes other StoreFailure instances regardless of op and cause.
func (e StoreFailure) Is(target error) bool {
	_, ok := target.(StoreFailure)
	return ok
}

func storeErr(op string, err error) error {
	return StoreFailure{Op: op, Err: err}
}
