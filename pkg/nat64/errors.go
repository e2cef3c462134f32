package nat64

import "errors"

// Error kinds the engine surfaces. Callers classify with errors.Is.
var (
	// ErrNotFound reports a 4-to-6 lookup miss, a find miss, or a
	// removal of an entry that does not exist.
	ErrNotFound = errors.New("no such entry")

	// ErrExists reports a static-add collision.
	ErrExists = errors.New("entry already exists")

	// ErrNoFreeAddress reports an exhausted pool4 mask domain.
	ErrNoFreeAddress = errors.New("no free IPv4 transport address")

	// ErrForbidden reports an address-dependent filtering refusal or an
	// externally-initiated TCP refusal.
	ErrForbidden = errors.New("filtering policy forbids this packet")

	// ErrNoSpace reports a full packet queue.
	ErrNoSpace = errors.New("too many stored packets")

	// ErrStolen is the sentinel for packet ownership transfer: the
	// engine now holds the buffer and the caller must neither forward
	// nor reuse it.
	ErrStolen = errors.New("packet stored by the session database")

	// ErrInvalid reports a state machine refusal, an unsupported
	// protocol, or malformed input.
	ErrInvalid = errors.New("invalid input")
)
