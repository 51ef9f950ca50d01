package relay

import "errors"

// Error kinds reported back to the originating connection. None of them
// is fatal: the connection stays open and may retry.
var (
	// ErrUnauthenticated is returned for actions attempted before an identity was set
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrInvalidIdentity is returned for an empty, oversized or unverifiable identity
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrInvalidTarget is returned for self-targeting, an empty counterpart or bad message text
	ErrInvalidTarget = errors.New("invalid target")
)
