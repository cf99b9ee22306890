package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyPeers is an admission rejection; the connection was never committed.
	ErrTooManyPeers = errors.New("too many peers")
	// ErrSocket is a peer address or low-level socket fault.
	ErrSocket = errors.New("socket error")
	// ErrPermanentlyDrained means the remote closed the connection cleanly.
	ErrPermanentlyDrained = errors.New("connection permanently drained")
	// ErrInvalidMessage means the peer sent bytes that cannot be parsed.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrPollFailed means the readiness batch itself could not be absorbed.
	ErrPollFailed = errors.New("poll failed")
)

// AlreadyConnectedError is returned by Connect when a free conversation to the
// same URL exists. It is a reuse signal, not a failure.
type AlreadyConnectedError struct {
	ID ConnID
}

func (e *AlreadyConnectedError) Error() string {
	return fmt.Sprintf("already connected as event %d", e.ID)
}
