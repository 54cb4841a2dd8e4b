package oob

import (
	"errors"
	"fmt"
)

var (
	// ErrAddressExhausted completes sends to a peer whose every address
	// ran out of connect attempts.
	ErrAddressExhausted = errors.New("oob: all peer addresses exhausted")

	// ErrProtocolMismatch is reported when the remote side runs a
	// different protocol version.
	ErrProtocolMismatch = errors.New("oob: protocol version mismatch")

	// ErrHandshakeRace marks a connection dropped by the simultaneous
	// connect tie-break. It is logged, never passed to a send completion.
	ErrHandshakeRace = errors.New("oob: simultaneous connect lost tie-break")

	// ErrSocketIO wraps an OS-level read or write failure.
	ErrSocketIO = errors.New("oob: socket i/o")

	// ErrOversizedMessage is returned for payloads above max_msg_size.
	ErrOversizedMessage = errors.New("oob: message exceeds max size")

	// ErrShutdown completes every send still pending when the transport stops.
	ErrShutdown = errors.New("oob: transport shut down")

	// ErrNoRoute means no address is known for the peer and the contact
	// directory had none either.
	ErrNoRoute = errors.New("oob: no route to peer")
)

// SendError is passed to a send completion when delivery failed. It
// unwraps to one of the sentinel errors above.
type SendError struct {
	Peer Identity
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("oob send to %s: %v", e.Peer, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// socketErr tags an I/O failure with ErrSocketIO while keeping the
// underlying error reachable through errors.Is.
func socketErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSocketIO, op, err)
}
