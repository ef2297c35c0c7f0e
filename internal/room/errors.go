package room

import (
	"errors"
	"fmt"
)

// ErrRoomOffline is returned by any session operation invoked after the
// room has transitioned to Offline. Calling Leave twice reports it rather
// than panicking.
var ErrRoomOffline = errors.New("room is offline")

// ErrSignaling wraps transport failures for create, join, invite, and the
// other signaling requests. Session state is unchanged when it is returned.
var ErrSignaling = errors.New("signaling request failed")

// ErrInvalidRoomState indicates a join response or push notification that
// lacked the required room snapshot. Nothing is mutated when it is returned.
var ErrInvalidRoomState = errors.New("invalid room state")

// ErrInvalidLocation indicates a participant record with an unrecognized
// location tag. The snapshot carrying it is rejected as a whole.
var ErrInvalidLocation = errors.New("invalid participant location")

func signalingError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSignaling, op, err)
}
