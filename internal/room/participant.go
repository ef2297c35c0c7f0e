package room

import (
	"fmt"

	"github.com/cory-johannsen/huddle/internal/rpc"
)

// LocationKind enumerates where a remote participant currently is relative
// to shared projects.
type LocationKind int

const (
	// LocationExternal means the participant is outside any project.
	LocationExternal LocationKind = iota
	// LocationSharedProject means the participant is in a project shared
	// with the room.
	LocationSharedProject
	// LocationUnsharedProject means the participant is in a project they
	// have not shared.
	LocationUnsharedProject
)

func (k LocationKind) String() string {
	switch k {
	case LocationExternal:
		return "external"
	case LocationSharedProject:
		return "shared project"
	case LocationUnsharedProject:
		return "unshared project"
	default:
		return "unknown"
	}
}

// ParticipantLocation is a parsed participant location. ProjectID is
// meaningful only when Kind is LocationSharedProject.
type ParticipantLocation struct {
	Kind      LocationKind
	ProjectID rpc.ProjectID
}

// parseLocation converts a wire location into its domain form.
//
// Postcondition: Returns ErrInvalidLocation for an unrecognized kind tag.
func parseLocation(loc rpc.LocationSnapshot) (ParticipantLocation, error) {
	switch loc.Kind {
	case rpc.LocationExternal:
		return ParticipantLocation{Kind: LocationExternal}, nil
	case rpc.LocationSharedProject:
		return ParticipantLocation{Kind: LocationSharedProject, ProjectID: loc.ProjectID}, nil
	case rpc.LocationUnsharedProject:
		return ParticipantLocation{Kind: LocationUnsharedProject}, nil
	default:
		return ParticipantLocation{}, fmt.Errorf("%w: tag %q", ErrInvalidLocation, loc.Kind)
	}
}

// LocalParticipant tracks the state the local process owns outright: which
// projects the local user shares, which one they are looking at, and their
// mute flag. Remote-visible consequences of changing any of these arrive
// back through pushed snapshots.
type LocalParticipant struct {
	Projects      map[rpc.ProjectID]struct{}
	ActiveProject *rpc.ProjectID
	Muted         bool
}

// RemoteParticipant is another user present in the room, keyed in the
// registry by their per-connection PeerID.
type RemoteParticipant struct {
	UserID   rpc.UserID
	Projects map[rpc.ProjectID]struct{}
	Location ParticipantLocation
}
