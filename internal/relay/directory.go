package relay

import (
	"context"
	"strings"
)

// RoomInfo is what the relay needs to know about a room before admitting.
type RoomInfo struct {
	ID       string
	Capacity int
	Public   bool
}

// Directory resolves a room id or join code. Implementations return an error
// wrapping ErrRoomNotFound for unknown rooms.
type Directory interface {
	Lookup(ctx context.Context, roomID string) (RoomInfo, error)
}

// OpenDirectory admits any non-empty room id with a fixed capacity. Rooms are
// created on first join.
type OpenDirectory struct {
	Capacity int
}

func (d OpenDirectory) Lookup(_ context.Context, roomID string) (RoomInfo, error) {
	id := strings.TrimSpace(roomID)
	if id == "" {
		return RoomInfo{}, ErrRoomNotFound
	}
	return RoomInfo{ID: id, Capacity: d.Capacity}, nil
}

// IdentityResolver looks up the display name registered for a durable user.
// An empty name with a nil error means none is registered.
type IdentityResolver interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Presence mirrors room membership to an external store.
type Presence interface {
	AddPeer(ctx context.Context, roomID, participantID string) error
	RemovePeer(ctx context.Context, roomID, participantID string) error
}
