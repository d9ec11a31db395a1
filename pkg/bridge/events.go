// Copyright 2024-2026 Aiku AI

package bridge

import "maunium.net/go/mautrix/id"

// EventKind enumerates the closed set of notifications the bridge publishes.
type EventKind int

const (
	EventRoomCreated EventKind = iota + 1
	EventRoomDeleted
	EventGhostCreated
	EventGhostDeleted
	EventProfileUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventRoomCreated:
		return "room_created"
	case EventRoomDeleted:
		return "room_deleted"
	case EventGhostCreated:
		return "ghost_created"
	case EventGhostDeleted:
		return "ghost_deleted"
	case EventProfileUpdated:
		return "profile_updated"
	default:
		return "unknown"
	}
}

// Event is a cross-cutting notification about a sync outcome. Consumers read
// them from Bridge.Events; publication never blocks reconciliation — if no
// consumer keeps up the event is dropped with a warning.
type Event struct {
	Kind     EventKind
	PuppetID int
	// RemoteID is the remote room or user id the event concerns.
	RemoteID string
	// RoomMXID is set for room events.
	RoomMXID id.RoomID
	// GhostMXID is set for ghost events.
	GhostMXID id.UserID
}

// Events returns the bridge's notification channel.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

func (b *Bridge) publish(evt Event) {
	select {
	case b.events <- evt:
	default:
		b.log.Warn().Str("kind", evt.Kind.String()).
			Int("puppet_id", evt.PuppetID).Str("remote_id", evt.RemoteID).
			Msg("Event channel full, dropping event")
	}
}
