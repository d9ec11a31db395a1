// Copyright 2024-2026 Aiku AI

package bridge

import "context"

// RemoteProfile is an observed name/avatar pair from the remote protocol.
// Nil fields mean "not reported", which is distinct from an empty value:
// an explicit empty string clears the field.
type RemoteProfile struct {
	Name      *string
	AvatarURL *string
	// AvatarBytes carries raw avatar content for protocols that hand the
	// bridge bytes instead of a locator. Takes precedence over AvatarURL.
	AvatarBytes []byte
}

// RemoteUser describes a remote-protocol account scoped to a puppet.
type RemoteUser struct {
	PuppetID int
	UserID   string

	Name        *string
	AvatarURL   *string
	AvatarBytes []byte

	// RoomOverrides are per-room profile overrides keyed by remote room id.
	RoomOverrides map[string]RemoteProfile
}

// Profile returns the user's global profile fields.
func (u RemoteUser) Profile() RemoteProfile {
	return RemoteProfile{Name: u.Name, AvatarURL: u.AvatarURL, AvatarBytes: u.AvatarBytes}
}

// RemoteRoom describes a remote conversation scoped to a puppet.
type RemoteRoom struct {
	PuppetID int
	RoomID   string
	IsDirect bool

	Name        *string
	Topic       *string
	AvatarURL   *string
	AvatarBytes []byte

	GroupID     *string
	ExternalURL *string
}

// Profile returns the room's name/avatar fields.
func (r RemoteRoom) Profile() RemoteProfile {
	return RemoteProfile{Name: r.Name, AvatarURL: r.AvatarURL, AvatarBytes: r.AvatarBytes}
}

// Hooks are optional integrator callbacks that may enrich a remote entity
// before the bridge creates its Matrix counterpart. A hook may rewrite any
// field except the (puppetID, remoteID) identity pair; a rewrite that
// changes the pair is discarded with a warning. Nil hooks are skipped —
// presence is checked explicitly.
type Hooks struct {
	CreateRoom func(ctx context.Context, room RemoteRoom) (*RemoteRoom, error)
	CreateUser func(ctx context.Context, user RemoteUser) (*RemoteUser, error)
}
