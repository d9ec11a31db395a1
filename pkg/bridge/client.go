// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixClient is the transport collaborator: one authenticated Matrix
// account (the bridge bot, a ghost, or a double-puppeted user) performing
// calls against the homeserver. Implementations live outside the sync core;
// pkg/matrix provides one over *mautrix.Client and tests inject mocks.
type MatrixClient interface {
	UserID() id.UserID

	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) error
	GetStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, into any) error

	EnsureJoined(ctx context.Context, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)

	SetDisplayName(ctx context.Context, name string) error
	SetAvatarURL(ctx context.Context, mxc id.ContentURI) error

	UploadMedia(ctx context.Context, data []byte, mimeType, filename string) (id.ContentURI, error)
	DeleteAlias(ctx context.Context, alias id.RoomAlias) error
}

// ClientProvider mints MatrixClients for the accounts the bridge acts as.
type ClientProvider interface {
	// Bot returns the bridge's default account.
	Bot() MatrixClient
	// Ghost returns a client acting as the given ghost user.
	Ghost(mxid id.UserID) MatrixClient
	// Puppet returns the owner's own authenticated client for
	// double-puppeting, or nil if none is available for that account.
	Puppet(ctx context.Context, owner id.UserID) (MatrixClient, error)
}

// isForbidden reports whether err is a Matrix M_FORBIDDEN response.
func isForbidden(err error) bool {
	return errors.Is(err, mautrix.MForbidden)
}
