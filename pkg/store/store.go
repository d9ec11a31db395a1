// Copyright 2024-2026 Aiku AI

// Package store defines the persistence collaborators consumed by the sync
// engines: keyed mappings from remote entities to their Matrix counterparts.
// Implementations are simple keyed get/set/delete stores; all consistency
// guarantees live in the engines, which only touch a mapping inside its
// entity's critical section.
package store

import (
	"context"
	"errors"

	"maunium.net/go/mautrix/id"
)

// ErrNotFound is returned when a requested entry does not exist.
var ErrNotFound = errors.New("not found")

// RoomEntry is the persisted mapping from a remote room to a Matrix room.
// Created on first sync, replaced on every change, deleted only on explicit
// unbridge.
type RoomEntry struct {
	MXID     id.RoomID
	RoomID   string
	PuppetID int
	IsDirect bool

	Name       string
	Topic      string
	AvatarURL  string
	AvatarMXC  id.ContentURI
	AvatarHash string
	GroupID    string

	// OperatorMXID is the account holding elevated power in the room.
	// Invariant: always a currently-joined account.
	OperatorMXID id.UserID
}

// RoomEntryChange is a change-set applied to a RoomEntry. Nil fields are
// left untouched; Apply returns a new entry and never mutates the old one.
type RoomEntryChange struct {
	Name         *string
	Topic        *string
	AvatarURL    *string
	AvatarMXC    *id.ContentURI
	AvatarHash   *string
	GroupID      *string
	OperatorMXID *id.UserID
}

// Empty reports whether the change-set changes nothing.
func (c RoomEntryChange) Empty() bool {
	return c.Name == nil && c.Topic == nil && c.AvatarURL == nil &&
		c.AvatarMXC == nil && c.AvatarHash == nil && c.GroupID == nil &&
		c.OperatorMXID == nil
}

// Apply returns a copy of e with the change-set applied.
func (e RoomEntry) Apply(c RoomEntryChange) RoomEntry {
	if c.Name != nil {
		e.Name = *c.Name
	}
	if c.Topic != nil {
		e.Topic = *c.Topic
	}
	if c.AvatarURL != nil {
		e.AvatarURL = *c.AvatarURL
	}
	if c.AvatarMXC != nil {
		e.AvatarMXC = *c.AvatarMXC
	}
	if c.AvatarHash != nil {
		e.AvatarHash = *c.AvatarHash
	}
	if c.GroupID != nil {
		e.GroupID = *c.GroupID
	}
	if c.OperatorMXID != nil {
		e.OperatorMXID = *c.OperatorMXID
	}
	return e
}

// UserEntry is the persisted mapping from a remote user to its Matrix ghost.
type UserEntry struct {
	PuppetID  int
	UserID    string
	GhostMXID id.UserID

	Name       string
	AvatarURL  string
	AvatarMXC  id.ContentURI
	AvatarHash string
}

// UserEntryChange is a change-set applied to a UserEntry.
type UserEntryChange struct {
	Name       *string
	AvatarURL  *string
	AvatarMXC  *id.ContentURI
	AvatarHash *string
}

// Empty reports whether the change-set changes nothing.
func (c UserEntryChange) Empty() bool {
	return c.Name == nil && c.AvatarURL == nil && c.AvatarMXC == nil && c.AvatarHash == nil
}

// Apply returns a copy of e with the change-set applied.
func (e UserEntry) Apply(c UserEntryChange) UserEntry {
	if c.Name != nil {
		e.Name = *c.Name
	}
	if c.AvatarURL != nil {
		e.AvatarURL = *c.AvatarURL
	}
	if c.AvatarMXC != nil {
		e.AvatarMXC = *c.AvatarMXC
	}
	if c.AvatarHash != nil {
		e.AvatarHash = *c.AvatarHash
	}
	return e
}

// RoomOverrideEntry is a per-room profile override for a ghost. It is a child
// of both a user and a room and never outlives either parent.
type RoomOverrideEntry struct {
	PuppetID int
	UserID   string
	RoomID   string

	Name       string
	AvatarMXC  id.ContentURI
	AvatarHash string

	// SetByRemote marks overrides explicitly set by the remote protocol.
	// Overrides without it track the global profile and are reapplied with
	// the current global values after profile propagation.
	SetByRemote bool
}

// PuppetEntry describes one configured link between a local Matrix account
// and a remote-protocol login.
type PuppetEntry struct {
	PuppetID  int
	OwnerMXID id.UserID
	// UserID is the remote-protocol id of the login itself. A RemoteUser
	// matching it is double-puppeted through the owner's own client.
	UserID     string
	AutoInvite bool
}

// RoomStore persists room mappings.
type RoomStore interface {
	GetByRemote(ctx context.Context, puppetID int, roomID string) (*RoomEntry, error)
	GetByMXID(ctx context.Context, mxid id.RoomID) (*RoomEntry, error)
	GetAllForPuppet(ctx context.Context, puppetID int) ([]*RoomEntry, error)
	Set(ctx context.Context, entry *RoomEntry) error
	Delete(ctx context.Context, puppetID int, roomID string) error
}

// UserStore persists ghost mappings.
type UserStore interface {
	Get(ctx context.Context, puppetID int, userID string) (*UserEntry, error)
	GetByGhostMXID(ctx context.Context, mxid id.UserID) (*UserEntry, error)
	GetAllForPuppet(ctx context.Context, puppetID int) ([]*UserEntry, error)
	Set(ctx context.Context, entry *UserEntry) error
	Delete(ctx context.Context, puppetID int, userID string) error
}

// RoomOverrideStore persists per-room profile overrides.
type RoomOverrideStore interface {
	Get(ctx context.Context, puppetID int, userID, roomID string) (*RoomOverrideEntry, error)
	GetAllForUser(ctx context.Context, puppetID int, userID string) ([]*RoomOverrideEntry, error)
	Set(ctx context.Context, entry *RoomOverrideEntry) error
	DeleteAllForUser(ctx context.Context, puppetID int, userID string) error
	DeleteAllForRoom(ctx context.Context, puppetID int, roomID string) error
}

// PuppetStore lists the configured puppets.
type PuppetStore interface {
	Get(ctx context.Context, puppetID int) (*PuppetEntry, error)
	GetAll(ctx context.Context) ([]*PuppetEntry, error)
	Set(ctx context.Context, entry *PuppetEntry) error
}

// MediaStore maps upload fingerprints to Matrix content URIs. A fingerprint
// maps to exactly one uploaded reference.
type MediaStore interface {
	Get(ctx context.Context, fingerprint string) (id.ContentURI, error)
	Set(ctx context.Context, fingerprint string, mxc id.ContentURI) error
}

// Stores bundles the persistence collaborators the bridge consumes.
type Stores struct {
	Rooms     RoomStore
	Users     UserStore
	Overrides RoomOverrideStore
	Puppets   PuppetStore
	Media     MediaStore
}
