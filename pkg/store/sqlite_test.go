// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

func newTestSQLite(t *testing.T) Stores {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "bridge.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s.Stores()
}

func TestSQLiteRoomRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := newTestSQLite(t)

	entry := &RoomEntry{
		MXID:         id.RoomID("!abc:example.org"),
		RoomID:       "chan1",
		PuppetID:     3,
		IsDirect:     false,
		Name:         "Channel One",
		Topic:        "the topic",
		AvatarURL:    "https://remote/avatar.png",
		AvatarMXC:    id.ContentURI{Homeserver: "example.org", FileID: "av1"},
		AvatarHash:   "hash1",
		GroupID:      "grp",
		OperatorMXID: id.UserID("@_bridge_3_op:example.org"),
	}
	if err := stores.Rooms.Set(ctx, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := stores.Rooms.GetByRemote(ctx, 3, "chan1")
	if err != nil {
		t.Fatalf("GetByRemote: %v", err)
	}
	if *got != *entry {
		t.Errorf("GetByRemote: got %+v, want %+v", got, entry)
	}

	byMXID, err := stores.Rooms.GetByMXID(ctx, entry.MXID)
	if err != nil {
		t.Fatalf("GetByMXID: %v", err)
	}
	if byMXID.RoomID != "chan1" {
		t.Errorf("GetByMXID: RoomID = %q, want %q", byMXID.RoomID, "chan1")
	}
}

func TestSQLiteRoomUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := newTestSQLite(t)

	entry := &RoomEntry{MXID: "!r:x", RoomID: "r", PuppetID: 1, Name: "old"}
	if err := stores.Rooms.Set(ctx, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}
	updated := entry.Apply(RoomEntryChange{Name: strPtr("new")})
	if err := stores.Rooms.Set(ctx, &updated); err != nil {
		t.Fatalf("Set (update): %v", err)
	}
	got, err := stores.Rooms.GetByRemote(ctx, 1, "r")
	if err != nil {
		t.Fatalf("GetByRemote: %v", err)
	}
	if got.Name != "new" {
		t.Errorf("after upsert: Name = %q, want %q", got.Name, "new")
	}
}

func TestSQLiteUserAndOverrides(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := newTestSQLite(t)

	user := &UserEntry{
		PuppetID:  1,
		UserID:    "alice",
		GhostMXID: id.UserID("@_bridge_1_alice:example.org"),
		Name:      "Alice",
	}
	if err := stores.Users.Set(ctx, user); err != nil {
		t.Fatalf("Users.Set: %v", err)
	}
	got, err := stores.Users.GetByGhostMXID(ctx, user.GhostMXID)
	if err != nil {
		t.Fatalf("GetByGhostMXID: %v", err)
	}
	if got.UserID != "alice" {
		t.Errorf("GetByGhostMXID: UserID = %q, want %q", got.UserID, "alice")
	}

	override := &RoomOverrideEntry{PuppetID: 1, UserID: "alice", RoomID: "r1", Name: "Alice (work)", SetByRemote: true}
	if err := stores.Overrides.Set(ctx, override); err != nil {
		t.Fatalf("Overrides.Set: %v", err)
	}
	o, err := stores.Overrides.Get(ctx, 1, "alice", "r1")
	if err != nil {
		t.Fatalf("Overrides.Get: %v", err)
	}
	if !o.SetByRemote || o.Name != "Alice (work)" {
		t.Errorf("Overrides.Get: got %+v", o)
	}

	if err := stores.Users.Delete(ctx, 1, "alice"); err != nil {
		t.Fatalf("Users.Delete: %v", err)
	}
	if _, err := stores.Users.Get(ctx, 1, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Users.Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestSQLitePuppets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := newTestSQLite(t)

	p := &PuppetEntry{PuppetID: 7, OwnerMXID: id.UserID("@owner:example.org"), UserID: "remote-self", AutoInvite: true}
	if err := stores.Puppets.Set(ctx, p); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := stores.Puppets.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *p {
		t.Errorf("Get: got %+v, want %+v", got, p)
	}
	all, err := stores.Puppets.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("GetAll: got %d puppets, want 1", len(all))
	}
}

func TestSQLiteMedia(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := newTestSQLite(t)

	mxc := id.ContentURI{Homeserver: "example.org", FileID: "m1"}
	if err := stores.Media.Set(ctx, "digest:abc", mxc); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := stores.Media.Get(ctx, "digest:abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != mxc {
		t.Errorf("Get: got %v, want %v", got, mxc)
	}
	if _, err := stores.Media.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: got %v, want ErrNotFound", err)
	}
}
