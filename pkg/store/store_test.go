// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"errors"
	"testing"

	"maunium.net/go/mautrix/id"
)

func strPtr(s string) *string { return &s }

func TestRoomEntryChangeEmpty(t *testing.T) {
	t.Parallel()
	if !(RoomEntryChange{}).Empty() {
		t.Error("zero RoomEntryChange: Empty() = false, want true")
	}
	if (RoomEntryChange{Name: strPtr("x")}).Empty() {
		t.Error("RoomEntryChange with name: Empty() = true, want false")
	}
}

func TestRoomEntryApplyDoesNotMutateOriginal(t *testing.T) {
	t.Parallel()
	orig := RoomEntry{PuppetID: 1, RoomID: "chan", Name: "old", Topic: "t"}
	op := id.UserID("@op:example.org")
	next := orig.Apply(RoomEntryChange{Name: strPtr("new"), OperatorMXID: &op})

	if orig.Name != "old" {
		t.Errorf("original mutated: Name = %q, want %q", orig.Name, "old")
	}
	if next.Name != "new" {
		t.Errorf("applied entry: Name = %q, want %q", next.Name, "new")
	}
	if next.Topic != "t" {
		t.Errorf("applied entry: Topic = %q, want %q (untouched)", next.Topic, "t")
	}
	if next.OperatorMXID != op {
		t.Errorf("applied entry: OperatorMXID = %q, want %q", next.OperatorMXID, op)
	}
}

func TestUserEntryApply(t *testing.T) {
	t.Parallel()
	mxc := id.ContentURI{Homeserver: "example.org", FileID: "abc"}
	orig := UserEntry{PuppetID: 3, UserID: "alice", Name: "Alice"}
	next := orig.Apply(UserEntryChange{AvatarMXC: &mxc, AvatarHash: strPtr("h1")})

	if next.Name != "Alice" {
		t.Errorf("Name changed unexpectedly: got %q", next.Name)
	}
	if next.AvatarMXC != mxc {
		t.Errorf("AvatarMXC: got %v, want %v", next.AvatarMXC, mxc)
	}
	if orig.AvatarHash != "" {
		t.Errorf("original mutated: AvatarHash = %q", orig.AvatarHash)
	}
}

func TestMemoryRoomsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := NewMemory()

	entry := &RoomEntry{
		MXID:     id.RoomID("!abc:example.org"),
		RoomID:   "chan1",
		PuppetID: 3,
		Name:     "Channel One",
	}
	if err := stores.Rooms.Set(ctx, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := stores.Rooms.GetByRemote(ctx, 3, "chan1")
	if err != nil {
		t.Fatalf("GetByRemote: %v", err)
	}
	if got.MXID != entry.MXID || got.Name != entry.Name {
		t.Errorf("GetByRemote: got %+v, want %+v", got, entry)
	}

	byMXID, err := stores.Rooms.GetByMXID(ctx, entry.MXID)
	if err != nil {
		t.Fatalf("GetByMXID: %v", err)
	}
	if byMXID.RoomID != "chan1" || byMXID.PuppetID != 3 {
		t.Errorf("GetByMXID: got (%d, %q), want (3, %q)", byMXID.PuppetID, byMXID.RoomID, "chan1")
	}

	if err := stores.Rooms.Delete(ctx, 3, "chan1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := stores.Rooms.GetByRemote(ctx, 3, "chan1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByRemote after delete: got %v, want ErrNotFound", err)
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := NewMemory()

	entry := &RoomEntry{MXID: "!r:x", RoomID: "r", PuppetID: 1, Name: "a"}
	if err := stores.Rooms.Set(ctx, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, _ := stores.Rooms.GetByRemote(ctx, 1, "r")
	got.Name = "mutated"
	again, _ := stores.Rooms.GetByRemote(ctx, 1, "r")
	if again.Name != "a" {
		t.Errorf("stored entry mutated through returned copy: Name = %q", again.Name)
	}
}

func TestMemoryOverridesParentScopedDeletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := NewMemory()

	for _, o := range []*RoomOverrideEntry{
		{PuppetID: 1, UserID: "u1", RoomID: "r1", Name: "a"},
		{PuppetID: 1, UserID: "u1", RoomID: "r2", Name: "b"},
		{PuppetID: 1, UserID: "u2", RoomID: "r1", Name: "c"},
	} {
		if err := stores.Overrides.Set(ctx, o); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	if err := stores.Overrides.DeleteAllForRoom(ctx, 1, "r1"); err != nil {
		t.Fatalf("DeleteAllForRoom: %v", err)
	}
	left, err := stores.Overrides.GetAllForUser(ctx, 1, "u1")
	if err != nil {
		t.Fatalf("GetAllForUser: %v", err)
	}
	if len(left) != 1 || left[0].RoomID != "r2" {
		t.Errorf("after DeleteAllForRoom: got %d overrides for u1, want only r2", len(left))
	}

	if err := stores.Overrides.DeleteAllForUser(ctx, 1, "u1"); err != nil {
		t.Fatalf("DeleteAllForUser: %v", err)
	}
	left, _ = stores.Overrides.GetAllForUser(ctx, 1, "u1")
	if len(left) != 0 {
		t.Errorf("after DeleteAllForUser: got %d overrides, want 0", len(left))
	}
}

func TestMemoryMedia(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := NewMemory()

	mxc := id.ContentURI{Homeserver: "example.org", FileID: "media1"}
	if err := stores.Media.Set(ctx, "fp1", mxc); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := stores.Media.Get(ctx, "fp1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != mxc {
		t.Errorf("Get: got %v, want %v", got, mxc)
	}
	if _, err := stores.Media.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: got %v, want ErrNotFound", err)
	}
}
