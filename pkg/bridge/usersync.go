// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mxpuppet/pkg/keyedlock"
	"github.com/aiku/mxpuppet/pkg/store"
)

// UserSync reconciles remote users against persisted ghost mappings. All
// operations for the same (puppetID, userID) are mutually exclusive. The
// critical section covers the store read and write; displayname and avatar
// writes to the homeserver, like per-room override propagation, run as
// background tasks after it releases.
type UserSync struct {
	b    *Bridge
	lock *keyedlock.Lock
	log  zerolog.Logger
}

func newUserSync(b *Bridge) *UserSync {
	log := b.log.With().Str("component", "usersync").Logger()
	return &UserSync{
		b:    b,
		lock: keyedlock.New(b.cfg.LockTimeout(), log),
		log:  log,
	}
}

// UserParts identifies a remote user recovered from a ghost Matrix id.
type UserParts struct {
	PuppetID int
	UserID   string
}

func (u *UserSync) formatName(puppetID int, userID string) func(string) string {
	return func(name string) string {
		return u.b.cfg.FormatDisplayname(DisplaynameParams{Name: name, UserID: userID, PuppetID: puppetID})
	}
}

// GetClient resolves a remote user to the client that speaks for them on
// Matrix, creating the ghost account mapping on first sight and reconciling
// the profile on every call. A remote user matching the puppet's own login
// is double-puppeted through the owner's client instead of getting a ghost.
func (u *UserSync) GetClient(ctx context.Context, user RemoteUser) (MatrixClient, error) {
	if puppet, err := u.b.stores.Puppets.Get(ctx, user.PuppetID); err == nil && puppet.UserID == user.UserID {
		client, err := u.b.clients.Puppet(ctx, puppet.OwnerMXID)
		if err != nil {
			u.log.Warn().Err(err).Int("puppet_id", user.PuppetID).
				Msg("Failed to get double-puppet client, falling back to ghost")
		} else if client != nil {
			return client, nil
		}
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up puppet: %w", err)
	}

	ticket, err := u.lock.WaitAndSet(ctx, lockKey(user.PuppetID, user.UserID))
	if err != nil {
		return nil, err
	}
	released := false
	release := func() {
		if !released {
			released = true
			u.lock.Release(ticket)
		}
	}
	defer release()

	entry, err := u.b.stores.Users.Get(ctx, user.PuppetID, user.UserID)
	if errors.Is(err, store.ErrNotFound) {
		entry = nil
	} else if err != nil {
		return nil, fmt.Errorf("looking up ghost mapping: %w", err)
	}

	if entry == nil {
		return u.create(ctx, user, release)
	}
	return u.update(ctx, user, entry, release)
}

// create registers the ghost for an unmapped remote user. Called with the
// user's lock held.
func (u *UserSync) create(ctx context.Context, user RemoteUser, release func()) (MatrixClient, error) {
	user = u.applyCreateHook(ctx, user)

	ghostMXID := u.b.cfg.GhostMXID(user.PuppetID, user.UserID)
	ghost := u.b.clients.Ghost(ghostMXID)

	change, err := reconcileProfile(ctx, u.b.media, ghost, profileState{}, user.Profile(),
		u.formatName(user.PuppetID, user.UserID))
	if err != nil {
		return nil, fmt.Errorf("reconciling ghost profile: %w", err)
	}

	entry := store.UserEntry{
		PuppetID:  user.PuppetID,
		UserID:    user.UserID,
		GhostMXID: ghostMXID,
	}
	entry = entry.Apply(store.UserEntryChange{
		Name:       change.Name,
		AvatarURL:  change.AvatarURL,
		AvatarMXC:  change.AvatarMXC,
		AvatarHash: change.AvatarHash,
	})
	if err := u.b.stores.Users.Set(ctx, &entry); err != nil {
		return nil, fmt.Errorf("persisting ghost mapping: %w", err)
	}

	u.log.Info().Int("puppet_id", user.PuppetID).Str("user_id", user.UserID).
		Str("ghost", ghostMXID.String()).Msg("Created ghost")

	release()
	u.b.publish(Event{Kind: EventGhostCreated, PuppetID: user.PuppetID, RemoteID: user.UserID, GhostMXID: ghostMXID})
	if !change.empty() {
		bgCtx := context.WithoutCancel(ctx)
		u.b.tasks.Go("profile-write", func() error {
			return writeProfile(bgCtx, ghost, change)
		})
	}
	if len(user.RoomOverrides) > 0 {
		u.dispatchOverrideSync(ctx, user)
	}
	return ghost, nil
}

// update reconciles an already-mapped ghost. Called with the user's lock
// held; persists only if something changed. The homeserver writes run as one
// background task after release, on the snapshot persisted here.
func (u *UserSync) update(ctx context.Context, user RemoteUser, entry *store.UserEntry, release func()) (MatrixClient, error) {
	ghost := u.b.clients.Ghost(entry.GhostMXID)

	stored := profileState{Name: entry.Name, AvatarURL: entry.AvatarURL, AvatarHash: entry.AvatarHash}
	change, err := reconcileProfile(ctx, u.b.media, ghost, stored, user.Profile(),
		u.formatName(user.PuppetID, user.UserID))
	if err != nil {
		return nil, fmt.Errorf("reconciling ghost profile: %w", err)
	}

	applied := *entry
	if !change.empty() {
		applied = entry.Apply(store.UserEntryChange{
			Name:       change.Name,
			AvatarURL:  change.AvatarURL,
			AvatarMXC:  change.AvatarMXC,
			AvatarHash: change.AvatarHash,
		})
		if err := u.b.stores.Users.Set(ctx, &applied); err != nil {
			return nil, fmt.Errorf("persisting ghost mapping: %w", err)
		}
	}

	release()
	if !change.empty() {
		u.b.publish(Event{Kind: EventProfileUpdated, PuppetID: user.PuppetID, RemoteID: user.UserID, GhostMXID: entry.GhostMXID})
		u.dispatchProfilePropagation(ctx, ghost, change, applied)
	}
	if len(user.RoomOverrides) > 0 {
		u.dispatchOverrideSync(ctx, user)
	}
	return ghost, nil
}

// writeProfile pushes a profile change to the ghost's homeserver account.
func writeProfile(ctx context.Context, ghost MatrixClient, change profileChange) error {
	var errs []error
	if change.Name != nil {
		if err := ghost.SetDisplayName(ctx, *change.Name); err != nil {
			errs = append(errs, fmt.Errorf("setting ghost displayname: %w", err))
		}
	}
	if change.AvatarMXC != nil {
		if err := ghost.SetAvatarURL(ctx, *change.AvatarMXC); err != nil {
			errs = append(errs, fmt.Errorf("setting ghost avatar: %w", err))
		}
	}
	return errors.Join(errs...)
}

// applyCreateHook runs the optional creation hook. A hook result that
// changes the (puppetID, userID) identity is discarded with a warning.
func (u *UserSync) applyCreateHook(ctx context.Context, user RemoteUser) RemoteUser {
	if u.b.hooks.CreateUser == nil {
		return user
	}
	updated, err := u.b.hooks.CreateUser(ctx, user)
	if err != nil {
		u.log.Warn().Err(err).Int("puppet_id", user.PuppetID).Str("user_id", user.UserID).
			Msg("Create-user hook failed, keeping original data")
		return user
	}
	if updated == nil {
		return user
	}
	if updated.PuppetID != user.PuppetID || updated.UserID != user.UserID {
		u.log.Warn().Int("puppet_id", user.PuppetID).Str("user_id", user.UserID).
			Int("hook_puppet_id", updated.PuppetID).Str("hook_user_id", updated.UserID).
			Msg("Create-user hook changed the user identity, discarding override")
		return user
	}
	return *updated
}

// MaybeGetClient returns the ghost client for a remote user without creating
// anything. It still waits on the user's lock, so an in-flight creation is
// observed rather than missed. Returns nil when no mapping exists.
func (u *UserSync) MaybeGetClient(ctx context.Context, puppetID int, userID string) (MatrixClient, error) {
	if err := u.lock.Wait(ctx, lockKey(puppetID, userID)); err != nil {
		return nil, err
	}
	entry, err := u.b.stores.Users.Get(ctx, puppetID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up ghost mapping: %w", err)
	}
	return u.b.clients.Ghost(entry.GhostMXID), nil
}

// GetPuppetClient returns the double-puppet client of the puppet's owner, or
// nil when the puppet is unknown or the owner has no usable client.
func (u *UserSync) GetPuppetClient(ctx context.Context, puppetID int) (MatrixClient, error) {
	entry, err := u.b.stores.Puppets.Get(ctx, puppetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up puppet: %w", err)
	}
	return u.b.clients.Puppet(ctx, entry.OwnerMXID)
}

// GetPartsFromMXID recovers the (puppetID, userID) behind a ghost Matrix id.
// Returns nil for ids outside the ghost namespace.
func (u *UserSync) GetPartsFromMXID(ctx context.Context, mxid id.UserID) (*UserParts, error) {
	if puppetID, userID, ok := u.b.cfg.ParseGhostMXID(mxid); ok {
		return &UserParts{PuppetID: puppetID, UserID: userID}, nil
	}
	// Mappings inserted before a namespace change still resolve via the store.
	entry, err := u.b.stores.Users.GetByGhostMXID(ctx, mxid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up ghost mapping: %w", err)
	}
	return &UserParts{PuppetID: entry.PuppetID, UserID: entry.UserID}, nil
}

// DeleteForMXID removes the ghost mapping behind a ghost Matrix id along
// with its per-room overrides. Matrix-side profile cleanup is best-effort;
// the records are removed regardless.
func (u *UserSync) DeleteForMXID(ctx context.Context, mxid id.UserID) error {
	parts, err := u.GetPartsFromMXID(ctx, mxid)
	if err != nil || parts == nil {
		return err
	}

	ticket, err := u.lock.WaitAndSet(ctx, lockKey(parts.PuppetID, parts.UserID))
	if err != nil {
		return err
	}
	defer u.lock.Release(ticket)

	entry, err := u.b.stores.Users.Get(ctx, parts.PuppetID, parts.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up ghost mapping: %w", err)
	}

	ghost := u.b.clients.Ghost(entry.GhostMXID)
	if err := ghost.SetDisplayName(ctx, ""); err != nil {
		u.log.Warn().Err(err).Str("ghost", entry.GhostMXID.String()).Msg("Failed to clear ghost displayname")
	}
	if err := ghost.SetAvatarURL(ctx, id.ContentURI{}); err != nil {
		u.log.Warn().Err(err).Str("ghost", entry.GhostMXID.String()).Msg("Failed to clear ghost avatar")
	}

	if err := u.b.stores.Overrides.DeleteAllForUser(ctx, parts.PuppetID, parts.UserID); err != nil {
		u.log.Warn().Err(err).Str("ghost", entry.GhostMXID.String()).Msg("Failed to delete ghost overrides")
	}
	if err := u.b.stores.Users.Delete(ctx, parts.PuppetID, parts.UserID); err != nil {
		return fmt.Errorf("removing ghost mapping: %w", err)
	}

	u.log.Info().Int("puppet_id", parts.PuppetID).Str("user_id", parts.UserID).
		Str("ghost", entry.GhostMXID.String()).Msg("Deleted ghost")
	u.b.publish(Event{Kind: EventGhostDeleted, PuppetID: parts.PuppetID, RemoteID: parts.UserID, GhostMXID: entry.GhostMXID})
	return nil
}

// SetRoomOverride applies one per-room profile override carried on a remote
// user. No-ops when the user carries no override for the room.
func (u *UserSync) SetRoomOverride(ctx context.Context, user RemoteUser, roomID string) error {
	profile, ok := user.RoomOverrides[roomID]
	if !ok {
		return nil
	}
	return u.UpdateRoomOverride(ctx, user.PuppetID, user.UserID, roomID, profile, true)
}

// UpdateRoomOverride reconciles a ghost's per-room profile override: the
// ghost keeps its global profile everywhere except rooms with an override,
// where its member state carries the override values. The override is
// persisted even when the room is not yet mapped; propagation catches up
// once it is. setByRemote marks overrides the remote protocol asked for
// explicitly, as opposed to reapplied global values.
func (u *UserSync) UpdateRoomOverride(ctx context.Context, puppetID int, userID, roomID string, profile RemoteProfile, setByRemote bool) error {
	ticket, err := u.lock.WaitAndSet(ctx, lockKey(puppetID, userID))
	if err != nil {
		return err
	}
	defer u.lock.Release(ticket)

	userEntry, err := u.b.stores.Users.Get(ctx, puppetID, userID)
	if errors.Is(err, store.ErrNotFound) {
		u.log.Debug().Int("puppet_id", puppetID).Str("user_id", userID).
			Msg("Room override for unmapped user, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up ghost mapping: %w", err)
	}

	override, err := u.b.stores.Overrides.Get(ctx, puppetID, userID, roomID)
	if errors.Is(err, store.ErrNotFound) {
		override = &store.RoomOverrideEntry{PuppetID: puppetID, UserID: userID, RoomID: roomID}
	} else if err != nil {
		return fmt.Errorf("looking up room override: %w", err)
	}

	ghost := u.b.clients.Ghost(userEntry.GhostMXID)
	stored := profileState{Name: override.Name, AvatarHash: override.AvatarHash}
	change, err := reconcileProfile(ctx, u.b.media, ghost, stored, profile,
		u.formatName(puppetID, userID))
	if err != nil {
		return fmt.Errorf("reconciling room override: %w", err)
	}
	if change.empty() && override.SetByRemote == setByRemote {
		return nil
	}

	updated := *override
	if change.Name != nil {
		updated.Name = *change.Name
	}
	if change.AvatarMXC != nil {
		updated.AvatarMXC = *change.AvatarMXC
	}
	if change.AvatarHash != nil {
		updated.AvatarHash = *change.AvatarHash
	}
	updated.SetByRemote = setByRemote

	roomEntry, err := u.b.stores.Rooms.GetByRemote(ctx, puppetID, roomID)
	if errors.Is(err, store.ErrNotFound) {
		roomEntry = nil
	} else if err != nil {
		return fmt.Errorf("looking up room mapping: %w", err)
	}
	if roomEntry != nil {
		if err := u.applyMemberProfile(ctx, ghost, roomEntry.MXID, &updated, userEntry); err != nil {
			if !isForbidden(err) {
				return err
			}
			// No power in this one room must not abort the update; the
			// record is still kept so propagation can catch up later.
			u.log.Warn().Err(err).Str("room_id", roomID).
				Str("ghost", userEntry.GhostMXID.String()).
				Msg("Forbidden while applying room override, keeping record")
		}
	}

	if err := u.b.stores.Overrides.Set(ctx, &updated); err != nil {
		return fmt.Errorf("persisting room override: %w", err)
	}
	return nil
}

// applyMemberProfile writes the ghost's member state in one room so its
// displayed profile there matches the override.
func (u *UserSync) applyMemberProfile(ctx context.Context, ghost MatrixClient, roomMXID id.RoomID, override *store.RoomOverrideEntry, userEntry *store.UserEntry) error {
	if err := ghost.EnsureJoined(ctx, roomMXID); err != nil {
		if !isForbidden(err) {
			return fmt.Errorf("joining room for override: %w", err)
		}
		// Invite-only room; have the bot invite the ghost first.
		if err := u.b.clients.Bot().InviteUser(ctx, roomMXID, ghost.UserID()); err != nil {
			return fmt.Errorf("inviting ghost: %w", err)
		}
		if err := ghost.EnsureJoined(ctx, roomMXID); err != nil {
			return fmt.Errorf("joining room for override: %w", err)
		}
	}
	content := &event.MemberEventContent{
		Membership:  event.MembershipJoin,
		Displayname: override.Name,
		AvatarURL:   override.AvatarMXC.CUString(),
	}
	if content.Displayname == "" {
		content.Displayname = userEntry.Name
	}
	if override.AvatarMXC.IsEmpty() {
		content.AvatarURL = userEntry.AvatarMXC.CUString()
	}
	err := ghost.SendStateEvent(ctx, roomMXID, event.StateMember, ghost.UserID().String(), content)
	if err != nil {
		return fmt.Errorf("setting member profile: %w", err)
	}
	return nil
}

// dispatchOverrideSync applies the overrides carried on a remote user in the
// background, after the profile critical section has released.
func (u *UserSync) dispatchOverrideSync(ctx context.Context, user RemoteUser) {
	bgCtx := context.WithoutCancel(ctx)
	u.b.tasks.Go("override-sync", func() error {
		var errs []error
		for roomID := range user.RoomOverrides {
			if err := u.SetRoomOverride(bgCtx, user, roomID); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// dispatchProfilePropagation pushes a global profile change to the
// homeserver after the critical section releases, then restores the per-room
// member state the change clobbered. Task errors are logged, never surfaced;
// the persisted entry is the source of truth and the next sync retries.
func (u *UserSync) dispatchProfilePropagation(ctx context.Context, ghost MatrixClient, change profileChange, entry store.UserEntry) {
	bgCtx := context.WithoutCancel(ctx)
	u.b.tasks.Go("profile-propagate", func() error {
		werr := writeProfile(bgCtx, ghost, change)
		rerr := u.reapplyOverrides(bgCtx, ghost, entry)
		return errors.Join(werr, rerr)
	})
}

// reapplyOverrides rewrites the ghost's member state in every overridden room
// after a global profile change clobbered it. Overrides tracking the global
// profile get the fresh global values; explicitly-set overrides are restored
// with their own values.
func (u *UserSync) reapplyOverrides(ctx context.Context, ghost MatrixClient, entry store.UserEntry) error {
	overrides, err := u.b.stores.Overrides.GetAllForUser(ctx, entry.PuppetID, entry.UserID)
	if err != nil {
		return fmt.Errorf("listing overrides: %w", err)
	}
	var errs []error
	for _, override := range overrides {
		roomEntry, err := u.b.stores.Rooms.GetByRemote(ctx, override.PuppetID, override.RoomID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		applied := override
		if !override.SetByRemote {
			// Tracking override: member state follows the current global
			// profile, not whatever was recorded when it was set.
			cleared := *override
			cleared.Name = ""
			cleared.AvatarMXC = id.ContentURI{}
			applied = &cleared
		}
		if err := u.applyMemberProfile(ctx, ghost, roomEntry.MXID, applied, &entry); err != nil {
			if isForbidden(err) {
				u.log.Warn().Err(err).Str("room_id", override.RoomID).
					Msg("Forbidden while reapplying room override")
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
