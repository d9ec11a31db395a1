// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mxpuppet/pkg/keyedlock"
	"github.com/aiku/mxpuppet/pkg/store"
)

// RoomSync reconciles remote rooms against persisted room mappings. All
// operations for the same (puppetID, roomID) are mutually exclusive; the
// lock brackets every read-then-write transition so concurrent calls can
// never create duplicate Matrix rooms.
type RoomSync struct {
	b    *Bridge
	lock *keyedlock.Lock
	log  zerolog.Logger
}

func newRoomSync(b *Bridge) *RoomSync {
	log := b.log.With().Str("component", "roomsync").Logger()
	return &RoomSync{
		b:    b,
		lock: keyedlock.New(b.cfg.LockTimeout(), log),
		log:  log,
	}
}

// RoomParts identifies a remote room recovered from a Matrix id or alias.
type RoomParts struct {
	PuppetID int
	RoomID   string
}

func lockKey(puppetID int, remoteID string) string {
	return fmt.Sprintf("%d;%s", puppetID, remoteID)
}

func intPtr(v int) *int { return &v }

// GetMXID resolves a remote room to its Matrix room id, creating the room
// when no mapping exists and doCreate is set. The second return reports
// whether this call created the room. An empty id with a nil error means no
// mapping exists and creation was disallowed.
//
// client may be nil; the puppet's double-puppet client or the bridge bot is
// used then. Group-association side effects run after the lock releases.
func (r *RoomSync) GetMXID(ctx context.Context, room RemoteRoom, client MatrixClient, invites []id.UserID, doCreate bool) (id.RoomID, bool, error) {
	ticket, err := r.lock.WaitAndSet(ctx, lockKey(room.PuppetID, room.RoomID))
	if err != nil {
		return "", false, err
	}
	released := false
	release := func() {
		if !released {
			released = true
			r.lock.Release(ticket)
		}
	}
	defer release()

	entry, err := r.b.stores.Rooms.GetByRemote(ctx, room.PuppetID, room.RoomID)
	if errors.Is(err, store.ErrNotFound) {
		entry = nil
	} else if err != nil {
		return "", false, fmt.Errorf("looking up room mapping: %w", err)
	}

	if entry == nil {
		if !doCreate {
			return "", false, nil
		}
		mxid, err := r.create(ctx, room, client, invites, release)
		return mxid, err == nil, err
	}

	mxid, err := r.update(ctx, room, entry, client, release)
	return mxid, false, err
}

// create builds the Matrix room for an unmapped remote room. Called with the
// room's lock held; calls release after persisting, before dispatching the
// deferred group update.
func (r *RoomSync) create(ctx context.Context, room RemoteRoom, client MatrixClient, invites []id.UserID, release func()) (id.RoomID, error) {
	room = r.applyCreateHook(ctx, room)

	if client == nil {
		var err error
		client, err = r.b.Users.GetPuppetClient(ctx, room.PuppetID)
		if err != nil {
			r.log.Warn().Err(err).Int("puppet_id", room.PuppetID).Msg("Failed to get puppet client for creation")
		}
		if client == nil {
			client = r.b.clients.Bot()
		}
	}

	change, err := reconcileProfile(ctx, r.b.media, client, profileState{}, room.Profile(), nil)
	if err != nil {
		return "", fmt.Errorf("computing initial room profile: %w", err)
	}

	invites = r.withAutoInvite(ctx, room.PuppetID, invites)

	req := &mautrix.ReqCreateRoom{
		Visibility: "private",
		IsDirect:   room.IsDirect,
		Invite:     invites,
		PowerLevelOverride: &event.PowerLevelsEventContent{
			Users:         map[id.UserID]int{client.UserID(): 100},
			Notifications: &event.NotificationPowerLevels{RoomPtr: intPtr(0)},
		},
	}
	if change.Name != nil {
		req.Name = *change.Name
	}
	if room.Topic != nil {
		req.Topic = *room.Topic
	}
	if !room.IsDirect {
		req.RoomAliasName = r.b.cfg.AliasLocalpart(room.PuppetID, room.RoomID)
	}
	if change.AvatarMXC != nil && !change.AvatarMXC.IsEmpty() {
		req.InitialState = append(req.InitialState, &event.Event{
			Type: event.StateRoomAvatar,
			Content: event.Content{
				Parsed: &event.RoomAvatarEventContent{URL: change.AvatarMXC.CUString()},
			},
		})
	}

	mxid, err := client.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("creating room: %w", err)
	}

	entry := store.RoomEntry{
		MXID:         mxid,
		RoomID:       room.RoomID,
		PuppetID:     room.PuppetID,
		IsDirect:     room.IsDirect,
		OperatorMXID: client.UserID(),
	}
	entryChange := store.RoomEntryChange{
		Name:       change.Name,
		AvatarURL:  change.AvatarURL,
		AvatarMXC:  change.AvatarMXC,
		AvatarHash: change.AvatarHash,
		Topic:      room.Topic,
		GroupID:    room.GroupID,
	}
	entry = entry.Apply(entryChange)
	if err := r.b.stores.Rooms.Set(ctx, &entry); err != nil {
		return "", fmt.Errorf("persisting room mapping: %w", err)
	}

	r.log.Info().Int("puppet_id", room.PuppetID).Str("room_id", room.RoomID).
		Str("mxid", mxid.String()).Msg("Created room")

	release()
	r.b.publish(Event{Kind: EventRoomCreated, PuppetID: room.PuppetID, RemoteID: room.RoomID, RoomMXID: mxid})
	if entry.GroupID != "" && r.b.groups != nil {
		r.dispatchGroupUpdate(ctx, room.PuppetID, "", entry.GroupID, mxid)
	}
	return mxid, nil
}

// update reconciles an already-mapped room. Called with the room's lock
// held; persists only if something changed and calls release before the
// deferred group update.
func (r *RoomSync) update(ctx context.Context, room RemoteRoom, entry *store.RoomEntry, client MatrixClient, release func()) (id.RoomID, error) {
	if client == nil {
		client = r.b.resolveClient(ctx, entry.OperatorMXID)
		if client == nil {
			client = r.b.clients.Bot()
		}
	}

	stored := profileState{Name: entry.Name, AvatarURL: entry.AvatarURL, AvatarHash: entry.AvatarHash}
	change, err := reconcileProfile(ctx, r.b.media, client, stored, room.Profile(), nil)
	if err != nil {
		return "", fmt.Errorf("reconciling room profile: %w", err)
	}

	entryChange := store.RoomEntryChange{
		Name:       change.Name,
		AvatarURL:  change.AvatarURL,
		AvatarMXC:  change.AvatarMXC,
		AvatarHash: change.AvatarHash,
	}

	if change.Name != nil {
		err := r.sendState(ctx, client, entry, event.StateRoomName, "", &event.RoomNameEventContent{Name: *change.Name})
		if err != nil {
			return "", fmt.Errorf("setting room name: %w", err)
		}
	}
	if change.AvatarMXC != nil {
		err := r.sendState(ctx, client, entry, event.StateRoomAvatar, "", &event.RoomAvatarEventContent{URL: change.AvatarMXC.CUString()})
		if err != nil {
			return "", fmt.Errorf("setting room avatar: %w", err)
		}
	}
	if room.Topic != nil && *room.Topic != entry.Topic {
		err := r.sendState(ctx, client, entry, event.StateTopic, "", &event.TopicEventContent{Topic: *room.Topic})
		if err != nil {
			return "", fmt.Errorf("setting room topic: %w", err)
		}
		entryChange.Topic = room.Topic
	}

	groupChanged := false
	oldGroup := entry.GroupID
	if room.GroupID != nil && *room.GroupID != entry.GroupID {
		groupChanged = true
		entryChange.GroupID = room.GroupID
	}

	if !entryChange.Empty() {
		applied := entry.Apply(entryChange)
		if err := r.b.stores.Rooms.Set(ctx, &applied); err != nil {
			return "", fmt.Errorf("persisting room mapping: %w", err)
		}
	}

	release()
	if groupChanged && r.b.groups != nil {
		r.dispatchGroupUpdate(ctx, entry.PuppetID, oldGroup, *room.GroupID, entry.MXID)
	}
	return entry.MXID, nil
}

// withAutoInvite adds the puppet owner to the invite list when the puppet is
// configured for automatic invites.
func (r *RoomSync) withAutoInvite(ctx context.Context, puppetID int, invites []id.UserID) []id.UserID {
	puppet, err := r.b.stores.Puppets.Get(ctx, puppetID)
	if err != nil || !puppet.AutoInvite || puppet.OwnerMXID == "" {
		return invites
	}
	for _, invited := range invites {
		if invited == puppet.OwnerMXID {
			return invites
		}
	}
	return append(invites, puppet.OwnerMXID)
}

// applyCreateHook runs the optional creation hook. A hook result that
// changes the (puppetID, roomID) identity is discarded with a warning.
func (r *RoomSync) applyCreateHook(ctx context.Context, room RemoteRoom) RemoteRoom {
	if r.b.hooks.CreateRoom == nil {
		return room
	}
	updated, err := r.b.hooks.CreateRoom(ctx, room)
	if err != nil {
		r.log.Warn().Err(err).Int("puppet_id", room.PuppetID).Str("room_id", room.RoomID).
			Msg("Create-room hook failed, keeping original data")
		return room
	}
	if updated == nil {
		return room
	}
	if updated.PuppetID != room.PuppetID || updated.RoomID != room.RoomID {
		r.log.Warn().Int("puppet_id", room.PuppetID).Str("room_id", room.RoomID).
			Int("hook_puppet_id", updated.PuppetID).Str("hook_room_id", updated.RoomID).
			Msg("Create-room hook changed the room identity, discarding override")
		return room
	}
	return *updated
}

func (r *RoomSync) dispatchGroupUpdate(ctx context.Context, puppetID int, oldGroupID, newGroupID string, mxid id.RoomID) {
	bgCtx := context.WithoutCancel(ctx)
	r.b.tasks.Go("group-update", func() error {
		return r.b.groups.RoomMoved(bgCtx, puppetID, oldGroupID, newGroupID, mxid)
	})
}

// sendState writes a state event, retrying once as the room's recorded
// operator when the first write is forbidden.
func (r *RoomSync) sendState(ctx context.Context, client MatrixClient, entry *store.RoomEntry, eventType event.Type, stateKey string, content any) error {
	err := client.SendStateEvent(ctx, entry.MXID, eventType, stateKey, content)
	if err == nil || !isForbidden(err) {
		return err
	}
	if entry.OperatorMXID == "" || entry.OperatorMXID == client.UserID() {
		return err
	}
	op := r.b.resolveClient(ctx, entry.OperatorMXID)
	if op == nil || op.UserID() == client.UserID() {
		return err
	}
	r.log.Debug().Str("mxid", entry.MXID.String()).Str("event_type", eventType.Type).
		Msg("State write forbidden, retrying as room operator")
	return op.SendStateEvent(ctx, entry.MXID, eventType, stateKey, content)
}

// MaybeGet returns the mapping for a remote room without creating anything.
// It still waits on the room's lock, so an in-flight creation is observed
// rather than missed. Returns nil when no mapping exists.
func (r *RoomSync) MaybeGet(ctx context.Context, puppetID int, roomID string) (*store.RoomEntry, error) {
	if err := r.lock.Wait(ctx, lockKey(puppetID, roomID)); err != nil {
		return nil, err
	}
	entry, err := r.b.stores.Rooms.GetByRemote(ctx, puppetID, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up room mapping: %w", err)
	}
	return entry, nil
}

// MaybeGetMXID is MaybeGet reduced to the Matrix room id. Empty when no
// mapping exists.
func (r *RoomSync) MaybeGetMXID(ctx context.Context, puppetID int, roomID string) (id.RoomID, error) {
	entry, err := r.MaybeGet(ctx, puppetID, roomID)
	if err != nil || entry == nil {
		return "", err
	}
	return entry.MXID, nil
}

// Insert force-associates an existing Matrix room with a remote room,
// bypassing creation. Used by administrative provisioning.
func (r *RoomSync) Insert(ctx context.Context, mxid id.RoomID, room RemoteRoom) error {
	ticket, err := r.lock.WaitAndSet(ctx, lockKey(room.PuppetID, room.RoomID))
	if err != nil {
		return err
	}
	defer r.lock.Release(ticket)

	entry := store.RoomEntry{
		MXID:         mxid,
		RoomID:       room.RoomID,
		PuppetID:     room.PuppetID,
		IsDirect:     room.IsDirect,
		OperatorMXID: r.b.clients.Bot().UserID(),
	}
	entry = entry.Apply(store.RoomEntryChange{
		Name:    room.Name,
		Topic:   room.Topic,
		GroupID: room.GroupID,
	})
	if err := r.b.stores.Rooms.Set(ctx, &entry); err != nil {
		return fmt.Errorf("persisting room mapping: %w", err)
	}
	r.log.Info().Int("puppet_id", room.PuppetID).Str("room_id", room.RoomID).
		Str("mxid", mxid.String()).Msg("Inserted room mapping")
	return nil
}

// UpdateBridgeInformation publishes bridge info state events describing
// which protocol, network and remote room the Matrix room is bridged to.
// No-ops without a mapping or a usable operator client.
func (r *RoomSync) UpdateBridgeInformation(ctx context.Context, room RemoteRoom) error {
	entry, err := r.MaybeGet(ctx, room.PuppetID, room.RoomID)
	if err != nil || entry == nil {
		return err
	}
	op := r.b.resolveClient(ctx, entry.OperatorMXID)
	if op == nil {
		r.log.Debug().Str("mxid", entry.MXID.String()).
			Msg("No operator client for bridge info update")
		return nil
	}

	cfg := r.b.cfg
	content := &event.BridgeEventContent{
		BridgeBot: r.b.clients.Bot().UserID(),
		Creator:   op.UserID(),
		Protocol: event.BridgeInfoSection{
			ID:          cfg.ProtocolID,
			DisplayName: cfg.ProtocolDisplayname,
			AvatarURL:   id.ContentURIString(cfg.ProtocolAvatarMXC),
			ExternalURL: cfg.ProtocolExternalURL,
		},
		Channel: event.BridgeInfoSection{
			ID:          EscapeRemoteID(room.RoomID),
			DisplayName: entry.Name,
			AvatarURL:   entry.AvatarMXC.CUString(),
		},
	}
	if room.ExternalURL != nil {
		content.Channel.ExternalURL = *room.ExternalURL
	}
	if entry.GroupID != "" {
		content.Network = &event.BridgeInfoSection{ID: entry.GroupID}
	}

	stateKey := cfg.ProtocolID + "://"
	if entry.GroupID != "" {
		stateKey += EscapeRemoteID(entry.GroupID) + "/"
	}
	stateKey += EscapeRemoteID(room.RoomID)

	for _, eventType := range []event.Type{event.StateBridge, event.StateHalfShotBridge} {
		if err := op.SendStateEvent(ctx, entry.MXID, eventType, stateKey, content); err != nil {
			return fmt.Errorf("sending %s event: %w", eventType.Type, err)
		}
	}
	return nil
}

// GetPartsFromMXID recovers the (puppetID, roomID) behind a Matrix room id
// or bridge alias. Returns nil for unknown room ids, aliases outside the
// bridge namespace and malformed alias suffixes.
func (r *RoomSync) GetPartsFromMXID(ctx context.Context, mxid string) (*RoomParts, error) {
	switch {
	case strings.HasPrefix(mxid, "!"):
		entry, err := r.b.stores.Rooms.GetByMXID(ctx, id.RoomID(mxid))
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("looking up room mapping: %w", err)
		}
		return &RoomParts{PuppetID: entry.PuppetID, RoomID: entry.RoomID}, nil
	case strings.HasPrefix(mxid, "#"):
		puppetID, roomID, ok := r.b.cfg.ParseAlias(id.RoomAlias(mxid))
		if !ok {
			return nil, nil
		}
		return &RoomParts{PuppetID: puppetID, RoomID: roomID}, nil
	default:
		return nil, nil
	}
}

// MaybeLeaveGhost makes a ghost leave a room if doing so is safe: it no-ops
// when the ghost is not joined or is the room's sole remaining ghost, and
// when the ghost is the room operator it first hands power to another
// present ghost and persists the new operator before the leave commits.
// A failed handoff aborts the leave.
func (r *RoomSync) MaybeLeaveGhost(ctx context.Context, roomMXID id.RoomID, ghostMXID id.UserID) error {
	entry, err := r.b.stores.Rooms.GetByMXID(ctx, roomMXID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up room mapping: %w", err)
	}

	ticket, err := r.lock.WaitAndSet(ctx, lockKey(entry.PuppetID, entry.RoomID))
	if err != nil {
		return err
	}
	defer r.lock.Release(ticket)

	// Re-read inside the critical section; the mapping may have moved.
	entry, err = r.b.stores.Rooms.GetByMXID(ctx, roomMXID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up room mapping: %w", err)
	}

	ghost := r.b.clients.Ghost(ghostMXID)
	members, err := ghost.JoinedMembers(ctx, roomMXID)
	if err != nil {
		r.log.Warn().Err(err).Str("mxid", roomMXID.String()).Str("ghost", ghostMXID.String()).
			Msg("Failed to list room members, skipping ghost leave")
		return nil
	}

	present := false
	var ghosts []id.UserID
	for _, member := range members {
		if member == ghostMXID {
			present = true
		}
		if r.b.cfg.IsGhostMXID(member) {
			ghosts = append(ghosts, member)
		}
	}
	if !present || len(ghosts) <= 1 {
		// Absent, or the sole ghost anchoring the room.
		return nil
	}

	if entry.OperatorMXID == ghostMXID {
		var successor id.UserID
		for _, g := range ghosts {
			if g != ghostMXID {
				successor = g
				break
			}
		}
		if successor == "" {
			return nil
		}

		var levels event.PowerLevelsEventContent
		if err := ghost.GetStateEvent(ctx, roomMXID, event.StatePowerLevels, "", &levels); err != nil {
			r.log.Warn().Err(err).Str("mxid", roomMXID.String()).
				Msg("Failed to read power levels for operator handoff, aborting leave")
			return nil
		}
		levels.SetUserLevel(successor, levels.GetUserLevel(ghostMXID))
		if err := ghost.SendStateEvent(ctx, roomMXID, event.StatePowerLevels, "", &levels); err != nil {
			r.log.Warn().Err(err).Str("mxid", roomMXID.String()).Str("successor", successor.String()).
				Msg("Failed to transfer operator power, aborting leave")
			return nil
		}

		applied := entry.Apply(store.RoomEntryChange{OperatorMXID: &successor})
		if err := r.b.stores.Rooms.Set(ctx, &applied); err != nil {
			return fmt.Errorf("persisting new room operator: %w", err)
		}
		r.log.Info().Str("mxid", roomMXID.String()).Str("old", ghostMXID.String()).
			Str("new", successor.String()).Msg("Transferred room operator")
	}

	if err := ghost.LeaveRoom(ctx, roomMXID); err != nil {
		return fmt.Errorf("leaving room: %w", err)
	}
	return nil
}

// Delete unbridges a remote room: best-effort Matrix-side cleanup followed
// by unconditional removal of the persisted mapping. With keepUsers unset,
// departing ghosts also lose their persisted profiles.
func (r *RoomSync) Delete(ctx context.Context, puppetID int, roomID string, keepUsers bool) error {
	entry, err := r.b.stores.Rooms.GetByRemote(ctx, puppetID, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up room mapping: %w", err)
	}
	return r.deleteEntry(ctx, entry, keepUsers)
}

// DeleteForMXID unbridges the remote room mapped to a Matrix room id.
func (r *RoomSync) DeleteForMXID(ctx context.Context, mxid id.RoomID, keepUsers bool) error {
	entry, err := r.b.stores.Rooms.GetByMXID(ctx, mxid)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up room mapping: %w", err)
	}
	return r.deleteEntry(ctx, entry, keepUsers)
}

// DeleteForPuppet unbridges every room owned by a puppet. Cleanup failures
// for one room never block the others; every persisted mapping is removed.
func (r *RoomSync) DeleteForPuppet(ctx context.Context, puppetID int, keepUsers bool) error {
	entries, err := r.b.stores.Rooms.GetAllForPuppet(ctx, puppetID)
	if err != nil {
		return fmt.Errorf("listing rooms for puppet: %w", err)
	}
	var errs []error
	for _, entry := range entries {
		if err := r.deleteEntry(ctx, entry, keepUsers); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deleteEntry removes one mapping. Every Matrix-side step is individually
// wrapped so one failure does not block the rest; the persisted record is
// removed regardless of cleanup outcome.
func (r *RoomSync) deleteEntry(ctx context.Context, entry *store.RoomEntry, keepUsers bool) error {
	ticket, err := r.lock.WaitAndSet(ctx, lockKey(entry.PuppetID, entry.RoomID))
	if err != nil {
		return err
	}
	defer r.lock.Release(ticket)

	log := r.log.With().Int("puppet_id", entry.PuppetID).Str("room_id", entry.RoomID).
		Str("mxid", entry.MXID.String()).Logger()
	bot := r.b.clients.Bot()

	if !entry.IsDirect {
		alias := r.b.cfg.RoomAlias(entry.PuppetID, entry.RoomID)
		if err := bot.DeleteAlias(ctx, alias); err != nil {
			log.Warn().Err(err).Str("alias", alias.String()).Msg("Failed to remove room alias")
		}
	}

	members, err := bot.JoinedMembers(ctx, entry.MXID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list room members for cleanup")
	}
	for _, member := range members {
		if !r.b.cfg.IsGhostMXID(member) {
			continue
		}
		ghost := r.b.clients.Ghost(member)
		if err := ghost.LeaveRoom(ctx, entry.MXID); err != nil {
			log.Warn().Err(err).Str("ghost", member.String()).Msg("Failed to remove ghost from room")
		}
		if keepUsers {
			continue
		}
		if puppetID, userID, ok := r.b.cfg.ParseGhostMXID(member); ok {
			if err := r.b.stores.Users.Delete(ctx, puppetID, userID); err != nil {
				log.Warn().Err(err).Str("ghost", member.String()).Msg("Failed to delete ghost profile")
			}
			if err := r.b.stores.Overrides.DeleteAllForUser(ctx, puppetID, userID); err != nil {
				log.Warn().Err(err).Str("ghost", member.String()).Msg("Failed to delete ghost overrides")
			}
		}
	}

	if err := bot.LeaveRoom(ctx, entry.MXID); err != nil {
		log.Warn().Err(err).Msg("Failed to remove bot from room")
	}

	if err := r.b.stores.Overrides.DeleteAllForRoom(ctx, entry.PuppetID, entry.RoomID); err != nil {
		log.Warn().Err(err).Msg("Failed to delete room overrides")
	}
	if err := r.b.stores.Rooms.Delete(ctx, entry.PuppetID, entry.RoomID); err != nil {
		return fmt.Errorf("removing room mapping: %w", err)
	}

	log.Info().Msg("Deleted room")
	r.b.publish(Event{Kind: EventRoomDeleted, PuppetID: entry.PuppetID, RemoteID: entry.RoomID, RoomMXID: entry.MXID})
	return nil
}
