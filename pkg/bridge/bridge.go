// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mxpuppet/pkg/store"
)

// GroupSyncer receives deferred group-association updates after a room's
// critical section has released. Implementations synchronize remote groups;
// the core only reports membership moves.
type GroupSyncer interface {
	RoomMoved(ctx context.Context, puppetID int, oldGroupID, newGroupID string, roomMXID id.RoomID) error
}

// Bridge ties the sync engines to their collaborators: transport clients,
// persistence, hooks and the event channel.
type Bridge struct {
	cfg     *Config
	log     zerolog.Logger
	clients ClientProvider
	stores  store.Stores
	hooks   Hooks
	groups  GroupSyncer
	media   *MediaCache
	tasks   *taskTracker
	events  chan Event

	// Rooms reconciles remote rooms against persisted room mappings.
	Rooms *RoomSync
	// Users reconciles remote users against persisted ghost mappings.
	Users *UserSync
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithHooks installs the optional creation hooks.
func WithHooks(h Hooks) Option {
	return func(b *Bridge) { b.hooks = h }
}

// WithGroupSyncer installs the optional group-association collaborator.
func WithGroupSyncer(g GroupSyncer) Option {
	return func(b *Bridge) { b.groups = g }
}

// WithDownloader overrides how the media cache fetches remote locators.
func WithDownloader(d Downloader) Option {
	return func(b *Bridge) { b.media = NewMediaCache(b.stores.Media, b.cfg.LockTimeout(), d, b.log) }
}

// New creates a Bridge. The config must already be post-processed.
func New(cfg *Config, log zerolog.Logger, clients ClientProvider, stores store.Stores, opts ...Option) (*Bridge, error) {
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("post-processing config: %w", err)
	}
	b := &Bridge{
		cfg:     cfg,
		log:     log.With().Str("component", "bridge").Logger(),
		clients: clients,
		stores:  stores,
		tasks:   newTaskTracker(log),
		events:  make(chan Event, 64),
	}
	b.media = NewMediaCache(stores.Media, cfg.LockTimeout(), nil, log)
	for _, opt := range opts {
		opt(b)
	}
	b.Rooms = newRoomSync(b)
	b.Users = newUserSync(b)
	return b, nil
}

// Config returns the bridge configuration.
func (b *Bridge) Config() *Config {
	return b.cfg
}

// Media returns the content-addressed upload cache.
func (b *Bridge) Media() *MediaCache {
	return b.media
}

// Drain waits for background work (profile propagation, group updates) to
// finish, bounded by ctx. Part of shutdown; new reconciliations should have
// stopped arriving by the time it is called.
func (b *Bridge) Drain(ctx context.Context) error {
	return b.tasks.Wait(ctx)
}

// resolveClient maps a Matrix id to a client acting as that account: the
// bridge bot, a ghost, or a double-puppeted user. Returns nil when no client
// can act as the account.
func (b *Bridge) resolveClient(ctx context.Context, mxid id.UserID) MatrixClient {
	bot := b.clients.Bot()
	if mxid == "" || mxid == bot.UserID() {
		return bot
	}
	if b.cfg.IsGhostMXID(mxid) {
		return b.clients.Ghost(mxid)
	}
	client, err := b.clients.Puppet(ctx, mxid)
	if err != nil {
		b.log.Warn().Err(err).Str("mxid", mxid.String()).Msg("Failed to resolve puppet client")
		return nil
	}
	return client
}
