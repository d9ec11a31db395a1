// Copyright 2024-2026 Aiku AI

// Package matrix provides the mautrix-backed transport used by the sync
// engines: application-service clients for the bridge bot and its ghosts,
// and optional double-puppet clients for puppet owners.
package matrix

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mxpuppet/pkg/bridge"
)

// Client adapts one *mautrix.Client to the narrow surface the sync engines
// consume.
type Client struct {
	mx  *mautrix.Client
	log zerolog.Logger
}

var _ bridge.MatrixClient = (*Client)(nil)

// NewClient wraps an already-authenticated mautrix client.
func NewClient(mx *mautrix.Client, log zerolog.Logger) *Client {
	return &Client{mx: mx, log: log.With().Str("component", "matrix").Str("user_id", mx.UserID.String()).Logger()}
}

func (c *Client) UserID() id.UserID {
	return c.mx.UserID
}

func (c *Client) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := c.mx.CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) error {
	_, err := c.mx.SendStateEvent(ctx, roomID, eventType, stateKey, content)
	return err
}

func (c *Client) GetStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, into any) error {
	return c.mx.StateEvent(ctx, roomID, eventType, stateKey, into)
}

// EnsureJoined joins the room. Joining is idempotent, so an account that is
// already a member succeeds without side effects.
func (c *Client) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	_, err := c.mx.JoinRoomByID(ctx, roomID)
	return err
}

func (c *Client) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.mx.LeaveRoom(ctx, roomID)
	return err
}

func (c *Client) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.mx.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := c.mx.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

func (c *Client) SetDisplayName(ctx context.Context, name string) error {
	return c.mx.SetDisplayName(ctx, name)
}

func (c *Client) SetAvatarURL(ctx context.Context, mxc id.ContentURI) error {
	return c.mx.SetAvatarURL(ctx, mxc)
}

func (c *Client) UploadMedia(ctx context.Context, data []byte, mimeType, filename string) (id.ContentURI, error) {
	resp, err := c.mx.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes:  data,
		ContentType:   mimeType,
		FileName:      filename,
		ContentLength: int64(len(data)),
	})
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}

func (c *Client) DeleteAlias(ctx context.Context, alias id.RoomAlias) error {
	_, err := c.mx.DeleteAlias(ctx, alias)
	return err
}

// PuppetTokenSource resolves a puppet owner's own access token for
// double-puppeting. Return an empty token to signal that the owner has no
// usable login.
type PuppetTokenSource func(ctx context.Context, owner id.UserID) (string, error)

// Provider mints clients from a single application-service registration:
// the bot and every ghost share the as_token with user impersonation, puppet
// owners get real clients from their own tokens.
type Provider struct {
	homeserverURL string
	asToken       string
	botMXID       id.UserID
	puppetTokens  PuppetTokenSource
	log           zerolog.Logger

	mu      sync.Mutex
	clients map[id.UserID]*Client
}

var _ bridge.ClientProvider = (*Provider)(nil)

// NewProvider creates a client provider. puppetTokens may be nil to disable
// double-puppeting.
func NewProvider(homeserverURL, asToken string, botMXID id.UserID, puppetTokens PuppetTokenSource, log zerolog.Logger) *Provider {
	return &Provider{
		homeserverURL: homeserverURL,
		asToken:       asToken,
		botMXID:       botMXID,
		puppetTokens:  puppetTokens,
		log:           log,
		clients:       make(map[id.UserID]*Client),
	}
}

// appserviceClient returns the cached impersonating client for mxid,
// creating it on first use.
func (p *Provider) appserviceClient(mxid id.UserID) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[mxid]; ok {
		return client
	}
	mx, err := mautrix.NewClient(p.homeserverURL, mxid, p.asToken)
	if err != nil {
		// Only a malformed homeserver URL fails here; surface it loudly and
		// return a client that will error on use.
		p.log.Error().Err(err).Str("mxid", mxid.String()).Msg("Failed to build appservice client")
		mx = &mautrix.Client{UserID: mxid}
	}
	mx.SetAppServiceUserID = true
	client := NewClient(mx, p.log)
	p.clients[mxid] = client
	return client
}

func (p *Provider) Bot() bridge.MatrixClient {
	return p.appserviceClient(p.botMXID)
}

func (p *Provider) Ghost(mxid id.UserID) bridge.MatrixClient {
	return p.appserviceClient(mxid)
}

func (p *Provider) Puppet(ctx context.Context, owner id.UserID) (bridge.MatrixClient, error) {
	if p.puppetTokens == nil {
		return nil, nil
	}
	token, err := p.puppetTokens(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("resolving puppet token: %w", err)
	}
	if token == "" {
		return nil, nil
	}
	mx, err := mautrix.NewClient(p.homeserverURL, owner, token)
	if err != nil {
		return nil, fmt.Errorf("building puppet client: %w", err)
	}
	return NewClient(mx, p.log), nil
}
