// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mxpuppet/pkg/store"
)

// stateCall records one state event write for test assertions.
type stateCall struct {
	Sender   id.UserID
	RoomID   id.RoomID
	Type     event.Type
	StateKey string
	Content  any
}

// uploadCall records one media upload.
type uploadCall struct {
	Sender   id.UserID
	MimeType string
	Filename string
	Size     int
}

// mockWorld is the shared homeserver state behind all mock clients in one
// test: room membership, power levels, and call records.
type mockWorld struct {
	mu sync.Mutex

	nextRoom    int
	nextFile    int
	members     map[id.RoomID][]id.UserID
	powerLevels map[id.RoomID]*event.PowerLevelsEventContent

	createCalls    []*mautrix.ReqCreateRoom
	stateEvents    []stateCall
	uploads        []uploadCall
	invites        []id.UserID
	deletedAliases []id.RoomAlias

	// forbiddenSenders makes SendStateEvent fail with M_FORBIDDEN for the
	// listed accounts.
	forbiddenSenders map[id.UserID]bool
	// inviteOnlyRooms makes EnsureJoined fail with M_FORBIDDEN until the
	// joining account has been invited.
	inviteOnlyRooms map[id.RoomID]bool
	// memberErr makes JoinedMembers fail for every client.
	memberErr error
	// profileErr makes SetDisplayName/SetAvatarURL fail for every client.
	profileErr error
}

func newMockWorld() *mockWorld {
	return &mockWorld{
		members:          make(map[id.RoomID][]id.UserID),
		powerLevels:      make(map[id.RoomID]*event.PowerLevelsEventContent),
		forbiddenSenders: make(map[id.UserID]bool),
		inviteOnlyRooms:  make(map[id.RoomID]bool),
	}
}

func (w *mockWorld) stateEventsOfType(t event.Type) []stateCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []stateCall
	for _, call := range w.stateEvents {
		if call.Type == t {
			out = append(out, call)
		}
	}
	return out
}

func (w *mockWorld) roomMembers(roomID id.RoomID) []id.UserID {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]id.UserID, len(w.members[roomID]))
	copy(cp, w.members[roomID])
	return cp
}

func (w *mockWorld) setMembers(roomID id.RoomID, members ...id.UserID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.members[roomID] = members
}

// invited reports whether the account has a recorded invite. Caller holds mu.
func (w *mockWorld) invited(userID id.UserID) bool {
	for _, invitee := range w.invites {
		if invitee == userID {
			return true
		}
	}
	return false
}

func (w *mockWorld) uploadCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.uploads)
}

func (w *mockWorld) createCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.createCalls)
}

// mockClient is one account's view of the mock world.
type mockClient struct {
	w      *mockWorld
	userID id.UserID

	mu               sync.Mutex
	displayName      string
	avatarURL        id.ContentURI
	displayNameCalls int
	avatarCalls      int
}

var _ MatrixClient = (*mockClient)(nil)

func (c *mockClient) UserID() id.UserID { return c.userID }

func (c *mockClient) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	c.w.nextRoom++
	roomID := id.RoomID(fmt.Sprintf("!room%d:example.org", c.w.nextRoom))
	members := append([]id.UserID{c.userID}, req.Invite...)
	c.w.members[roomID] = members
	if req.PowerLevelOverride != nil {
		c.w.powerLevels[roomID] = req.PowerLevelOverride
	}
	c.w.createCalls = append(c.w.createCalls, req)
	return roomID, nil
}

func (c *mockClient) SendStateEvent(_ context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if c.w.forbiddenSenders[c.userID] {
		return mautrix.MForbidden
	}
	c.w.stateEvents = append(c.w.stateEvents, stateCall{
		Sender: c.userID, RoomID: roomID, Type: eventType, StateKey: stateKey, Content: content,
	})
	if eventType == event.StatePowerLevels {
		if levels, ok := content.(*event.PowerLevelsEventContent); ok {
			cp := *levels
			c.w.powerLevels[roomID] = &cp
		}
	}
	return nil
}

func (c *mockClient) GetStateEvent(_ context.Context, roomID id.RoomID, eventType event.Type, _ string, into any) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if eventType == event.StatePowerLevels {
		levels, ok := c.w.powerLevels[roomID]
		if !ok {
			return mautrix.MNotFound
		}
		target, ok := into.(*event.PowerLevelsEventContent)
		if !ok {
			return fmt.Errorf("unexpected target type %T", into)
		}
		*target = *levels
		if levels.Users != nil {
			target.Users = make(map[id.UserID]int, len(levels.Users))
			for k, v := range levels.Users {
				target.Users[k] = v
			}
		}
		return nil
	}
	return mautrix.MNotFound
}

func (c *mockClient) EnsureJoined(_ context.Context, roomID id.RoomID) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	for _, member := range c.w.members[roomID] {
		if member == c.userID {
			return nil
		}
	}
	if c.w.inviteOnlyRooms[roomID] && !c.w.invited(c.userID) {
		return mautrix.MForbidden
	}
	c.w.members[roomID] = append(c.w.members[roomID], c.userID)
	return nil
}

func (c *mockClient) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	members := c.w.members[roomID]
	for i, member := range members {
		if member == c.userID {
			c.w.members[roomID] = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	return nil
}

func (c *mockClient) InviteUser(_ context.Context, _ id.RoomID, userID id.UserID) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	c.w.invites = append(c.w.invites, userID)
	return nil
}

func (c *mockClient) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if c.w.memberErr != nil {
		return nil, c.w.memberErr
	}
	cp := make([]id.UserID, len(c.w.members[roomID]))
	copy(cp, c.w.members[roomID])
	return cp, nil
}

func (c *mockClient) SetDisplayName(_ context.Context, name string) error {
	c.w.mu.Lock()
	perr := c.w.profileErr
	c.w.mu.Unlock()
	if perr != nil {
		return perr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.displayName = name
	c.displayNameCalls++
	return nil
}

func (c *mockClient) SetAvatarURL(_ context.Context, mxc id.ContentURI) error {
	c.w.mu.Lock()
	perr := c.w.profileErr
	c.w.mu.Unlock()
	if perr != nil {
		return perr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.avatarURL = mxc
	c.avatarCalls++
	return nil
}

func (c *mockClient) UploadMedia(_ context.Context, data []byte, mimeType, filename string) (id.ContentURI, error) {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	c.w.nextFile++
	c.w.uploads = append(c.w.uploads, uploadCall{
		Sender: c.userID, MimeType: mimeType, Filename: filename, Size: len(data),
	})
	return id.ContentURI{Homeserver: "example.org", FileID: fmt.Sprintf("file%d", c.w.nextFile)}, nil
}

func (c *mockClient) DeleteAlias(_ context.Context, alias id.RoomAlias) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	c.w.deletedAliases = append(c.w.deletedAliases, alias)
	return nil
}

func (c *mockClient) currentProfile() (string, id.ContentURI, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName, c.avatarURL, c.displayNameCalls, c.avatarCalls
}

// mockProvider hands out mock clients backed by one shared world.
type mockProvider struct {
	w   *mockWorld
	bot *mockClient

	mu      sync.Mutex
	ghosts  map[id.UserID]*mockClient
	puppets map[id.UserID]*mockClient
}

var _ ClientProvider = (*mockProvider)(nil)

func newMockProvider(w *mockWorld) *mockProvider {
	return &mockProvider{
		w:       w,
		bot:     &mockClient{w: w, userID: "@bridgebot:example.org"},
		ghosts:  make(map[id.UserID]*mockClient),
		puppets: make(map[id.UserID]*mockClient),
	}
}

func (p *mockProvider) Bot() MatrixClient { return p.bot }

func (p *mockProvider) Ghost(mxid id.UserID) MatrixClient {
	return p.ghost(mxid)
}

func (p *mockProvider) ghost(mxid id.UserID) *mockClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.ghosts[mxid]; ok {
		return client
	}
	client := &mockClient{w: p.w, userID: mxid}
	p.ghosts[mxid] = client
	return client
}

func (p *mockProvider) Puppet(_ context.Context, owner id.UserID) (MatrixClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.puppets[owner]; ok {
		return client, nil
	}
	return nil, nil
}

// mockDownloader serves canned bytes per URL and counts fetches.
type mockDownloader struct {
	mu    sync.Mutex
	data  map[string][]byte
	calls int
}

func newMockDownloader() *mockDownloader {
	return &mockDownloader{data: make(map[string][]byte)}
}

func (d *mockDownloader) set(url string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[url] = data
}

func (d *mockDownloader) download(_ context.Context, url string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	data, ok := d.data[url]
	if !ok {
		return nil, errors.New("no such url: " + url)
	}
	return data, nil
}

func (d *mockDownloader) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testConfig() *Config {
	return &Config{
		HomeserverDomain:    "example.org",
		NamePrefix:          "_myproto_",
		AliasPrefix:         "_myproto_",
		ProtocolID:          "myproto",
		ProtocolDisplayname: "My Protocol",
		LockTimeoutSeconds:  5,
	}
}

type testBridge struct {
	*Bridge
	world    *mockWorld
	provider *mockProvider
	download *mockDownloader
}

func newTestBridge(t *testing.T, opts ...Option) *testBridge {
	t.Helper()
	world := newMockWorld()
	provider := newMockProvider(world)
	download := newMockDownloader()
	opts = append([]Option{WithDownloader(download.download)}, opts...)
	b, err := New(testConfig(), zerolog.Nop(), provider, store.NewMemory(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testBridge{Bridge: b, world: world, provider: provider, download: download}
}

// waitEvent waits for the next published event and asserts its kind.
func waitEvent(t *testing.T, b *Bridge, kind EventKind) Event {
	t.Helper()
	select {
	case evt := <-b.Events():
		if evt.Kind != kind {
			t.Fatalf("event kind: got %s, want %s", evt.Kind, kind)
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", kind)
		return Event{}
	}
}

// drain waits for background tasks spawned during the test.
func drain(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func strPtr(s string) *string { return &s }
