// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/id"
)

// NewMemory returns a Stores bundle backed entirely by in-process maps, used
// by the demo binary and tests. Safe for concurrent use.
func NewMemory() Stores {
	return Stores{
		Rooms:     &memoryRooms{entries: make(map[string]*RoomEntry)},
		Users:     &memoryUsers{entries: make(map[string]*UserEntry)},
		Overrides: &memoryOverrides{entries: make(map[string]*RoomOverrideEntry)},
		Puppets:   &memoryPuppets{entries: make(map[int]*PuppetEntry)},
		Media:     &memoryMedia{entries: make(map[string]id.ContentURI)},
	}
}

func remoteKey(puppetID int, remoteID string) string {
	return fmt.Sprintf("%d;%s", puppetID, remoteID)
}

func overrideKey(puppetID int, userID, roomID string) string {
	return fmt.Sprintf("%d;%s;%s", puppetID, userID, roomID)
}

type memoryRooms struct {
	mu      sync.RWMutex
	entries map[string]*RoomEntry
}

func (m *memoryRooms) GetByRemote(_ context.Context, puppetID int, roomID string) (*RoomEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[remoteKey(puppetID, roomID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *memoryRooms) GetByMXID(_ context.Context, mxid id.RoomID) (*RoomEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.entries {
		if entry.MXID == mxid {
			cp := *entry
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryRooms) GetAllForPuppet(_ context.Context, puppetID int) ([]*RoomEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RoomEntry
	for _, entry := range m.entries {
		if entry.PuppetID == puppetID {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryRooms) Set(_ context.Context, entry *RoomEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[remoteKey(entry.PuppetID, entry.RoomID)] = &cp
	return nil
}

func (m *memoryRooms) Delete(_ context.Context, puppetID int, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, remoteKey(puppetID, roomID))
	return nil
}

type memoryUsers struct {
	mu      sync.RWMutex
	entries map[string]*UserEntry
}

func (m *memoryUsers) Get(_ context.Context, puppetID int, userID string) (*UserEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[remoteKey(puppetID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *memoryUsers) GetByGhostMXID(_ context.Context, mxid id.UserID) (*UserEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.entries {
		if entry.GhostMXID == mxid {
			cp := *entry
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryUsers) GetAllForPuppet(_ context.Context, puppetID int) ([]*UserEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*UserEntry
	for _, entry := range m.entries {
		if entry.PuppetID == puppetID {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryUsers) Set(_ context.Context, entry *UserEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[remoteKey(entry.PuppetID, entry.UserID)] = &cp
	return nil
}

func (m *memoryUsers) Delete(_ context.Context, puppetID int, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, remoteKey(puppetID, userID))
	return nil
}

type memoryOverrides struct {
	mu      sync.RWMutex
	entries map[string]*RoomOverrideEntry
}

func (m *memoryOverrides) Get(_ context.Context, puppetID int, userID, roomID string) (*RoomOverrideEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[overrideKey(puppetID, userID, roomID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *memoryOverrides) GetAllForUser(_ context.Context, puppetID int, userID string) ([]*RoomOverrideEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RoomOverrideEntry
	for _, entry := range m.entries {
		if entry.PuppetID == puppetID && entry.UserID == userID {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryOverrides) Set(_ context.Context, entry *RoomOverrideEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[overrideKey(entry.PuppetID, entry.UserID, entry.RoomID)] = &cp
	return nil
}

func (m *memoryOverrides) DeleteAllForUser(_ context.Context, puppetID int, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if entry.PuppetID == puppetID && entry.UserID == userID {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *memoryOverrides) DeleteAllForRoom(_ context.Context, puppetID int, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if entry.PuppetID == puppetID && entry.RoomID == roomID {
			delete(m.entries, key)
		}
	}
	return nil
}

type memoryPuppets struct {
	mu      sync.RWMutex
	entries map[int]*PuppetEntry
}

func (m *memoryPuppets) Get(_ context.Context, puppetID int) (*PuppetEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[puppetID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *memoryPuppets) GetAll(_ context.Context) ([]*PuppetEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PuppetEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		cp := *entry
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memoryPuppets) Set(_ context.Context, entry *PuppetEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[entry.PuppetID] = &cp
	return nil
}

type memoryMedia struct {
	mu      sync.RWMutex
	entries map[string]id.ContentURI
}

func (m *memoryMedia) Get(_ context.Context, fingerprint string) (id.ContentURI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mxc, ok := m.entries[fingerprint]
	if !ok {
		return id.ContentURI{}, ErrNotFound
	}
	return mxc, nil
}

func (m *memoryMedia) Set(_ context.Context, fingerprint string, mxc id.ContentURI) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[fingerprint] = mxc
	return nil
}
