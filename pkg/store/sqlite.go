// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	_ "modernc.org/sqlite"
)

// SQLite holds all bridge mappings in one SQLite database. The schema is
// created on open; parent directories are created if needed.
type SQLite struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLite opens (or creates) a SQLite-backed store at the given path.
func NewSQLite(path string, log zerolog.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers from blocking the engines' writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLite{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		puppet_id     INTEGER NOT NULL,
		room_id       TEXT NOT NULL,
		mxid          TEXT NOT NULL,
		is_direct     INTEGER NOT NULL DEFAULT 0,
		name          TEXT NOT NULL DEFAULT '',
		topic         TEXT NOT NULL DEFAULT '',
		avatar_url    TEXT NOT NULL DEFAULT '',
		avatar_mxc    TEXT NOT NULL DEFAULT '',
		avatar_hash   TEXT NOT NULL DEFAULT '',
		group_id      TEXT NOT NULL DEFAULT '',
		operator_mxid TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (puppet_id, room_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_rooms_mxid ON rooms(mxid);

	CREATE TABLE IF NOT EXISTS users (
		puppet_id   INTEGER NOT NULL,
		user_id     TEXT NOT NULL,
		ghost_mxid  TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		avatar_url  TEXT NOT NULL DEFAULT '',
		avatar_mxc  TEXT NOT NULL DEFAULT '',
		avatar_hash TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (puppet_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_users_ghost ON users(ghost_mxid);

	CREATE TABLE IF NOT EXISTS room_overrides (
		puppet_id     INTEGER NOT NULL,
		user_id       TEXT NOT NULL,
		room_id       TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		avatar_mxc    TEXT NOT NULL DEFAULT '',
		avatar_hash   TEXT NOT NULL DEFAULT '',
		set_by_remote INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (puppet_id, user_id, room_id)
	);

	CREATE TABLE IF NOT EXISTS puppets (
		puppet_id   INTEGER PRIMARY KEY,
		owner_mxid  TEXT NOT NULL,
		user_id     TEXT NOT NULL DEFAULT '',
		auto_invite INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS media (
		fingerprint TEXT PRIMARY KEY,
		mxc         TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Stores returns the SQLite store wired into a Stores bundle.
func (s *SQLite) Stores() Stores {
	return Stores{
		Rooms:     &sqliteRooms{s},
		Users:     &sqliteUsers{s},
		Overrides: &sqliteOverrides{s},
		Puppets:   &sqlitePuppets{s},
		Media:     &sqliteMedia{s},
	}
}

func parseMXC(raw string) id.ContentURI {
	if raw == "" {
		return id.ContentURI{}
	}
	uri, err := id.ParseContentURI(raw)
	if err != nil {
		return id.ContentURI{}
	}
	return uri
}

type sqliteRooms struct{ s *SQLite }

const roomColumns = "puppet_id, room_id, mxid, is_direct, name, topic, avatar_url, avatar_mxc, avatar_hash, group_id, operator_mxid"

func scanRoom(row interface{ Scan(...any) error }) (*RoomEntry, error) {
	var entry RoomEntry
	var mxid, avatarMXC, operator string
	err := row.Scan(&entry.PuppetID, &entry.RoomID, &mxid, &entry.IsDirect,
		&entry.Name, &entry.Topic, &entry.AvatarURL, &avatarMXC,
		&entry.AvatarHash, &entry.GroupID, &operator)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning room: %w", err)
	}
	entry.MXID = id.RoomID(mxid)
	entry.AvatarMXC = parseMXC(avatarMXC)
	entry.OperatorMXID = id.UserID(operator)
	return &entry, nil
}

func (r *sqliteRooms) GetByRemote(ctx context.Context, puppetID int, roomID string) (*RoomEntry, error) {
	row := r.s.db.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE puppet_id = ? AND room_id = ?", puppetID, roomID)
	return scanRoom(row)
}

func (r *sqliteRooms) GetByMXID(ctx context.Context, mxid id.RoomID) (*RoomEntry, error) {
	row := r.s.db.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE mxid = ?", mxid.String())
	return scanRoom(row)
}

func (r *sqliteRooms) GetAllForPuppet(ctx context.Context, puppetID int) ([]*RoomEntry, error) {
	rows, err := r.s.db.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE puppet_id = ?", puppetID)
	if err != nil {
		return nil, fmt.Errorf("querying rooms: %w", err)
	}
	defer rows.Close()
	var out []*RoomEntry
	for rows.Next() {
		entry, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (r *sqliteRooms) Set(ctx context.Context, entry *RoomEntry) error {
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO rooms (`+roomColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (puppet_id, room_id) DO UPDATE SET
			mxid = excluded.mxid, is_direct = excluded.is_direct,
			name = excluded.name, topic = excluded.topic,
			avatar_url = excluded.avatar_url, avatar_mxc = excluded.avatar_mxc,
			avatar_hash = excluded.avatar_hash, group_id = excluded.group_id,
			operator_mxid = excluded.operator_mxid`,
		entry.PuppetID, entry.RoomID, entry.MXID.String(), entry.IsDirect,
		entry.Name, entry.Topic, entry.AvatarURL, entry.AvatarMXC.String(),
		entry.AvatarHash, entry.GroupID, entry.OperatorMXID.String())
	if err != nil {
		return fmt.Errorf("upserting room: %w", err)
	}
	return nil
}

func (r *sqliteRooms) Delete(ctx context.Context, puppetID int, roomID string) error {
	_, err := r.s.db.ExecContext(ctx,
		"DELETE FROM rooms WHERE puppet_id = ? AND room_id = ?", puppetID, roomID)
	if err != nil {
		return fmt.Errorf("deleting room: %w", err)
	}
	return nil
}

type sqliteUsers struct{ s *SQLite }

const userColumns = "puppet_id, user_id, ghost_mxid, name, avatar_url, avatar_mxc, avatar_hash"

func scanUser(row interface{ Scan(...any) error }) (*UserEntry, error) {
	var entry UserEntry
	var ghost, avatarMXC string
	err := row.Scan(&entry.PuppetID, &entry.UserID, &ghost, &entry.Name,
		&entry.AvatarURL, &avatarMXC, &entry.AvatarHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	entry.GhostMXID = id.UserID(ghost)
	entry.AvatarMXC = parseMXC(avatarMXC)
	return &entry, nil
}

func (u *sqliteUsers) Get(ctx context.Context, puppetID int, userID string) (*UserEntry, error) {
	row := u.s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE puppet_id = ? AND user_id = ?", puppetID, userID)
	return scanUser(row)
}

func (u *sqliteUsers) GetByGhostMXID(ctx context.Context, mxid id.UserID) (*UserEntry, error) {
	row := u.s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE ghost_mxid = ?", mxid.String())
	return scanUser(row)
}

func (u *sqliteUsers) GetAllForPuppet(ctx context.Context, puppetID int) ([]*UserEntry, error) {
	rows, err := u.s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE puppet_id = ?", puppetID)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()
	var out []*UserEntry
	for rows.Next() {
		entry, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (u *sqliteUsers) Set(ctx context.Context, entry *UserEntry) error {
	_, err := u.s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (puppet_id, user_id) DO UPDATE SET
			ghost_mxid = excluded.ghost_mxid, name = excluded.name,
			avatar_url = excluded.avatar_url, avatar_mxc = excluded.avatar_mxc,
			avatar_hash = excluded.avatar_hash`,
		entry.PuppetID, entry.UserID, entry.GhostMXID.String(), entry.Name,
		entry.AvatarURL, entry.AvatarMXC.String(), entry.AvatarHash)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

func (u *sqliteUsers) Delete(ctx context.Context, puppetID int, userID string) error {
	_, err := u.s.db.ExecContext(ctx,
		"DELETE FROM users WHERE puppet_id = ? AND user_id = ?", puppetID, userID)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return nil
}

type sqliteOverrides struct{ s *SQLite }

const overrideColumns = "puppet_id, user_id, room_id, name, avatar_mxc, avatar_hash, set_by_remote"

func scanOverride(row interface{ Scan(...any) error }) (*RoomOverrideEntry, error) {
	var entry RoomOverrideEntry
	var avatarMXC string
	err := row.Scan(&entry.PuppetID, &entry.UserID, &entry.RoomID,
		&entry.Name, &avatarMXC, &entry.AvatarHash, &entry.SetByRemote)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning override: %w", err)
	}
	entry.AvatarMXC = parseMXC(avatarMXC)
	return &entry, nil
}

func (o *sqliteOverrides) Get(ctx context.Context, puppetID int, userID, roomID string) (*RoomOverrideEntry, error) {
	row := o.s.db.QueryRowContext(ctx,
		"SELECT "+overrideColumns+" FROM room_overrides WHERE puppet_id = ? AND user_id = ? AND room_id = ?",
		puppetID, userID, roomID)
	return scanOverride(row)
}

func (o *sqliteOverrides) GetAllForUser(ctx context.Context, puppetID int, userID string) ([]*RoomOverrideEntry, error) {
	rows, err := o.s.db.QueryContext(ctx,
		"SELECT "+overrideColumns+" FROM room_overrides WHERE puppet_id = ? AND user_id = ?",
		puppetID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying overrides: %w", err)
	}
	defer rows.Close()
	var out []*RoomOverrideEntry
	for rows.Next() {
		entry, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (o *sqliteOverrides) Set(ctx context.Context, entry *RoomOverrideEntry) error {
	_, err := o.s.db.ExecContext(ctx, `
		INSERT INTO room_overrides (`+overrideColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (puppet_id, user_id, room_id) DO UPDATE SET
			name = excluded.name, avatar_mxc = excluded.avatar_mxc,
			avatar_hash = excluded.avatar_hash, set_by_remote = excluded.set_by_remote`,
		entry.PuppetID, entry.UserID, entry.RoomID, entry.Name,
		entry.AvatarMXC.String(), entry.AvatarHash, entry.SetByRemote)
	if err != nil {
		return fmt.Errorf("upserting override: %w", err)
	}
	return nil
}

func (o *sqliteOverrides) DeleteAllForUser(ctx context.Context, puppetID int, userID string) error {
	_, err := o.s.db.ExecContext(ctx,
		"DELETE FROM room_overrides WHERE puppet_id = ? AND user_id = ?", puppetID, userID)
	if err != nil {
		return fmt.Errorf("deleting overrides for user: %w", err)
	}
	return nil
}

func (o *sqliteOverrides) DeleteAllForRoom(ctx context.Context, puppetID int, roomID string) error {
	_, err := o.s.db.ExecContext(ctx,
		"DELETE FROM room_overrides WHERE puppet_id = ? AND room_id = ?", puppetID, roomID)
	if err != nil {
		return fmt.Errorf("deleting overrides for room: %w", err)
	}
	return nil
}

type sqlitePuppets struct{ s *SQLite }

func (p *sqlitePuppets) Get(ctx context.Context, puppetID int) (*PuppetEntry, error) {
	var entry PuppetEntry
	var owner string
	err := p.s.db.QueryRowContext(ctx,
		"SELECT puppet_id, owner_mxid, user_id, auto_invite FROM puppets WHERE puppet_id = ?",
		puppetID).Scan(&entry.PuppetID, &owner, &entry.UserID, &entry.AutoInvite)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning puppet: %w", err)
	}
	entry.OwnerMXID = id.UserID(owner)
	return &entry, nil
}

func (p *sqlitePuppets) GetAll(ctx context.Context) ([]*PuppetEntry, error) {
	rows, err := p.s.db.QueryContext(ctx,
		"SELECT puppet_id, owner_mxid, user_id, auto_invite FROM puppets")
	if err != nil {
		return nil, fmt.Errorf("querying puppets: %w", err)
	}
	defer rows.Close()
	var out []*PuppetEntry
	for rows.Next() {
		var entry PuppetEntry
		var owner string
		if err := rows.Scan(&entry.PuppetID, &owner, &entry.UserID, &entry.AutoInvite); err != nil {
			return nil, fmt.Errorf("scanning puppet: %w", err)
		}
		entry.OwnerMXID = id.UserID(owner)
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func (p *sqlitePuppets) Set(ctx context.Context, entry *PuppetEntry) error {
	_, err := p.s.db.ExecContext(ctx, `
		INSERT INTO puppets (puppet_id, owner_mxid, user_id, auto_invite) VALUES (?, ?, ?, ?)
		ON CONFLICT (puppet_id) DO UPDATE SET
			owner_mxid = excluded.owner_mxid, user_id = excluded.user_id,
			auto_invite = excluded.auto_invite`,
		entry.PuppetID, entry.OwnerMXID.String(), entry.UserID, entry.AutoInvite)
	if err != nil {
		return fmt.Errorf("upserting puppet: %w", err)
	}
	return nil
}

type sqliteMedia struct{ s *SQLite }

func (m *sqliteMedia) Get(ctx context.Context, fingerprint string) (id.ContentURI, error) {
	var raw string
	err := m.s.db.QueryRowContext(ctx,
		"SELECT mxc FROM media WHERE fingerprint = ?", fingerprint).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return id.ContentURI{}, ErrNotFound
	}
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("scanning media: %w", err)
	}
	return parseMXC(raw), nil
}

func (m *sqliteMedia) Set(ctx context.Context, fingerprint string, mxc id.ContentURI) error {
	_, err := m.s.db.ExecContext(ctx, `
		INSERT INTO media (fingerprint, mxc) VALUES (?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET mxc = excluded.mxc`,
		fingerprint, mxc.String())
	if err != nil {
		return fmt.Errorf("upserting media: %w", err)
	}
	return nil
}
