// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"
)

// EscapeRemoteID encodes an arbitrary remote id into the character set
// allowed in Matrix localparts. Lowercase letters, digits, "-", "." and "/"
// pass through; "_" doubles; uppercase letters become "_" plus the lowercase
// letter; every other byte becomes "=" plus two hex digits.
func EscapeRemoteID(remoteID string) string {
	var b strings.Builder
	for i := 0; i < len(remoteID); i++ {
		c := remoteID[i]
		switch {
		case c == '_':
			b.WriteString("__")
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '.', c == '/':
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte('_')
			b.WriteByte(c + 0x20)
		default:
			fmt.Fprintf(&b, "=%02x", c)
		}
	}
	return b.String()
}

// UnescapeRemoteID reverses EscapeRemoteID. Malformed input yields an error.
func UnescapeRemoteID(escaped string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(escaped); i++ {
		c := escaped[i]
		switch c {
		case '_':
			if i+1 >= len(escaped) {
				return "", fmt.Errorf("dangling underscore escape in %q", escaped)
			}
			i++
			next := escaped[i]
			if next == '_' {
				b.WriteByte('_')
			} else if next >= 'a' && next <= 'z' {
				b.WriteByte(next - 0x20)
			} else {
				return "", fmt.Errorf("invalid underscore escape %q in %q", next, escaped)
			}
		case '=':
			if i+2 >= len(escaped) {
				return "", fmt.Errorf("truncated hex escape in %q", escaped)
			}
			v, err := strconv.ParseUint(escaped[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("invalid hex escape in %q: %w", escaped, err)
			}
			b.WriteByte(byte(v))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// AliasLocalpart derives the deterministic alias localpart for a bridged
// room: the configured prefix, the puppet id and the escaped remote room id.
func (c *Config) AliasLocalpart(puppetID int, roomID string) string {
	return c.AliasPrefix + strconv.Itoa(puppetID) + "_" + EscapeRemoteID(roomID)
}

// RoomAlias derives the full room alias for a bridged room.
func (c *Config) RoomAlias(puppetID int, roomID string) id.RoomAlias {
	return id.RoomAlias("#" + c.AliasLocalpart(puppetID, roomID) + ":" + c.HomeserverDomain)
}

// ParseAlias extracts (puppetID, roomID) from a bridge room alias. The second
// return is false for aliases outside the bridge namespace, with a malformed
// or non-numeric puppet id, or with an invalid escape sequence.
func (c *Config) ParseAlias(alias id.RoomAlias) (puppetID int, roomID string, ok bool) {
	localpart, _, found := strings.Cut(strings.TrimPrefix(string(alias), "#"), ":")
	if !found {
		localpart = strings.TrimPrefix(string(alias), "#")
	}
	suffix, found := strings.CutPrefix(localpart, c.AliasPrefix)
	if !found {
		return 0, "", false
	}
	idStr, escaped, found := strings.Cut(suffix, "_")
	if !found {
		return 0, "", false
	}
	puppetID, err := strconv.Atoi(idStr)
	if err != nil {
		return 0, "", false
	}
	roomID, err = UnescapeRemoteID(escaped)
	if err != nil {
		return 0, "", false
	}
	return puppetID, roomID, true
}

// GhostLocalpart derives the localpart of the ghost account for a remote user.
func (c *Config) GhostLocalpart(puppetID int, userID string) string {
	return c.NamePrefix + strconv.Itoa(puppetID) + "_" + EscapeRemoteID(userID)
}

// GhostMXID derives the full Matrix user id of the ghost for a remote user.
func (c *Config) GhostMXID(puppetID int, userID string) id.UserID {
	return id.NewUserID(c.GhostLocalpart(puppetID, userID), c.HomeserverDomain)
}

// ParseGhostMXID extracts (puppetID, userID) from a ghost Matrix id. The
// second return is false for ids outside the ghost namespace.
func (c *Config) ParseGhostMXID(mxid id.UserID) (puppetID int, userID string, ok bool) {
	localpart, homeserver, err := mxid.Parse()
	if err != nil || homeserver != c.HomeserverDomain {
		return 0, "", false
	}
	suffix, found := strings.CutPrefix(localpart, c.NamePrefix)
	if !found {
		return 0, "", false
	}
	idStr, escaped, found := strings.Cut(suffix, "_")
	if !found {
		return 0, "", false
	}
	puppetID, err = strconv.Atoi(idStr)
	if err != nil {
		return 0, "", false
	}
	userID, err = UnescapeRemoteID(escaped)
	if err != nil {
		return 0, "", false
	}
	return puppetID, userID, true
}

// IsGhostMXID reports whether the given Matrix id is inside the bridge's
// ghost namespace.
func (c *Config) IsGhostMXID(mxid id.UserID) bool {
	_, _, ok := c.ParseGhostMXID(mxid)
	return ok
}
