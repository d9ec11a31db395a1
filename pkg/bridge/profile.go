// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// profileState is the stored name/avatar state a reconciliation compares
// against.
type profileState struct {
	Name       string
	AvatarURL  string
	AvatarHash string
}

// profileChange holds only the fields that actually changed. Nil means
// unchanged; the engines persist and write out nothing for an empty change.
type profileChange struct {
	Name       *string
	AvatarURL  *string
	AvatarMXC  *id.ContentURI
	AvatarHash *string
}

func (c profileChange) empty() bool {
	return c.Name == nil && c.AvatarURL == nil && c.AvatarMXC == nil && c.AvatarHash == nil
}

// reconcileProfile diffs the stored profile against the observed one and
// returns only the changed fields. Names go through formatName before
// comparison. Avatars are compared by content fingerprint rather than by
// locator, so a remote protocol reissuing the same image under a new URL
// causes no re-upload; a genuine content change uploads through the cache
// and returns the new reference.
func reconcileProfile(ctx context.Context, cache *MediaCache, client MatrixClient,
	stored profileState, observed RemoteProfile, formatName func(string) string) (profileChange, error) {
	var change profileChange

	if observed.Name != nil {
		computed := *observed.Name
		if formatName != nil {
			computed = formatName(computed)
		}
		if computed != stored.Name {
			change.Name = &computed
		}
	}

	switch {
	case observed.AvatarBytes != nil:
		hash := Fingerprint(observed.AvatarBytes)
		if hash != stored.AvatarHash {
			src := MediaSource{Bytes: observed.AvatarBytes}
			if observed.AvatarURL != nil {
				src.URL = *observed.AvatarURL
			}
			mxc, err := cache.GetMXC(ctx, client, src)
			if err != nil {
				return profileChange{}, fmt.Errorf("uploading avatar: %w", err)
			}
			change.AvatarURL = &src.URL
			change.AvatarMXC = &mxc
			change.AvatarHash = &hash
		}
	case observed.AvatarURL != nil:
		url := *observed.AvatarURL
		switch {
		case url == "":
			if stored.AvatarURL != "" || stored.AvatarHash != "" {
				empty := ""
				change.AvatarURL = &empty
				change.AvatarMXC = &id.ContentURI{}
				change.AvatarHash = &empty
			}
		case url == stored.AvatarURL:
			// Locator unchanged; nothing to compare.
		default:
			data, err := cache.Download(ctx, url)
			if err != nil {
				return profileChange{}, fmt.Errorf("downloading avatar: %w", err)
			}
			hash := Fingerprint(data)
			if hash != stored.AvatarHash {
				mxc, err := cache.GetMXC(ctx, client, MediaSource{URL: url, Bytes: data})
				if err != nil {
					return profileChange{}, fmt.Errorf("uploading avatar: %w", err)
				}
				change.AvatarURL = &url
				change.AvatarMXC = &mxc
				change.AvatarHash = &hash
			}
		}
	}

	return change, nil
}
