// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mxpuppet/pkg/keyedlock"
	"github.com/aiku/mxpuppet/pkg/store"
)

// MediaSource describes one piece of media to resolve into a Matrix content
// URI. Bytes takes precedence over URL; with both set the bytes are treated
// as the content the URL points at, so both fingerprints get registered.
type MediaSource struct {
	URL      string
	Bytes    []byte
	MimeType string
	Filename string
}

// Downloader fetches the bytes behind a remote locator.
type Downloader func(ctx context.Context, url string) ([]byte, error)

// MediaCache dedupes media uploads by locator and by content digest.
// Identical content never uploads twice, even when reached via a different
// locator later.
type MediaCache struct {
	store    store.MediaStore
	lock     *keyedlock.Lock
	download Downloader
	log      zerolog.Logger
}

// NewMediaCache creates a media cache over the given store. A nil downloader
// falls back to a plain HTTP GET with a 30-second timeout.
func NewMediaCache(st store.MediaStore, lockTimeout time.Duration, download Downloader, log zerolog.Logger) *MediaCache {
	log = log.With().Str("component", "mediacache").Logger()
	if download == nil {
		download = httpDownload
	}
	return &MediaCache{
		store:    st,
		lock:     keyedlock.New(lockTimeout, log),
		download: download,
		log:      log,
	}
}

func httpDownload(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Fingerprint returns the content-digest fingerprint for raw bytes.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}

func locatorFingerprint(url string) string {
	return "url:" + url
}

// Download fetches the bytes behind a locator. Exposed for callers that need
// the content itself (avatar fingerprint comparison) before deciding whether
// to upload.
func (mc *MediaCache) Download(ctx context.Context, url string) ([]byte, error) {
	return mc.download(ctx, url)
}

// GetMXC resolves a media source to an uploaded Matrix content URI, uploading
// through client only when neither the locator nor the content digest is
// already cached. Concurrent calls for the same fingerprint are serialized;
// every lock acquired during one call is released on every exit path.
func (mc *MediaCache) GetMXC(ctx context.Context, client MatrixClient, src MediaSource) (id.ContentURI, error) {
	var locked []keyedlock.Ticket
	defer func() {
		mc.lock.ReleaseAll(locked...)
	}()

	acquire := func(key string) error {
		ticket, err := mc.lock.WaitAndSet(ctx, key)
		if err != nil {
			return err
		}
		locked = append(locked, ticket)
		return nil
	}

	data := src.Bytes
	if src.URL != "" {
		key := locatorFingerprint(src.URL)
		if err := acquire(key); err != nil {
			return id.ContentURI{}, err
		}
		if mxc, err := mc.store.Get(ctx, key); err == nil {
			return mxc, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return id.ContentURI{}, fmt.Errorf("looking up locator fingerprint: %w", err)
		}
		if data == nil {
			var err error
			data, err = mc.download(ctx, src.URL)
			if err != nil {
				return id.ContentURI{}, err
			}
		}
	}
	if data == nil {
		return id.ContentURI{}, fmt.Errorf("media source has neither bytes nor URL")
	}

	digestKey := Fingerprint(data)
	if err := acquire(digestKey); err != nil {
		return id.ContentURI{}, err
	}
	if mxc, err := mc.store.Get(ctx, digestKey); err == nil {
		// Same bytes were uploaded before under another locator; register
		// this locator for the fast path next time.
		mc.persist(ctx, src.URL, digestKey, mxc, false)
		return mxc, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return id.ContentURI{}, fmt.Errorf("looking up content fingerprint: %w", err)
	}

	mimeType := src.MimeType
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	filename := src.Filename
	if filename == "" && src.URL != "" {
		filename = path.Base(src.URL)
	}

	mxc, err := client.UploadMedia(ctx, data, mimeType, filename)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("uploading media: %w", err)
	}

	mc.persist(ctx, src.URL, digestKey, mxc, true)
	mc.log.Debug().Str("fingerprint", digestKey).Str("mxc", mxc.String()).
		Str("mime_type", mimeType).Msg("Uploaded media")
	return mxc, nil
}

// persist records the mapping under the content digest and, when present,
// the locator. Store failures here lose only dedupe, so they are logged and
// swallowed.
func (mc *MediaCache) persist(ctx context.Context, url, digestKey string, mxc id.ContentURI, withDigest bool) {
	if withDigest {
		if err := mc.store.Set(ctx, digestKey, mxc); err != nil {
			mc.log.Warn().Err(err).Str("fingerprint", digestKey).Msg("Failed to persist media fingerprint")
		}
	}
	if url != "" {
		if err := mc.store.Set(ctx, locatorFingerprint(url), mxc); err != nil {
			mc.log.Warn().Err(err).Str("url", url).Msg("Failed to persist locator fingerprint")
		}
	}
}
