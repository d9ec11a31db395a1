// Copyright 2024-2026 Aiku AI

// Package keyedlock provides per-key mutual exclusion for reconciliation
// work. Holders for different keys never contend, and every holder is
// force-released after a bounded timeout so a crashed holder cannot wedge
// its key forever. The timeout is a logged safety valve, not something
// callers may rely on for correctness.
package keyedlock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout is the holder timeout used when New is given zero.
const DefaultTimeout = 30 * time.Second

type holder struct {
	released chan struct{}
	timer    *time.Timer
}

// Lock is a keyed lock. The zero value is not usable; call New.
type Lock struct {
	timeout time.Duration
	log     zerolog.Logger

	// mu guards held. Waiters block on a holder's released channel,
	// never on mu, so unrelated keys make progress independently.
	mu   sync.Mutex
	held map[string]*holder
}

// New creates a keyed lock whose holders expire after the given timeout.
func New(timeout time.Duration, log zerolog.Logger) *Lock {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Lock{
		timeout: timeout,
		log:     log.With().Str("component", "keyedlock").Logger(),
		held:    make(map[string]*holder),
	}
}

// Wait blocks until no holder is registered for key, the current holder's
// timeout expires, or ctx is done. It does not acquire the key.
func (l *Lock) Wait(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		h, ok := l.held[key]
		l.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-h.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Ticket identifies one registration of a key. Release only acts when the
// ticket's registration is still current, so a holder that outlived the
// timeout and was force-released cannot free a successor's registration.
// The zero Ticket releases nothing.
type Ticket struct {
	key string
	h   *holder
}

// Set registers the caller as the holder for key without waiting. If the key
// is already held the existing holder is replaced; the usual entry point is
// WaitAndSet, which acquires atomically.
func (l *Lock) Set(key string) Ticket {
	l.mu.Lock()
	h := l.setLocked(key)
	l.mu.Unlock()
	return Ticket{key: key, h: h}
}

func (l *Lock) setLocked(key string) *holder {
	if old, ok := l.held[key]; ok {
		old.timer.Stop()
		close(old.released)
	}
	h := &holder{released: make(chan struct{})}
	h.timer = time.AfterFunc(l.timeout, func() {
		l.log.Warn().Str("key", key).Dur("timeout", l.timeout).
			Msg("Lock holder timed out, force-releasing")
		l.releaseHolder(key, h)
	})
	l.held[key] = h
	return h
}

// WaitAndSet waits until key is free and registers the caller as its holder
// in one step, so two concurrent callers can never both acquire the key.
func (l *Lock) WaitAndSet(ctx context.Context, key string) (Ticket, error) {
	for {
		l.mu.Lock()
		h, ok := l.held[key]
		if !ok {
			h = l.setLocked(key)
			l.mu.Unlock()
			return Ticket{key: key, h: h}, nil
		}
		l.mu.Unlock()
		select {
		case <-h.released:
		case <-ctx.Done():
			return Ticket{}, ctx.Err()
		}
	}
}

// Release clears the registration behind t and wakes all waiters. A no-op
// when t is no longer the key's current registration: releasing twice, or
// after a timeout force-release handed the key to a successor, is safe.
func (l *Lock) Release(t Ticket) {
	if t.h == nil {
		return
	}
	l.releaseHolder(t.key, t.h)
}

// ReleaseAll releases every given ticket. Used by callers that acquired
// several keys for one operation and must drop them together on every exit
// path.
func (l *Lock) ReleaseAll(tickets ...Ticket) {
	for _, t := range tickets {
		l.Release(t)
	}
}

// releaseHolder releases key only if h is still its registered holder.
func (l *Lock) releaseHolder(key string, h *holder) {
	l.mu.Lock()
	if cur, ok := l.held[key]; ok && cur == h {
		cur.timer.Stop()
		close(cur.released)
		delete(l.held, key)
	}
	l.mu.Unlock()
}

// IsHeld reports whether key currently has a registered holder.
func (l *Lock) IsHeld(key string) bool {
	l.mu.Lock()
	_, ok := l.held[key]
	l.mu.Unlock()
	return ok
}
