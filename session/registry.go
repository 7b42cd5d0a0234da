package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/richinex/mped/metrics"
)

// DefaultIdleTTL is how long an untouched session is kept.
const DefaultIdleTTL = 30 * time.Minute

// ErrNotFound is returned for an unknown or expired session id.
var ErrNotFound = errors.New("session: not found")

// Registry holds the live sessions of a process. Sessions that are not used
// for the idle TTL are dropped along with their audit records.
type Registry struct {
	asker Asker
	opts  Options
	cache *ttlcache.Cache[string, *Session]
	once  sync.Once
}

// NewRegistry creates a registry whose sessions share asker. A non-positive
// idleTTL uses DefaultIdleTTL. Close stops the expiry loop.
func NewRegistry(asker Asker, opts Options, idleTTL time.Duration) *Registry {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	opts = opts.withDefaults()

	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Session](idleTTL),
	)
	r := &Registry{asker: asker, opts: opts, cache: cache}

	cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
		metrics.ActiveSessions.Dec()
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		opts.Logger.Info("session: expired", "session", item.Key())
		r.forget(ctx, item.Key())
	})
	go cache.Start()

	return r
}

// Create starts a new session.
func (r *Registry) Create() *Session {
	s := New(r.asker, r.opts)
	r.cache.Set(s.ID(), s, ttlcache.DefaultTTL)
	metrics.ActiveSessions.Inc()
	r.opts.Logger.Debug("session: created", "session", s.ID())
	return s
}

// Get returns a live session and extends its idle deadline.
func (r *Registry) Get(id string) (*Session, bool) {
	item := r.cache.Get(id)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Reset resets the session and re-keys it under its new id. The audit
// records of the previous conversation are dropped with it.
func (r *Registry) Reset(id string) (string, error) {
	s, ok := r.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	newID := s.Reset()
	r.cache.Delete(id)
	r.cache.Set(newID, s, ttlcache.DefaultTTL)
	metrics.ActiveSessions.Inc()
	r.forget(context.Background(), id)
	return newID, nil
}

// Destroy removes a session. It reports whether the session existed.
func (r *Registry) Destroy(id string) bool {
	if _, ok := r.Get(id); !ok {
		return false
	}
	r.cache.Delete(id)
	r.forget(context.Background(), id)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close stops expiry and drops every session. Later calls do nothing.
func (r *Registry) Close() {
	r.once.Do(func() {
		r.cache.Stop()
		r.cache.DeleteAll()
	})
}

func (r *Registry) forget(ctx context.Context, id string) {
	if r.opts.Audit == nil {
		return
	}
	if err := r.opts.Audit.DeleteSession(ctx, id); err != nil {
		r.opts.Logger.Warn("session: audit cleanup failed", "session", id, "error", err)
	}
}
