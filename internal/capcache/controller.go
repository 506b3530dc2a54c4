// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package capcache

import (
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/capxd/internal/log"
	"github.com/ManuGH/capxd/internal/metrics"
	"github.com/ManuGH/capxd/internal/uce"
	"github.com/rs/zerolog"
)

// Controller is the cache collaborator. Lookups never block on the network:
// stale entries are returned as-is and reported to the core's refresh
// callback, which re-requests them with the cache bypassed.
type Controller struct {
	logger zerolog.Logger
	cb     uce.ControllerCallback
	store  Store
	ttl    time.Duration

	mu       sync.Mutex
	attached bool
}

var _ uce.CacheCollaborator = (*Controller)(nil)

// New creates the cache collaborator on top of the given store. Entries
// older than ttl are considered stale.
func New(store Store, ttl time.Duration, cb uce.ControllerCallback) *Controller {
	return &Controller{
		logger: log.WithComponent("capcache"),
		cb:     cb,
		store:  store,
		ttl:    ttl,
	}
}

// Lookup returns one entry per requested address. Misses have a nil
// capability set; stale hits are flagged and queued for a refresh.
func (c *Controller) Lookup(addrs []uce.Address) []uce.CacheEntry {
	now := time.Now()
	entries := make([]uce.CacheEntry, 0, len(addrs))
	var stale []uce.Address

	for _, addr := range addrs {
		caps, err := c.store.Get(addr)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				c.logger.Warn().Err(err).
					Str(log.FieldAddress, string(addr)).
					Msg("capability store read failed")
			}
			metrics.RecordCacheLookup("miss")
			entries = append(entries, uce.CacheEntry{Address: addr})
			continue
		}
		fresh := now.Sub(caps.RetrievedAt) < c.ttl
		if fresh {
			metrics.RecordCacheLookup("hit")
		} else {
			metrics.RecordCacheLookup("stale")
			stale = append(stale, addr)
		}
		entry := caps
		entries = append(entries, uce.CacheEntry{Address: addr, Capabilities: &entry, Fresh: fresh})
	}

	if len(stale) > 0 && c.isAttached() {
		// Refresh runs in the background; the stale entries above were
		// already answered from the cache.
		go c.cb.RefreshCapabilities(stale, &refreshReply{logger: c.logger})
	}
	return entries
}

// LookupAvailability returns the cache entry for a single address.
func (c *Controller) LookupAvailability(addr uce.Address) uce.CacheEntry {
	entries := c.Lookup([]uce.Address{addr})
	return entries[0]
}

// Store persists freshly retrieved capability sets.
func (c *Controller) Store(caps []uce.ContactCapabilities) {
	for _, cc := range caps {
		if cc.RetrievedAt.IsZero() {
			cc.RetrievedAt = time.Now()
		}
		if err := c.store.Put(cc); err != nil {
			c.logger.Warn().Err(err).
				Str(log.FieldAddress, string(cc.Address)).
				Msg("capability store write failed")
		}
	}
}

func (c *Controller) isAttached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// OnAttached implements uce.Collaborator.
func (c *Controller) OnAttached(uce.SignalingHandle) {
	c.mu.Lock()
	c.attached = true
	c.mu.Unlock()
}

// OnDetached implements uce.Collaborator.
func (c *Controller) OnDetached() {
	c.mu.Lock()
	c.attached = false
	c.mu.Unlock()
}

// OnConfigChanged implements uce.Collaborator. Cache policy is not carrier
// dependent, so this is a no-op.
func (c *Controller) OnConfigChanged() {}

// OnTeardown closes the underlying store.
func (c *Controller) OnTeardown() {
	c.mu.Lock()
	c.attached = false
	c.mu.Unlock()
	if err := c.store.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("capability store close failed")
	}
}

// refreshReply discards refresh results; the request manager has already
// stored the refreshed capabilities by the time a reply arrives.
type refreshReply struct {
	logger zerolog.Logger
}

func (r *refreshReply) OnCapabilities([]uce.ContactCapabilities) {}

func (r *refreshReply) OnComplete() {
	r.logger.Debug().Str(log.FieldEvent, "capcache.refresh.done").Msg("capability refresh completed")
}

func (r *refreshReply) OnError(code uce.ErrorCode, retryAfter time.Duration) {
	r.logger.Warn().
		Str(log.FieldEvent, "capcache.refresh.failed").
		Str(log.FieldErrorCode, string(code)).
		Int64(log.FieldRetryAfter, retryAfter.Milliseconds()).
		Msg("capability refresh rejected")
}
