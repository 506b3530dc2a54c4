// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package uce

import "time"

// EventListener receives capability-exchange events from the signaling
// layer. The controller registers exactly one listener per attach/detach
// cycle.
type EventListener interface {
	OnPublishRequested(trigger PublishTrigger)
	OnUnpublished()
	OnRemoteCapabilityRequest(addr Address, caps []Capability, responder RemoteResponder)
}

// SignalingHandle is the attach-time view of the signaling transport.
type SignalingHandle interface {
	AddEventListener(l EventListener)
	RemoveEventListener(l EventListener)
}

// Collaborator is the lifecycle contract shared by the cache, publish,
// subscribe and query engines. The controller fans every lifecycle
// notification out to all four, in the fixed order cache, publish,
// subscribe, query.
type Collaborator interface {
	// OnAttached is called once the signaling layer is bound.
	OnAttached(h SignalingHandle)
	// OnDetached is called when the signaling layer is lost.
	OnDetached()
	// OnConfigChanged is called when the carrier configuration changed.
	OnConfigChanged()
	// OnTeardown releases all resources. The collaborator is unusable
	// afterwards.
	OnTeardown()
}

// CacheCollaborator is the capability cache engine.
type CacheCollaborator interface {
	Collaborator
	Lookup(addrs []Address) []CacheEntry
	LookupAvailability(addr Address) CacheEntry
	Store(caps []ContactCapabilities)
}

// PublishCollaborator is the publish engine.
type PublishCollaborator interface {
	Collaborator
	PublishFromTrigger(trigger PublishTrigger)
	OnUnpublished()
	DeviceCapabilities(m Mechanism) ContactCapabilities
	PublishState() PublishState
	RegisterStateObserver(o PublishStateObserver)
	UnregisterStateObserver(o PublishStateObserver)
}

// RequestManager routes capability requests to the network engines and is
// responsible for consulting the cache before falling back to queries.
type RequestManager interface {
	DispatchCapabilityRequest(addrs []Address, bypassCache bool, reply ResultHandler)
	DispatchAvailabilityRequest(addr Address, reply ResultHandler)
	ServeRemoteCapabilityRequest(addr Address, caps []Capability, responder RemoteResponder)
	OnTeardown()
}

// ControllerCallback is the surface the controller exposes to its
// collaborators so they can reach each other without holding direct
// references.
type ControllerCallback interface {
	// CapabilitiesFromCache retrieves the cached capability entries for the
	// given addresses.
	CapabilitiesFromCache(addrs []Address) []CacheEntry

	// AvailabilityFromCache retrieves the availability cache entry for one
	// address.
	AvailabilityFromCache(addr Address) CacheEntry

	// SaveCapabilities stores freshly retrieved capabilities in the cache.
	SaveCapabilities(caps []ContactCapabilities)

	// DeviceCapabilities returns this device's own capability set.
	DeviceCapabilities(m Mechanism) ContactCapabilities

	// UpdateRequestForbidden records a forbidden reply from the network.
	UpdateRequestForbidden(forbidden bool, code ErrorCode, retryAfter time.Duration)

	// IsRequestForbidden reports whether the network currently forbids
	// requests.
	IsRequestForbidden() bool

	// RetryAfter returns the remaining forbidden window.
	RetryAfter() time.Duration

	// RefreshCapabilities re-requests capabilities for addresses whose
	// cache entries went stale, bypassing the cache.
	RefreshCapabilities(addrs []Address, reply ResultHandler)
}

// registry owns the collaborator references and fans lifecycle
// notifications out in the fixed order cache, publish, subscribe, query.
type registry struct {
	cache     CacheCollaborator
	publish   PublishCollaborator
	subscribe Collaborator
	query     Collaborator
}

func (r *registry) all() []Collaborator {
	return []Collaborator{r.cache, r.publish, r.subscribe, r.query}
}

func (r *registry) attached(h SignalingHandle) {
	for _, c := range r.all() {
		c.OnAttached(h)
	}
}

func (r *registry) detached() {
	for _, c := range r.all() {
		c.OnDetached()
	}
}

func (r *registry) configChanged() {
	for _, c := range r.all() {
		c.OnConfigChanged()
	}
}

func (r *registry) teardown() {
	for _, c := range r.all() {
		c.OnTeardown()
	}
}
