// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package uce

import "time"

// Address identifies a remote contact, typically a SIP or tel URI.
type Address string

// Capability names a single communication feature, e.g. "chat".
type Capability string

// Mechanism identifies how a capability set was obtained.
type Mechanism int

const (
	MechanismUnknown Mechanism = iota
	// MechanismPresence means the capabilities came from a presence publish
	// or subscribe exchange.
	MechanismPresence
	// MechanismOptions means the capabilities came from a direct query.
	MechanismOptions
)

func (m Mechanism) String() string {
	switch m {
	case MechanismPresence:
		return "presence"
	case MechanismOptions:
		return "options"
	default:
		return "unknown"
	}
}

// PublishTrigger identifies why the network asked the device to publish
// its capabilities.
type PublishTrigger int

const (
	TriggerUnknown PublishTrigger = iota
	// TriggerRegistered is sent after the device registers with the network.
	TriggerRegistered
	// TriggerCapabilityChange is sent when the device capability set changed.
	TriggerCapabilityChange
	// TriggerConfigChange is sent after the carrier configuration changed.
	TriggerConfigChange
)

func (t PublishTrigger) String() string {
	switch t {
	case TriggerRegistered:
		return "registered"
	case TriggerCapabilityChange:
		return "capability_change"
	case TriggerConfigChange:
		return "config_change"
	default:
		return "unknown"
	}
}

// ContactCapabilities is the capability set associated with one address.
type ContactCapabilities struct {
	Address      Address
	Capabilities []Capability
	Mechanism    Mechanism
	RetrievedAt  time.Time
}

// CacheEntry is the result of a single-address cache lookup. Capabilities is
// nil on a miss. Fresh is false when the entry exists but has expired.
type CacheEntry struct {
	Address      Address
	Capabilities *ContactCapabilities
	Fresh        bool
}

// ResultHandler receives the outcome of a capability or availability
// request. Exactly one of the terminal methods (OnComplete or OnError) is
// invoked per request; OnCapabilities may precede OnComplete any number of
// times as results arrive.
type ResultHandler interface {
	OnCapabilities(caps []ContactCapabilities)
	OnComplete()
	OnError(code ErrorCode, retryAfter time.Duration)
}

// RemoteResponder answers an incoming network-originated capability request
// with the device's own capabilities.
type RemoteResponder interface {
	Respond(device ContactCapabilities)
	RespondError(code ErrorCode)
}

// PublishState describes the publish engine's view of the device
// capabilities on the network.
type PublishState int

const (
	PublishStateNotPublished PublishState = iota
	PublishStatePublishing
	PublishStatePublished
	PublishStateError
)

func (s PublishState) String() string {
	switch s {
	case PublishStateNotPublished:
		return "not_published"
	case PublishStatePublishing:
		return "publishing"
	case PublishStatePublished:
		return "published"
	case PublishStateError:
		return "error"
	default:
		return "unknown"
	}
}

// PublishStateObserver is notified when the publish state changes.
type PublishStateObserver interface {
	OnPublishStateChanged(state PublishState)
}
