// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package publish is the publish engine: it owns the device capability set,
// reacts to network publish triggers and tracks the publish state.
package publish

import (
	"sync"
	"time"

	"github.com/ManuGH/capxd/internal/log"
	"github.com/ManuGH/capxd/internal/uce"
	"github.com/rs/zerolog"
)

// Sender performs the actual capability publish on the wire. The default
// sender acknowledges immediately, which is enough for deployments where
// the signaling layer handles the PUBLISH itself.
type Sender interface {
	SendPublish(device uce.ContactCapabilities) error
}

type ackSender struct{}

func (ackSender) SendPublish(uce.ContactCapabilities) error { return nil }

// Controller is the publish collaborator.
type Controller struct {
	logger      zerolog.Logger
	cb          uce.ControllerCallback
	sender      Sender
	featureTags []uce.Capability

	mu        sync.Mutex
	state     uce.PublishState
	attached  bool
	observers []uce.PublishStateObserver
}

var _ uce.PublishCollaborator = (*Controller)(nil)

// Option configures a publish Controller.
type Option func(*Controller)

// WithSender replaces the wire sender.
func WithSender(s Sender) Option {
	return func(c *Controller) { c.sender = s }
}

// New creates the publish collaborator with the device's feature tags.
func New(featureTags []string, cb uce.ControllerCallback, opts ...Option) *Controller {
	tags := make([]uce.Capability, len(featureTags))
	for i, t := range featureTags {
		tags[i] = uce.Capability(t)
	}
	c := &Controller{
		logger:      log.WithComponent("publish"),
		cb:          cb,
		sender:      ackSender{},
		featureTags: tags,
		state:       uce.PublishStateNotPublished,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PublishFromTrigger publishes the device capabilities in response to a
// network trigger.
func (c *Controller) PublishFromTrigger(trigger uce.PublishTrigger) {
	c.mu.Lock()
	attached := c.attached
	c.mu.Unlock()
	if !attached {
		c.logger.Warn().
			Str(log.FieldEvent, "publish.skipped").
			Str(log.FieldTrigger, trigger.String()).
			Msg("publish requested while detached")
		return
	}

	c.logger.Info().
		Str(log.FieldEvent, "publish.triggered").
		Str(log.FieldTrigger, trigger.String()).
		Msg("publishing device capabilities")
	c.setState(uce.PublishStatePublishing)

	device := c.DeviceCapabilities(uce.MechanismPresence)
	if err := c.sender.SendPublish(device); err != nil {
		c.logger.Error().Err(err).
			Str(log.FieldEvent, "publish.failed").
			Msg("capability publish failed")
		c.setState(uce.PublishStateError)
		return
	}
	c.setState(uce.PublishStatePublished)
}

// OnUnpublished records that the network removed the device capabilities.
func (c *Controller) OnUnpublished() {
	c.logger.Info().Str(log.FieldEvent, "publish.unpublished").Msg("device capabilities unpublished")
	c.setState(uce.PublishStateNotPublished)
}

// DeviceCapabilities returns the device's own capability set.
func (c *Controller) DeviceCapabilities(m uce.Mechanism) uce.ContactCapabilities {
	tags := make([]uce.Capability, len(c.featureTags))
	copy(tags, c.featureTags)
	return uce.ContactCapabilities{
		Capabilities: tags,
		Mechanism:    m,
		RetrievedAt:  time.Now(),
	}
}

// PublishState returns the current publish state.
func (c *Controller) PublishState() uce.PublishState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RegisterStateObserver subscribes an observer to publish state changes.
func (c *Controller) RegisterStateObserver(o uce.PublishStateObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// UnregisterStateObserver removes a previously registered observer.
func (c *Controller) UnregisterStateObserver(o uce.PublishStateObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, obs := range c.observers {
		if obs == o {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

func (c *Controller) setState(s uce.PublishState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	old := c.state
	c.state = s
	observers := make([]uce.PublishStateObserver, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	c.logger.Debug().
		Str(log.FieldEvent, "publish.state.changed").
		Str(log.FieldOldState, old.String()).
		Str(log.FieldNewState, s.String()).
		Msg("publish state changed")
	for _, o := range observers {
		o.OnPublishStateChanged(s)
	}
}

// OnAttached implements uce.Collaborator.
func (c *Controller) OnAttached(uce.SignalingHandle) {
	c.mu.Lock()
	c.attached = true
	c.mu.Unlock()
}

// OnDetached implements uce.Collaborator. The publish state survives a
// detach; the network tells us via unpublish when it no longer holds our
// capabilities.
func (c *Controller) OnDetached() {
	c.mu.Lock()
	c.attached = false
	c.mu.Unlock()
}

// OnConfigChanged implements uce.Collaborator. A carrier config change may
// alter the allowed feature set, which the next publish picks up.
func (c *Controller) OnConfigChanged() {}

// OnTeardown implements uce.Collaborator.
func (c *Controller) OnTeardown() {
	c.mu.Lock()
	c.attached = false
	c.observers = nil
	c.mu.Unlock()
}
