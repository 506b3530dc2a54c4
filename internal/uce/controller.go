// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package uce

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ManuGH/capxd/internal/log"
	"github.com/ManuGH/capxd/internal/metrics"
	"github.com/rs/zerolog"
)

// Deps carries the collaborator wiring for a Controller. The cache, publish
// and request-manager collaborators are built through factories because they
// need the controller callback, which only exists once the controller does.
type Deps struct {
	NewCache          func(cb ControllerCallback) CacheCollaborator
	NewPublish        func(cb ControllerCallback) PublishCollaborator
	Subscribe         Collaborator
	Query             Collaborator
	NewRequestManager func(cb ControllerCallback) RequestManager
}

// Validate checks that every collaborator is wired.
func (d Deps) Validate() error {
	if d.NewCache == nil {
		return ErrMissingCache
	}
	if d.NewPublish == nil {
		return ErrMissingPublish
	}
	if d.Subscribe == nil {
		return ErrMissingSubscribe
	}
	if d.Query == nil {
		return ErrMissingQuery
	}
	if d.NewRequestManager == nil {
		return ErrMissingRequestManager
	}
	return nil
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the admission gate's time source, for tests.
func WithClock(c clock) Option {
	return func(ctrl *Controller) { ctrl.gateOpts = append(ctrl.gateOpts, WithGateClock(c)) }
}

// Controller mediates between the signaling layer and the capability
// engines. All lifecycle transitions and event handling run on one
// serialized worker goroutine; the connection state, the admission gate and
// the pending-event buffer are independently synchronized so callers get
// non-blocking answers on the fast paths.
type Controller struct {
	logger   zerolog.Logger
	state    atomic.Int32
	gate     *AdmissionGate
	gateOpts []GateOption
	pending  *pendingEvents
	worker   *worker
	reg      registry
	requests RequestManager

	// signaling is the currently attached handle. Worker-confined.
	signaling SignalingHandle
}

var _ EventListener = (*Controller)(nil)

// New creates a Controller in the Disconnected state. The worker goroutine
// starts immediately; nothing is dispatched until OnAttach.
func New(deps Deps, opts ...Option) (*Controller, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}

	c := &Controller{
		logger:  log.WithComponent("uce"),
		pending: &pendingEvents{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.gate = NewAdmissionGate(c.gateOpts...)

	cb := &controllerCallback{c: c}
	c.reg = registry{
		cache:     deps.NewCache(cb),
		publish:   deps.NewPublish(cb),
		subscribe: deps.Subscribe,
		query:     deps.Query,
	}
	c.requests = deps.NewRequestManager(cb)

	c.worker = newWorker()
	c.setState(StateDisconnected)
	c.logger.Info().Str(log.FieldEvent, "uce.controller.created").Msg("controller created")
	return c, nil
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

// OnAttach binds the signaling layer and brings the controller to
// Connected. Only valid while Disconnected; the transition runs on the
// worker, so callers may invoke it from any goroutine.
func (c *Controller) OnAttach(h SignalingHandle) {
	c.submit("attach", func() { c.attach(h) })
}

func (c *Controller) attach(h SignalingHandle) {
	if c.State() != StateDisconnected {
		c.logger.Warn().
			Str(log.FieldEvent, "uce.attach.rejected").
			Str(log.FieldOldState, c.State().String()).
			Msg("attach is only valid while disconnected")
		return
	}
	c.logger.Info().Str(log.FieldEvent, "uce.attach").Msg("signaling layer attached")

	c.setState(StateConnecting)
	c.signaling = h
	h.AddEventListener(c)
	c.reg.attached(h)
	c.setState(StateConnected)

	// Anything that raced the attach sequence is replayed exactly once.
	c.replayPending()
}

// OnDetach unbinds the signaling layer and returns to Disconnected. Valid
// from any state except Destroyed.
func (c *Controller) OnDetach() {
	c.submit("detach", c.detach)
}

func (c *Controller) detach() {
	if c.State() == StateDestroyed {
		return
	}
	c.logger.Info().Str(log.FieldEvent, "uce.detach").Msg("signaling layer detached")

	if c.signaling != nil {
		c.signaling.RemoveEventListener(c)
		c.signaling = nil
	}
	// A forbidden window does not survive the connection that produced it.
	c.gate.Update(false, "", 0)
	c.reg.detached()
	c.setState(StateDisconnected)
}

// OnTeardown destroys the controller. The destroyed latch is set before the
// cleanup task is enqueued, so requests submitted concurrently with
// teardown are already rejected while cleanup runs. Irreversible.
func (c *Controller) OnTeardown() {
	old := ConnectionState(c.state.Swap(int32(StateDestroyed)))
	if old == StateDestroyed {
		return
	}
	metrics.SetConnectionState(StateDestroyed.String())
	c.logger.Info().Str(log.FieldEvent, "uce.teardown").Msg("controller teardown")

	// The cleanup task still runs: stop drains the queue before the worker
	// exits, and nothing can be enqueued behind it.
	c.worker.submit(func() {
		if c.signaling != nil {
			c.signaling.RemoveEventListener(c)
			c.signaling = nil
		}
		c.requests.OnTeardown()
		c.reg.teardown()
	})
	c.worker.stop()
	c.worker.wait()
}

// OnConfigChanged notifies every collaborator that the carrier
// configuration changed.
func (c *Controller) OnConfigChanged() {
	c.submit("config_changed", c.reg.configChanged)
}

func (c *Controller) setState(s ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(s)))
	metrics.SetConnectionState(s.String())
	c.logger.Debug().
		Str(log.FieldEvent, "uce.state.changed").
		Str(log.FieldOldState, old.String()).
		Str(log.FieldNewState, s.String()).
		Msg("connection state changed")
}

// State returns the current connection lifecycle state.
func (c *Controller) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsConnecting reports whether an attach sequence is in flight.
func (c *Controller) IsConnecting() bool { return c.State() == StateConnecting }

// IsConnected reports whether the signaling layer is fully attached.
func (c *Controller) IsConnected() bool { return c.State() == StateConnected }

// IsUnavailable reports whether requests must be rejected: not connected,
// or destroyed.
func (c *Controller) IsUnavailable() bool { return c.State() != StateConnected }

// submit marshals a task onto the worker. Tasks arriving after teardown are
// dropped.
func (c *Controller) submit(name string, task func()) {
	if !c.worker.submit(task) {
		c.logger.Warn().
			Str(log.FieldEvent, "uce.task.dropped").
			Str("task", name).
			Msg("controller is destroyed, task dropped")
	}
}

// ----------------------------------------------------------------------------
// Request dispatch
// ----------------------------------------------------------------------------

// RequestCapabilities requests the capability sets for the given addresses.
// Cached entries are used unless expired or bypassed; misses fall back to
// the network via the request manager. Every rejection is delivered as a
// single OnError with a uniform code and retry-after.
func (c *Controller) RequestCapabilities(addrs []Address, bypassCache bool, reply ResultHandler) {
	c.requestCapabilities(addrs, bypassCache, reply)
}

func (c *Controller) requestCapabilities(addrs []Address, bypassCache bool, reply ResultHandler) {
	const kind = "capabilities"
	if len(addrs) == 0 || reply == nil {
		c.logger.Warn().
			Str(log.FieldEvent, "uce.request.invalid").
			Str("kind", kind).
			Msg("empty address list or missing reply handler")
		metrics.RecordRequest(kind, string(CodeInvalidArgument))
		if reply != nil {
			reply.OnError(CodeInvalidArgument, 0)
		}
		return
	}
	if c.IsUnavailable() {
		c.logger.Warn().
			Str(log.FieldEvent, "uce.request.unavailable").
			Str("kind", kind).
			Str(log.FieldNewState, c.State().String()).
			Msg("controller is unavailable")
		metrics.RecordRequest(kind, string(CodeUnavailable))
		reply.OnError(CodeUnavailable, 0)
		return
	}
	if c.gate.IsForbidden() {
		c.rejectForbidden(kind, reply)
		return
	}

	c.logger.Debug().
		Str(log.FieldEvent, "uce.request.capabilities").
		Int(log.FieldAddresses, len(addrs)).
		Bool(log.FieldBypass, bypassCache).
		Msg("dispatching capability request")
	metrics.RecordRequest(kind, "dispatched")
	c.requests.DispatchCapabilityRequest(addrs, bypassCache, reply)
}

// RequestAvailability requests the availability (live capability set) of a
// single address. Same validation and gating sequence as
// RequestCapabilities.
func (c *Controller) RequestAvailability(addr Address, reply ResultHandler) {
	const kind = "availability"
	if addr == "" || reply == nil {
		c.logger.Warn().
			Str(log.FieldEvent, "uce.request.invalid").
			Str("kind", kind).
			Msg("empty address or missing reply handler")
		metrics.RecordRequest(kind, string(CodeInvalidArgument))
		if reply != nil {
			reply.OnError(CodeInvalidArgument, 0)
		}
		return
	}
	if c.IsUnavailable() {
		c.logger.Warn().
			Str(log.FieldEvent, "uce.request.unavailable").
			Str("kind", kind).
			Str(log.FieldNewState, c.State().String()).
			Msg("controller is unavailable")
		metrics.RecordRequest(kind, string(CodeUnavailable))
		reply.OnError(CodeUnavailable, 0)
		return
	}
	if c.gate.IsForbidden() {
		c.rejectForbidden(kind, reply)
		return
	}

	c.logger.Debug().
		Str(log.FieldEvent, "uce.request.availability").
		Str(log.FieldAddress, string(addr)).
		Msg("dispatching availability request")
	metrics.RecordRequest(kind, "dispatched")
	c.requests.DispatchAvailabilityRequest(addr, reply)
}

func (c *Controller) rejectForbidden(kind string, reply ResultHandler) {
	code := c.gate.ForbiddenCode()
	if code == "" {
		code = CodeForbidden
	}
	retryAfter := c.gate.RetryAfter()
	c.logger.Warn().
		Str(log.FieldEvent, "uce.request.forbidden").
		Str("kind", kind).
		Str(log.FieldErrorCode, string(code)).
		Int64(log.FieldRetryAfter, retryAfter.Milliseconds()).
		Msg("request forbidden by the network")
	metrics.RecordRequest(kind, string(CodeForbidden))
	reply.OnError(code, retryAfter)
}

// ----------------------------------------------------------------------------
// Signaling events (EventListener)
// ----------------------------------------------------------------------------

// OnPublishRequested handles a network request to publish the device
// capabilities. Buffered while the attach sequence is in flight.
func (c *Controller) OnPublishRequested(trigger PublishTrigger) {
	if c.IsConnecting() {
		c.pending.setPublishRequested(trigger)
		return
	}
	c.submit("publish_requested", func() { c.handlePublishRequested(trigger) })
}

// OnUnpublished handles the network notification that the device
// capabilities were unpublished. Buffered while the attach sequence is in
// flight.
func (c *Controller) OnUnpublished() {
	if c.IsConnecting() {
		c.pending.setUnpublished()
		return
	}
	c.submit("unpublished", c.handleUnpublished)
}

// OnRemoteCapabilityRequest handles an incoming capability request from a
// remote contact. Malformed events are dropped, not buffered.
func (c *Controller) OnRemoteCapabilityRequest(addr Address, caps []Capability, responder RemoteResponder) {
	if addr == "" || len(caps) == 0 || responder == nil {
		c.logger.Warn().
			Str(log.FieldEvent, "uce.remote_request.malformed").
			Msg("remote capability request with absent fields, dropped")
		metrics.RecordEventDropped("malformed_remote_request")
		return
	}
	if c.IsConnecting() {
		c.pending.setRemoteRequest(addr, caps, responder)
		return
	}
	c.submit("remote_request", func() { c.handleRemoteRequest(addr, caps, responder) })
}

func (c *Controller) handlePublishRequested(trigger PublishTrigger) {
	c.logger.Debug().
		Str(log.FieldEvent, "uce.publish.requested").
		Str(log.FieldTrigger, trigger.String()).
		Msg("network requested capability publish")
	// A fresh publish trigger is evidence the forbidden window no longer
	// applies.
	c.gate.Update(false, "", 0)
	c.reg.publish.PublishFromTrigger(trigger)
}

func (c *Controller) handleUnpublished() {
	c.logger.Info().Str(log.FieldEvent, "uce.unpublished").Msg("device capabilities unpublished")
	c.reg.publish.OnUnpublished()
}

func (c *Controller) handleRemoteRequest(addr Address, caps []Capability, responder RemoteResponder) {
	c.logger.Debug().
		Str(log.FieldEvent, "uce.remote_request").
		Str(log.FieldAddress, string(addr)).
		Msg("serving remote capability request")
	c.requests.ServeRemoteCapabilityRequest(addr, caps, responder)
}

// replayPending drains the event buffer exactly once, in the fixed order
// publish-request, unpublish, remote-request. Runs on the worker right
// after the state reaches Connected; events arriving during the replay see
// Connected and are handled directly, never re-buffered.
func (c *Controller) replayPending() {
	s := c.pending.take()
	if s.publishSet {
		metrics.RecordEventReplayed("publish_requested")
		c.handlePublishRequested(s.publish)
	}
	if s.unpublish {
		metrics.RecordEventReplayed("unpublished")
		c.handleUnpublished()
	}
	if s.remote != nil {
		metrics.RecordEventReplayed("remote_request")
		c.handleRemoteRequest(s.remote.address, s.remote.capabilities, s.remote.responder)
	}
}

// ----------------------------------------------------------------------------
// Publish pass-throughs
// ----------------------------------------------------------------------------

// PublishState returns the publish engine's current state.
func (c *Controller) PublishState() PublishState {
	return c.reg.publish.PublishState()
}

// RegisterPublishStateObserver subscribes an observer to publish state
// changes.
func (c *Controller) RegisterPublishStateObserver(o PublishStateObserver) {
	c.reg.publish.RegisterStateObserver(o)
}

// UnregisterPublishStateObserver removes a previously registered observer.
func (c *Controller) UnregisterPublishStateObserver(o PublishStateObserver) {
	c.reg.publish.UnregisterStateObserver(o)
}

// ----------------------------------------------------------------------------
// Collaborator callback surface
// ----------------------------------------------------------------------------

type controllerCallback struct {
	c *Controller
}

var _ ControllerCallback = (*controllerCallback)(nil)

func (cb *controllerCallback) CapabilitiesFromCache(addrs []Address) []CacheEntry {
	return cb.c.reg.cache.Lookup(addrs)
}

func (cb *controllerCallback) AvailabilityFromCache(addr Address) CacheEntry {
	return cb.c.reg.cache.LookupAvailability(addr)
}

func (cb *controllerCallback) SaveCapabilities(caps []ContactCapabilities) {
	cb.c.reg.cache.Store(caps)
}

func (cb *controllerCallback) DeviceCapabilities(m Mechanism) ContactCapabilities {
	return cb.c.reg.publish.DeviceCapabilities(m)
}

func (cb *controllerCallback) UpdateRequestForbidden(forbidden bool, code ErrorCode, retryAfter time.Duration) {
	cb.c.gate.Update(forbidden, code, retryAfter)
}

func (cb *controllerCallback) IsRequestForbidden() bool {
	return cb.c.gate.IsForbidden()
}

func (cb *controllerCallback) RetryAfter() time.Duration {
	return cb.c.gate.RetryAfter()
}

func (cb *controllerCallback) RefreshCapabilities(addrs []Address, reply ResultHandler) {
	cb.c.logger.Debug().
		Str(log.FieldEvent, "uce.refresh").
		Int(log.FieldAddresses, len(addrs)).
		Msg("refreshing expired capabilities")
	cb.c.requestCapabilities(addrs, true, reply)
}
