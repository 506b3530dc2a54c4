// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package request is the request manager: it answers capability and
// availability requests from the cache where possible and falls back to
// network queries for the rest.
package request

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ManuGH/capxd/internal/log"
	"github.com/ManuGH/capxd/internal/uce"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueryClient retrieves capabilities from the network. Implemented by the
// query engine; the manager never talks to the wire itself.
type QueryClient interface {
	QueryCapabilities(ctx context.Context, addrs []uce.Address) ([]uce.ContactCapabilities, error)
	QueryAvailability(ctx context.Context, addr uce.Address) (uce.ContactCapabilities, error)
}

// Manager routes capability requests. Each dispatch runs on its own
// goroutine; the reply handler is the only channel back to the caller.
type Manager struct {
	logger       zerolog.Logger
	cb           uce.ControllerCallback
	query        QueryClient
	queryTimeout time.Duration
	destroyed    atomic.Bool
}

var _ uce.RequestManager = (*Manager)(nil)

// NewManager creates a request manager backed by the given query client.
func NewManager(cb uce.ControllerCallback, query QueryClient, queryTimeout time.Duration) *Manager {
	if queryTimeout <= 0 {
		queryTimeout = 15 * time.Second
	}
	return &Manager{
		logger:       log.WithComponent("request"),
		cb:           cb,
		query:        query,
		queryTimeout: queryTimeout,
	}
}

// DispatchCapabilityRequest resolves the capability sets for the given
// addresses, consulting the cache first unless bypassed.
func (m *Manager) DispatchCapabilityRequest(addrs []uce.Address, bypassCache bool, reply uce.ResultHandler) {
	id := uuid.NewString()
	go m.runCapabilityRequest(id, addrs, bypassCache, reply)
}

func (m *Manager) runCapabilityRequest(id string, addrs []uce.Address, bypassCache bool, reply uce.ResultHandler) {
	logger := m.logger.With().Str(log.FieldRequestID, id).Logger()
	if m.destroyed.Load() {
		reply.OnError(uce.CodeUnavailable, 0)
		return
	}

	var cached []uce.ContactCapabilities
	missing := addrs
	if !bypassCache {
		missing = missing[:0:0]
		for _, entry := range m.cb.CapabilitiesFromCache(addrs) {
			if entry.Fresh && entry.Capabilities != nil {
				cached = append(cached, *entry.Capabilities)
			} else {
				missing = append(missing, entry.Address)
			}
		}
	}
	if len(cached) > 0 {
		reply.OnCapabilities(cached)
	}
	if len(missing) == 0 {
		logger.Debug().
			Str(log.FieldEvent, "request.capabilities.cached").
			Int(log.FieldAddresses, len(cached)).
			Msg("request served entirely from cache")
		reply.OnComplete()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.queryTimeout)
	defer cancel()
	caps, err := m.query.QueryCapabilities(ctx, missing)
	if err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "request.capabilities.failed").
			Int(log.FieldAddresses, len(missing)).
			Msg("network capability query failed")
		reply.OnError(uce.CodeTransportFailure, 0)
		return
	}

	m.cb.SaveCapabilities(caps)
	if len(caps) > 0 {
		reply.OnCapabilities(caps)
	}
	logger.Debug().
		Str(log.FieldEvent, "request.capabilities.done").
		Int(log.FieldAddresses, len(addrs)).
		Msg("capability request completed")
	reply.OnComplete()
}

// DispatchAvailabilityRequest resolves the availability of a single
// address, consulting the availability cache first.
func (m *Manager) DispatchAvailabilityRequest(addr uce.Address, reply uce.ResultHandler) {
	id := uuid.NewString()
	go m.runAvailabilityRequest(id, addr, reply)
}

func (m *Manager) runAvailabilityRequest(id string, addr uce.Address, reply uce.ResultHandler) {
	logger := m.logger.With().Str(log.FieldRequestID, id).Logger()
	if m.destroyed.Load() {
		reply.OnError(uce.CodeUnavailable, 0)
		return
	}

	entry := m.cb.AvailabilityFromCache(addr)
	if entry.Fresh && entry.Capabilities != nil {
		reply.OnCapabilities([]uce.ContactCapabilities{*entry.Capabilities})
		reply.OnComplete()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.queryTimeout)
	defer cancel()
	caps, err := m.query.QueryAvailability(ctx, addr)
	if err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "request.availability.failed").
			Str(log.FieldAddress, string(addr)).
			Msg("network availability query failed")
		reply.OnError(uce.CodeTransportFailure, 0)
		return
	}

	m.cb.SaveCapabilities([]uce.ContactCapabilities{caps})
	reply.OnCapabilities([]uce.ContactCapabilities{caps})
	reply.OnComplete()
}

// ServeRemoteCapabilityRequest answers an incoming capability request from
// a remote contact with this device's own capabilities.
func (m *Manager) ServeRemoteCapabilityRequest(addr uce.Address, caps []uce.Capability, responder uce.RemoteResponder) {
	if m.destroyed.Load() {
		responder.RespondError(uce.CodeUnavailable)
		return
	}
	m.logger.Debug().
		Str(log.FieldEvent, "request.remote.serve").
		Str(log.FieldAddress, string(addr)).
		Int("remote_capabilities", len(caps)).
		Msg("answering remote capability request")
	responder.Respond(m.cb.DeviceCapabilities(uce.MechanismOptions))
}

// OnTeardown stops accepting dispatches. In-flight goroutines finish on
// their own; their replies are already bound.
func (m *Manager) OnTeardown() {
	m.destroyed.Store(true)
}
