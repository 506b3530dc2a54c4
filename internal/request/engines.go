// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package request

import (
	"context"
	"errors"
	"sync"

	"github.com/ManuGH/capxd/internal/log"
	"github.com/ManuGH/capxd/internal/uce"
	"github.com/rs/zerolog"
)

var (
	// ErrDetached is returned for queries while the signaling layer is not
	// attached.
	ErrDetached = errors.New("query engine is detached")

	// ErrNoTransport is returned when no query transport was configured.
	ErrNoTransport = errors.New("no query transport configured")

	// ErrNotFound is returned when the network has no capability record for
	// the address.
	ErrNotFound = errors.New("no capabilities for address")
)

// QueryFunc performs a capability query on the wire.
type QueryFunc func(ctx context.Context, addrs []uce.Address) ([]uce.ContactCapabilities, error)

// QueryEngine is the on-demand query collaborator. It participates in the
// controller lifecycle and refuses queries while detached; the actual wire
// call is pluggable.
type QueryEngine struct {
	logger zerolog.Logger
	fn     QueryFunc

	mu       sync.Mutex
	attached bool
}

var (
	_ uce.Collaborator = (*QueryEngine)(nil)
	_ QueryClient      = (*QueryEngine)(nil)
)

// NewQueryEngine creates a query engine. fn may be nil, in which case every
// query fails with ErrNoTransport.
func NewQueryEngine(fn QueryFunc) *QueryEngine {
	return &QueryEngine{
		logger: log.WithComponent("query"),
		fn:     fn,
	}
}

// QueryCapabilities implements QueryClient.
func (e *QueryEngine) QueryCapabilities(ctx context.Context, addrs []uce.Address) ([]uce.ContactCapabilities, error) {
	e.mu.Lock()
	attached := e.attached
	e.mu.Unlock()
	if !attached {
		return nil, ErrDetached
	}
	if e.fn == nil {
		return nil, ErrNoTransport
	}
	return e.fn(ctx, addrs)
}

// QueryAvailability implements QueryClient for a single address.
func (e *QueryEngine) QueryAvailability(ctx context.Context, addr uce.Address) (uce.ContactCapabilities, error) {
	caps, err := e.QueryCapabilities(ctx, []uce.Address{addr})
	if err != nil {
		return uce.ContactCapabilities{}, err
	}
	if len(caps) == 0 {
		return uce.ContactCapabilities{}, ErrNotFound
	}
	return caps[0], nil
}

// OnAttached implements uce.Collaborator.
func (e *QueryEngine) OnAttached(uce.SignalingHandle) {
	e.mu.Lock()
	e.attached = true
	e.mu.Unlock()
}

// OnDetached implements uce.Collaborator.
func (e *QueryEngine) OnDetached() {
	e.mu.Lock()
	e.attached = false
	e.mu.Unlock()
}

// OnConfigChanged implements uce.Collaborator.
func (e *QueryEngine) OnConfigChanged() {}

// OnTeardown implements uce.Collaborator.
func (e *QueryEngine) OnTeardown() {
	e.mu.Lock()
	e.attached = false
	e.mu.Unlock()
}

// SubscribeEngine is the presence subscribe collaborator. Session handling
// lives behind the signaling layer; the engine only tracks the lifecycle so
// the registry can notify it in order.
type SubscribeEngine struct {
	logger zerolog.Logger

	mu       sync.Mutex
	attached bool
}

var _ uce.Collaborator = (*SubscribeEngine)(nil)

// NewSubscribeEngine creates the subscribe collaborator.
func NewSubscribeEngine() *SubscribeEngine {
	return &SubscribeEngine{logger: log.WithComponent("subscribe")}
}

// OnAttached implements uce.Collaborator.
func (e *SubscribeEngine) OnAttached(uce.SignalingHandle) {
	e.mu.Lock()
	e.attached = true
	e.mu.Unlock()
	e.logger.Debug().Str(log.FieldEvent, "subscribe.attached").Msg("subscribe engine attached")
}

// OnDetached implements uce.Collaborator.
func (e *SubscribeEngine) OnDetached() {
	e.mu.Lock()
	e.attached = false
	e.mu.Unlock()
	e.logger.Debug().Str(log.FieldEvent, "subscribe.detached").Msg("subscribe engine detached")
}

// OnConfigChanged implements uce.Collaborator.
func (e *SubscribeEngine) OnConfigChanged() {}

// OnTeardown implements uce.Collaborator.
func (e *SubscribeEngine) OnTeardown() {
	e.mu.Lock()
	e.attached = false
	e.mu.Unlock()
}
