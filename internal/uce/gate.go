// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package uce

import (
	"sync"
	"time"

	"github.com/ManuGH/capxd/internal/metrics"
)

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// AdmissionGate tracks whether the network has forbidden capability
// requests and until when. Expiry is lazy: the stored flag is only changed
// by Update, but IsForbidden compares against the deadline on every query,
// so the window closes on its own without a timer.
type AdmissionGate struct {
	mu        sync.Mutex
	clock     clock
	forbidden bool
	code      ErrorCode // empty when not forbidden
	allowedAt time.Time // zero when no deadline is set
}

// GateOption configures an AdmissionGate.
type GateOption func(*AdmissionGate)

// WithGateClock replaces the gate's time source, for tests.
func WithGateClock(c clock) GateOption {
	return func(g *AdmissionGate) { g.clock = c }
}

// NewAdmissionGate creates a gate in the not-forbidden state.
func NewAdmissionGate(opts ...GateOption) *AdmissionGate {
	g := &AdmissionGate{clock: realClock{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Update records a forbidden reply from the network, or clears the window
// when forbidden is false. An empty code defaults to CodeForbidden. The
// deadline is now + retryAfter.
func (g *AdmissionGate) Update(forbidden bool, code ErrorCode, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.forbidden = forbidden
	if !forbidden {
		g.code = ""
		g.allowedAt = time.Time{}
	} else {
		if code == "" {
			code = CodeForbidden
		}
		g.code = code
		g.allowedAt = g.clock.Now().Add(retryAfter)
	}
	metrics.SetAdmissionForbidden(forbidden)
}

// IsForbidden reports whether requests are currently forbidden. When a
// deadline is set the answer flips to false once the deadline passes, even
// though the stored flag is unchanged.
func (g *AdmissionGate) IsForbidden() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.forbidden && !g.allowedAt.IsZero() {
		return g.clock.Now().Before(g.allowedAt)
	}
	return g.forbidden
}

// ForbiddenCode returns the stored error code, or empty when not forbidden.
func (g *AdmissionGate) ForbiddenCode() ErrorCode {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.forbidden {
		return ""
	}
	return g.code
}

// RetryAfter returns the remaining wait until requests are permitted
// again. It is zero when not forbidden or when no deadline is set, and
// shrinks monotonically on every query.
func (g *AdmissionGate) RetryAfter() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.forbidden || g.allowedAt.IsZero() {
		return 0
	}
	remaining := g.allowedAt.Sub(g.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
