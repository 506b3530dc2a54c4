// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package uce

import (
	"sync"

	"github.com/ManuGH/capxd/internal/metrics"
)

// remoteRequest holds one incoming network-originated capability request.
type remoteRequest struct {
	address      Address
	capabilities []Capability
	responder    RemoteResponder
}

// pendingEvents caches signaling events that arrive while the connection is
// mid-transition. Each slot holds only the most recent occurrence of its
// kind; a later event of the same kind overwrites, it does not queue.
type pendingEvents struct {
	mu         sync.Mutex
	publishSet bool
	publish    PublishTrigger
	unpublish  bool
	remote     *remoteRequest
}

func (p *pendingEvents) setPublishRequested(trigger PublishTrigger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishSet = true
	p.publish = trigger
	metrics.RecordEventBuffered("publish_requested")
}

func (p *pendingEvents) setUnpublished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpublish = true
	metrics.RecordEventBuffered("unpublished")
}

func (p *pendingEvents) setRemoteRequest(addr Address, caps []Capability, responder RemoteResponder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &remoteRequest{address: addr, capabilities: caps, responder: responder}
	metrics.RecordEventBuffered("remote_request")
}

// snapshot is one drained pass over the buffer.
type snapshot struct {
	publishSet bool
	publish    PublishTrigger
	unpublish  bool
	remote     *remoteRequest
}

// take returns the buffered events and clears every slot atomically. Events
// recorded after take returns belong to the next pass.
func (p *pendingEvents) take() snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := snapshot{
		publishSet: p.publishSet,
		publish:    p.publish,
		unpublish:  p.unpublish,
		remote:     p.remote,
	}
	p.publishSet = false
	p.publish = TriggerUnknown
	p.unpublish = false
	p.remote = nil
	return s
}
