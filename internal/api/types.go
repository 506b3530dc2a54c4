// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ManuGH/capxd/internal/uce"
)

type capabilitiesRequest struct {
	Addresses   []string `json:"addresses"`
	BypassCache bool     `json:"bypass_cache"`
}

type availabilityRequest struct {
	Address string `json:"address"`
}

type contactCapabilities struct {
	Address      string    `json:"address"`
	Capabilities []string  `json:"capabilities"`
	Mechanism    string    `json:"mechanism"`
	RetrievedAt  time.Time `json:"retrieved_at"`
}

type capabilitiesResponse struct {
	RequestID    string                `json:"request_id,omitempty"`
	Capabilities []contactCapabilities `json:"capabilities"`
}

type publishStateResponse struct {
	State string `json:"state"`
}

type healthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version,omitempty"`
	ConnectionState string `json:"connection_state"`
}

type errorResponse struct {
	ErrorCode    string `json:"error_code"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func toContactCapabilities(c uce.ContactCapabilities) contactCapabilities {
	caps := make([]string, 0, len(c.Capabilities))
	for _, feature := range c.Capabilities {
		caps = append(caps, string(feature))
	}
	return contactCapabilities{
		Address:      string(c.Address),
		Capabilities: caps,
		Mechanism:    c.Mechanism.String(),
		RetrievedAt:  c.RetrievedAt,
	}
}

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// A trailing second document is as malformed as a bad first one.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func formatSeconds(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}

// replyCollector bridges the controller's asynchronous ResultHandler to a
// blocking HTTP handler. The done channel closes on the terminal signal.
type replyCollector struct {
	mu         sync.Mutex
	caps       []uce.ContactCapabilities
	code       uce.ErrorCode
	retryAfter time.Duration
	done       chan struct{}
}

func newReplyCollector() *replyCollector {
	return &replyCollector{done: make(chan struct{})}
}

func (rc *replyCollector) OnCapabilities(caps []uce.ContactCapabilities) {
	rc.mu.Lock()
	rc.caps = append(rc.caps, caps...)
	rc.mu.Unlock()
}

func (rc *replyCollector) OnComplete() {
	close(rc.done)
}

func (rc *replyCollector) OnError(code uce.ErrorCode, retryAfter time.Duration) {
	rc.mu.Lock()
	rc.code = code
	rc.retryAfter = retryAfter
	rc.mu.Unlock()
	close(rc.done)
}

func (rc *replyCollector) outcome() (uce.ErrorCode, time.Duration, []uce.ContactCapabilities) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.code, rc.retryAfter, rc.caps
}
