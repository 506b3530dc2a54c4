// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/capxd/internal/uce"
)

// fakeCore scripts the controller's answers.
type fakeCore struct {
	mu         sync.Mutex
	caps       []uce.ContactCapabilities
	errCode    uce.ErrorCode
	retryAfter time.Duration
	hang       bool
	lastBypass bool
	lastAddrs  []uce.Address
	publish    uce.PublishState
	state      uce.ConnectionState
}

func (f *fakeCore) RequestCapabilities(addrs []uce.Address, bypassCache bool, reply uce.ResultHandler) {
	f.mu.Lock()
	f.lastAddrs = addrs
	f.lastBypass = bypassCache
	f.mu.Unlock()
	f.answer(reply)
}

func (f *fakeCore) RequestAvailability(addr uce.Address, reply uce.ResultHandler) {
	f.mu.Lock()
	f.lastAddrs = []uce.Address{addr}
	f.mu.Unlock()
	f.answer(reply)
}

func (f *fakeCore) answer(reply uce.ResultHandler) {
	if f.hang {
		return
	}
	if f.errCode != "" {
		reply.OnError(f.errCode, f.retryAfter)
		return
	}
	if len(f.caps) > 0 {
		reply.OnCapabilities(f.caps)
	}
	reply.OnComplete()
}

func (f *fakeCore) PublishState() uce.PublishState { return f.publish }
func (f *fakeCore) State() uce.ConnectionState     { return f.state }

func newTestServer(core *fakeCore) http.Handler {
	return NewServer(core, Config{
		ReplyTimeout: 200 * time.Millisecond,
		Version:      "test",
	}).Router()
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPICapabilities_OK(t *testing.T) {
	core := &fakeCore{
		state: uce.StateConnected,
		caps: []uce.ContactCapabilities{{
			Address:      "sip:alice@example.com",
			Capabilities: []uce.Capability{"chat"},
			Mechanism:    uce.MechanismPresence,
			RetrievedAt:  time.Now(),
		}},
	}
	h := newTestServer(core)

	rec := postJSON(t, h, "/v1/capabilities",
		`{"addresses":["sip:alice@example.com"],"bypass_cache":true}`)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp capabilitiesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Capabilities, 1)
	assert.Equal(t, "sip:alice@example.com", resp.Capabilities[0].Address)
	assert.Equal(t, "presence", resp.Capabilities[0].Mechanism)
	assert.True(t, core.lastBypass)
}

func TestAPICapabilities_MalformedBody(t *testing.T) {
	h := newTestServer(&fakeCore{})

	rec := postJSON(t, h, "/v1/capabilities", `{"addresses":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_argument", resp.ErrorCode)
}

func TestAPICapabilities_ErrorMapping(t *testing.T) {
	cases := []struct {
		code   uce.ErrorCode
		status int
	}{
		{uce.CodeInvalidArgument, http.StatusBadRequest},
		{uce.CodeUnavailable, http.StatusServiceUnavailable},
		{uce.CodeForbidden, http.StatusForbidden},
		{uce.CodeTransportFailure, http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			core := &fakeCore{errCode: tc.code}
			h := newTestServer(core)

			rec := postJSON(t, h, "/v1/capabilities", `{"addresses":["sip:a@b"]}`)
			assert.Equal(t, tc.status, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, string(tc.code), resp.ErrorCode)
		})
	}
}

func TestAPICapabilities_ForbiddenRetryAfter(t *testing.T) {
	core := &fakeCore{errCode: uce.CodeForbidden, retryAfter: 5 * time.Second}
	h := newTestServer(core)

	rec := postJSON(t, h, "/v1/capabilities", `{"addresses":["sip:a@b"]}`)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(5000), resp.RetryAfterMs)
}

func TestAPICapabilities_ReplyTimeout(t *testing.T) {
	core := &fakeCore{hang: true}
	h := newTestServer(core)

	rec := postJSON(t, h, "/v1/capabilities", `{"addresses":["sip:a@b"]}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestAPIAvailability_OK(t *testing.T) {
	core := &fakeCore{
		caps: []uce.ContactCapabilities{{Address: "sip:bob@example.com"}},
	}
	h := newTestServer(core)

	rec := postJSON(t, h, "/v1/availability", `{"address":"sip:bob@example.com"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uce.Address{"sip:bob@example.com"}, core.lastAddrs)
}

func TestAPIPublishState(t *testing.T) {
	core := &fakeCore{publish: uce.PublishStatePublished}
	h := newTestServer(core)

	req := httptest.NewRequest(http.MethodGet, "/v1/publish/state", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp publishStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "published", resp.State)
}

func TestAPIHealthz(t *testing.T) {
	core := &fakeCore{state: uce.StateConnected}
	h := newTestServer(core)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "connected", resp.ConnectionState)
}

func TestAPIRateLimit(t *testing.T) {
	core := &fakeCore{publish: uce.PublishStateNotPublished}
	h := NewServer(core, Config{RateLimit: 2, ReplyTimeout: time.Second}).Router()

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/publish/state", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}

	assert.Equal(t, http.StatusTooManyRequests, last)
}
