// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api exposes the capability exchange controller over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/ManuGH/capxd/internal/log"
	"github.com/ManuGH/capxd/internal/uce"
)

// Core is the controller surface the HTTP layer depends on.
type Core interface {
	RequestCapabilities(addrs []uce.Address, bypassCache bool, reply uce.ResultHandler)
	RequestAvailability(addr uce.Address, reply uce.ResultHandler)
	PublishState() uce.PublishState
	State() uce.ConnectionState
}

// Config holds the HTTP surface settings.
type Config struct {
	// RateLimit is the allowed requests per minute per client IP.
	// Zero disables rate limiting.
	RateLimit int
	// ReplyTimeout bounds how long a handler waits for the controller
	// to finish a request before answering 504.
	ReplyTimeout time.Duration
	// Version is reported on /healthz.
	Version string
}

// Server routes HTTP requests to the controller.
type Server struct {
	core Core
	cfg  Config
}

// NewServer wires the HTTP surface around the given controller core.
func NewServer(core Core, cfg Config) *Server {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 30 * time.Second
	}
	return &Server{core: core, cfg: cfg}
}

// Router builds the chi router with middleware and all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.cfg.RateLimit > 0 {
		r.Use(httprate.Limit(
			s.cfg.RateLimit,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/capabilities", s.handleCapabilities)
		r.Post("/availability", s.handleAvailability)
		r.Get("/publish/state", s.handlePublishState)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		Version:         s.cfg.Version,
		ConnectionState: s.core.State().String(),
	})
}

func (s *Server) handlePublishState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, publishStateResponse{
		State: s.core.PublishState().String(),
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	var req capabilitiesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, uce.CodeInvalidArgument, 0)
		return
	}
	addrs := make([]uce.Address, 0, len(req.Addresses))
	for _, a := range req.Addresses {
		addrs = append(addrs, uce.Address(a))
	}

	reply := newReplyCollector()
	s.core.RequestCapabilities(addrs, req.BypassCache, reply)
	s.respond(w, r, reply)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, uce.CodeInvalidArgument, 0)
		return
	}

	reply := newReplyCollector()
	s.core.RequestAvailability(uce.Address(req.Address), reply)
	s.respond(w, r, reply)
}

// respond blocks until the controller delivers a terminal signal, then maps
// the outcome to an HTTP response.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, reply *replyCollector) {
	select {
	case <-reply.done:
	case <-r.Context().Done():
		return
	case <-time.After(s.cfg.ReplyTimeout):
		logger := log.WithComponent("api")
		logger.Warn().
			Str(log.FieldRequestID, middleware.GetReqID(r.Context())).
			Msg("request timed out waiting for controller")
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{ErrorCode: "timeout"})
		return
	}

	code, retryAfter, caps := reply.outcome()
	if code != "" {
		writeError(w, r, code, retryAfter)
		return
	}

	out := capabilitiesResponse{
		RequestID:    middleware.GetReqID(r.Context()),
		Capabilities: make([]contactCapabilities, 0, len(caps)),
	}
	for _, c := range caps {
		out.Capabilities = append(out.Capabilities, toContactCapabilities(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func writeError(w http.ResponseWriter, r *http.Request, code uce.ErrorCode, retryAfter time.Duration) {
	resp := errorResponse{ErrorCode: string(code)}
	status := http.StatusInternalServerError
	switch code {
	case uce.CodeInvalidArgument:
		status = http.StatusBadRequest
	case uce.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case uce.CodeForbidden:
		status = http.StatusForbidden
		if retryAfter > 0 {
			resp.RetryAfterMs = retryAfter.Milliseconds()
			w.Header().Set("Retry-After", formatSeconds(retryAfter))
		}
	case uce.CodeTransportFailure:
		status = http.StatusBadGateway
	}
	logger := log.WithComponent("api")
	logger.Debug().
		Str(log.FieldRequestID, middleware.GetReqID(r.Context())).
		Str(log.FieldErrorCode, string(code)).
		Int("status", status).
		Msg("request rejected")
	writeJSON(w, status, resp)
}
