// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package uce

import (
	"errors"
	"time"
)

// ErrorCode classifies a request rejection or downstream failure.
// All values are lowercase for stable PromQL queries.
type ErrorCode string

const (
	// CodeInvalidArgument is returned for empty or absent input.
	CodeInvalidArgument ErrorCode = "invalid_argument"

	// CodeUnavailable is returned while the controller is not connected or
	// after teardown.
	CodeUnavailable ErrorCode = "unavailable"

	// CodeForbidden is returned while the network forbids requests. It is
	// also the default code when the network did not supply one.
	CodeForbidden ErrorCode = "forbidden"

	// CodeTransportFailure is returned when a downstream network call
	// failed. The controller never retries; the retry decision is the
	// caller's.
	CodeTransportFailure ErrorCode = "transport_failure"
)

// Result is the uniform error shape delivered on every rejection path.
// RetryAfter is zero unless the rejection is forbidden-related.
type Result struct {
	Code       ErrorCode
	RetryAfter time.Duration
}

var (
	// ErrMissingCache is returned when a controller is created without a
	// cache collaborator.
	ErrMissingCache = errors.New("cache collaborator is required")

	// ErrMissingPublish is returned when a controller is created without a
	// publish collaborator.
	ErrMissingPublish = errors.New("publish collaborator is required")

	// ErrMissingSubscribe is returned when a controller is created without a
	// subscribe collaborator.
	ErrMissingSubscribe = errors.New("subscribe collaborator is required")

	// ErrMissingQuery is returned when a controller is created without a
	// query collaborator.
	ErrMissingQuery = errors.New("query collaborator is required")

	// ErrMissingRequestManager is returned when a controller is created
	// without a request manager factory.
	ErrMissingRequestManager = errors.New("request manager factory is required")
)
