// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldAddress   = "address"
	FieldAddresses = "addresses"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Capability exchange fields
	FieldTrigger    = "trigger"
	FieldMechanism  = "mechanism"
	FieldErrorCode  = "error_code"
	FieldRetryAfter = "retry_after_ms"
	FieldBypass     = "bypass_cache"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
