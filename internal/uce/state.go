// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package uce

// ConnectionState is the connection lifecycle state of the controller.
// Disconnected, Connecting and Connected form a re-entrant cycle;
// Destroyed is terminal and wins over everything.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDestroyed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
