// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package uce coordinates user capability exchange between the signaling
// layer and the cache, publish, subscribe and query engines.
//
// The Controller is the single entry point: it gates requests behind the
// connection lifecycle and the server-imposed admission window, buffers
// signaling events that race the attach sequence, and routes everything
// else to the collaborating engines.
package uce
