// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package capcache is the capability cache engine. It stores contact
// capability sets with a per-entry retrieval timestamp and reports stale
// entries back to the controller for refreshing.
package capcache

import (
	"errors"
	"time"

	"github.com/ManuGH/capxd/internal/uce"
)

// ErrNotFound is returned by Store.Get when no entry exists for the address.
var ErrNotFound = errors.New("capability entry not found")

// record is the persisted form of a cache entry.
type record struct {
	Address      string    `json:"address"`
	Capabilities []string  `json:"capabilities"`
	Mechanism    int       `json:"mechanism"`
	RetrievedAt  time.Time `json:"retrieved_at"`
}

func toRecord(c uce.ContactCapabilities) record {
	caps := make([]string, len(c.Capabilities))
	for i, cap := range c.Capabilities {
		caps[i] = string(cap)
	}
	return record{
		Address:      string(c.Address),
		Capabilities: caps,
		Mechanism:    int(c.Mechanism),
		RetrievedAt:  c.RetrievedAt,
	}
}

func (r record) toCapabilities() uce.ContactCapabilities {
	caps := make([]uce.Capability, len(r.Capabilities))
	for i, c := range r.Capabilities {
		caps[i] = uce.Capability(c)
	}
	return uce.ContactCapabilities{
		Address:      uce.Address(r.Address),
		Capabilities: caps,
		Mechanism:    uce.Mechanism(r.Mechanism),
		RetrievedAt:  r.RetrievedAt,
	}
}

// Store persists capability records keyed by address.
type Store interface {
	Get(addr uce.Address) (uce.ContactCapabilities, error)
	Put(caps uce.ContactCapabilities) error
	Delete(addr uce.Address) error
	Close() error
}
