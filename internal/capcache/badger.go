// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package capcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/capxd/internal/uce"
	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "cap:"

// BadgerStore persists capability records in a badger database.
// Keys are "cap:<address>", values are JSON records. Entries carry a badger
// TTL as a backstop; freshness is still decided by the cache controller via
// RetrievedAt so a stale entry can be reported for refresh before it
// disappears.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
}

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	Path     string
	InMemory bool
	// TTL is the badger-level expiry backstop. Zero disables it.
	TTL time.Duration
}

// OpenBadgerStore opens (or creates) the capability store at the given path.
func OpenBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open capability store: %w", err)
	}
	return &BadgerStore{db: db, ttl: opts.TTL}, nil
}

func (s *BadgerStore) Get(addr uce.Address) (uce.ContactCapabilities, error) {
	key := []byte(keyPrefix + string(addr))
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return uce.ContactCapabilities{}, ErrNotFound
		}
		return uce.ContactCapabilities{}, err
	}
	return rec.toCapabilities(), nil
}

func (s *BadgerStore) Put(caps uce.ContactCapabilities) error {
	key := []byte(keyPrefix + string(caps.Address))
	buf, err := json.Marshal(toRecord(caps))
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, buf)
		if s.ttl > 0 {
			// Keep entries around past freshness so stale hits can still be
			// served while a refresh runs.
			entry = entry.WithTTL(2 * s.ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) Delete(addr uce.Address) error {
	key := []byte(keyPrefix + string(addr))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }
