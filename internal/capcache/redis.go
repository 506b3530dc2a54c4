// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package capcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/capxd/internal/uce"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a redis-backed capability store for deployments where the
// cache is shared across daemon instances.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOptions holds the redis connection configuration.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// TTL is the redis-level expiry backstop. Zero disables it.
	TTL time.Duration
}

// OpenRedisStore connects to redis and verifies the connection.
func OpenRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client, ttl: opts.TTL}, nil
}

func (s *RedisStore) Get(addr uce.Address) (uce.ContactCapabilities, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := s.client.Get(ctx, keyPrefix+string(addr)).Bytes()
	if errors.Is(err, redis.Nil) {
		return uce.ContactCapabilities{}, ErrNotFound
	}
	if err != nil {
		return uce.ContactCapabilities{}, err
	}
	var rec record
	if err := json.Unmarshal(val, &rec); err != nil {
		return uce.ContactCapabilities{}, err
	}
	return rec.toCapabilities(), nil
}

func (s *RedisStore) Put(caps uce.ContactCapabilities) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	buf, err := json.Marshal(toRecord(caps))
	if err != nil {
		return err
	}
	ttl := time.Duration(0)
	if s.ttl > 0 {
		ttl = 2 * s.ttl
	}
	return s.client.Set(ctx, keyPrefix+string(caps.Address), buf, ttl).Err()
}

func (s *RedisStore) Delete(addr uce.Address) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.Del(ctx, keyPrefix+string(addr)).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
