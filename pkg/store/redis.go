// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/crucible-mcp/crucible/pkg/core"
	"github.com/crucible-mcp/crucible/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultSessionTTL bounds how long a session record survives in the
	// durable tier without being rewritten.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultKeyPrefix namespaces every key this process writes.
	DefaultKeyPrefix = "crucible:"

	// startupPingAttempts is how many times the constructor retries the
	// initial ping before giving up.
	startupPingAttempts = 3
)

// RedisConfig holds connection configuration for the durable tier.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is optional.
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces keys (default "crucible:").
	KeyPrefix string

	// SessionTTL is the durable record lifetime (default 24h).
	SessionTTL time.Duration

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisTier implements Tier against a Redis server. Session records are
// stored as JSON under `<prefix>session:<id>` with a TTL, and an index set
// per owner under `<prefix>owner:<clientId>` supports ListByOwner.
type RedisTier struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisTier connects to Redis and verifies the connection with a ping,
// retrying briefly so a server that is still starting does not force the
// process into fallback mode.
func NewRedisTier(ctx context.Context, cfg RedisConfig) (*RedisTier, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	// Apply defaults
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(startupPingAttempts),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Warnf("Redis not ready, retrying in %v: %v", duration, err)
		}),
	)
	if err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisTier{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.SessionTTL,
	}, nil
}

// NewRedisTierWithClient creates a RedisTier with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisTierWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisTier {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisTier{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// Close closes the Redis client connection.
func (t *RedisTier) Close() error {
	return t.client.Close()
}

// Ping checks Redis connectivity (health check).
func (t *RedisTier) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Put writes the session record and refreshes the owner index atomically.
func (t *RedisTier) Put(ctx context.Context, sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := t.client.TxPipeline()
	pipe.Set(ctx, t.sessionKey(sess.ID), data, t.ttl)
	pipe.SAdd(ctx, t.ownerKey(sess.OwnerClientID), sess.ID)
	pipe.Expire(ctx, t.ownerKey(sess.OwnerClientID), t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to put session: %w", err)
	}
	return nil
}

// Get loads a session record by id.
func (t *RedisTier) Get(ctx context.Context, id string) (*core.Session, error) {
	data, err := t.client.Get(ctx, t.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess core.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// Delete removes the record and its owner-index entry. Deleting an absent
// id is a no-op.
func (t *RedisTier) Delete(ctx context.Context, id string) error {
	// Read the record first to learn the owner for index maintenance.
	sess, err := t.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	pipe := t.client.TxPipeline()
	pipe.Del(ctx, t.sessionKey(id))
	pipe.SRem(ctx, t.ownerKey(sess.OwnerClientID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ListByOwner returns the owner's sessions. Index entries whose record has
// expired are pruned as a side effect.
func (t *RedisTier) ListByOwner(ctx context.Context, ownerClientID string) ([]*core.Session, error) {
	ids, err := t.client.SMembers(ctx, t.ownerKey(ownerClientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list owner index: %w", err)
	}
	return t.fetchSessions(ctx, ids, ownerClientID)
}

// ListAll scans the session keyspace. Used by expiry cleanup and health
// reporting; not on any hot path.
func (t *RedisTier) ListAll(ctx context.Context) ([]*core.Session, error) {
	var ids []string
	iter := t.client.Scan(ctx, 0, t.sessionKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(t.sessionKey("")):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return t.fetchSessions(ctx, ids, "")
}

// fetchSessions multi-gets the given ids. When pruneOwner is non-empty,
// ids with no backing record are removed from that owner's index.
func (t *RedisTier) fetchSessions(ctx context.Context, ids []string, pruneOwner string) ([]*core.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = t.sessionKey(id)
	}
	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sessions: %w", err)
	}

	out := make([]*core.Session, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Record expired out from under its index entry.
			if pruneOwner != "" {
				if err := t.client.SRem(ctx, t.ownerKey(pruneOwner), ids[i]).Err(); err != nil {
					logger.Debugf("Failed to prune stale session %s from owner index: %v", ids[i], err)
				}
			}
			continue
		}
		var sess core.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			logger.Warnf("Skipping undecodable session record %s: %v", ids[i], err)
			continue
		}
		out = append(out, &sess)
	}
	sortSessions(out)
	return out, nil
}

func (t *RedisTier) sessionKey(id string) string {
	return t.keyPrefix + "session:" + id
}

func (t *RedisTier) ownerKey(clientID string) string {
	return t.keyPrefix + "owner:" + clientID
}
