// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persistence

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore implements CounterStore on a Redis hash per variant.
//
// HINCRBY gives atomic lazy-creating increments; a single multi-field HSET
// writes weight and last_updated together. Both are one command, so no Lua
// is needed on those paths. The lock release does need a script: comparing
// the owner token and deleting must be one step.
type RedisStore struct {
	c *redis.Client
}

// NewRedisStore wraps an already-configured client.
func NewRedisStore(c *redis.Client) *RedisStore {
	return &RedisStore{c: c}
}

func (s *RedisStore) IncrExposure(ctx context.Context, datafile, feature, variant string) error {
	if err := s.c.HIncrBy(ctx, StatsKey(datafile, feature, variant), "exposures", 1).Err(); err != nil {
		return fmt.Errorf("redis incr exposures %s/%s/%s: %w", datafile, feature, variant, err)
	}
	return nil
}

func (s *RedisStore) IncrConversion(ctx context.Context, datafile, feature, variant string) error {
	if err := s.c.HIncrBy(ctx, StatsKey(datafile, feature, variant), "conversions", 1).Err(); err != nil {
		return fmt.Errorf("redis incr conversions %s/%s/%s: %w", datafile, feature, variant, err)
	}
	return nil
}

func (s *RedisStore) GetCounters(ctx context.Context, datafile, feature, variant string) (Counters, error) {
	fields, err := s.c.HGetAll(ctx, StatsKey(datafile, feature, variant)).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("redis hgetall %s/%s/%s: %w", datafile, feature, variant, err)
	}
	var c Counters
	if v, ok := fields["exposures"]; ok {
		c.Exposures, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["conversions"]; ok {
		c.Conversions, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["weight"]; ok {
		c.Weight, _ = strconv.ParseFloat(v, 64)
		c.HasWeight = true
	}
	if v, ok := fields["last_updated"]; ok {
		c.LastUpdated, _ = strconv.ParseInt(v, 10, 64)
	}
	return c, nil
}

func (s *RedisStore) SetWeight(ctx context.Context, datafile, feature, variant string, weight float64, ts time.Time) error {
	key := StatsKey(datafile, feature, variant)
	// One HSET for both fields: atomic, and it cannot touch the counters.
	if err := s.c.HSet(ctx, key, "weight", weight, "last_updated", ts.Unix()).Err(); err != nil {
		return fmt.Errorf("redis set weight %s/%s/%s: %w", datafile, feature, variant, err)
	}
	return nil
}

// ScanKeys enumerates keys via cursor SCAN. Duplicate or missed keys during
// concurrent writes are acceptable per the CounterStore contract.
func (s *RedisStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.c.Scan(ctx, 0, prefix+"*", 250).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
	}
	return keys, nil
}

func (s *RedisStore) AppendHistory(ctx context.Context, datafile, feature string, entry HistoryEntry) error {
	key := HistoryKey(datafile, feature)
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	if err := s.c.ZAdd(ctx, key, redis.Z{Score: float64(entry.Timestamp), Member: payload}).Err(); err != nil {
		return fmt.Errorf("redis zadd history %s/%s: %w", datafile, feature, err)
	}
	// Trim to the most recent historyMaxEntries.
	if err := s.c.ZRemRangeByRank(ctx, key, 0, int64(-historyMaxEntries-1)).Err(); err != nil {
		return fmt.Errorf("redis trim history %s/%s: %w", datafile, feature, err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, datafile, feature string, limit int64) ([]HistoryEntry, error) {
	if limit <= 0 || limit > historyMaxEntries {
		limit = historyMaxEntries
	}
	raw, err := s.c.ZRevRange(ctx, HistoryKey(datafile, feature), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis history %s/%s: %w", datafile, feature, err)
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, m := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue // tolerate hand-edited entries
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// releaseLockScript deletes the lock only when the caller still owns it.
// GET followed by DEL from the client would race with TTL expiry.
const releaseLockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

func (s *RedisStore) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := newLockToken()
	ok, err := s.c.SetNX(ctx, LockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, name, token string) error {
	if err := s.c.Eval(ctx, releaseLockScript, []string{LockKey(name)}, token).Err(); err != nil {
		return fmt.Errorf("redis release lock %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func newLockToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
