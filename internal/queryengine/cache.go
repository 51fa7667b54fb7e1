// Copyright 2025 Esteban Alvarez. All Rights Reserved.
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

// Package queryengine holds the prepared-statement cache (spec.md §3,
// Prepared-statement cache): an LRU-like local map from statement text to
// its prepared name, optionally backed by a shared Redis layer so every
// client process in a farm converges on the same prepared name for a given
// statement instead of each re-PREPAREing independently.
package queryengine

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// Entry is what the cache stores per statement (spec.md §3): the prepared
// name the server returned, plus the encoded query plan when the server
// supplied one.
type Entry struct {
	PreparedName string
	EncodedPlan  []byte
}

// LocalCache is a bounded, mutex-guarded LRU map statement_text -> Entry
// (spec.md §5: "the prepared-statement cache is shared; access is guarded
// by a mutex; reads dominate; a brief write on cache miss").
type LocalCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruItem struct {
	statement string
	entry     Entry
}

// NewLocalCache returns a LocalCache holding at most capacity entries.
// capacity <= 0 means unbounded.
func NewLocalCache(capacity int) *LocalCache {
	return &LocalCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached entry for statement, promoting it to
// most-recently-used.
func (c *LocalCache) Get(statement string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[statement]
	if !ok {
		return Entry{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruItem).entry, true
}

// Put inserts or updates statement's entry, evicting the least-recently-used
// entry if the cache is at capacity.
func (c *LocalCache) Put(statement string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[statement]; ok {
		el.Value.(*lruItem).entry = entry
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruItem{statement: statement, entry: entry})
	c.items[statement] = el
	if c.capacity > 0 && c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruItem).statement)
		}
	}
}

// Len reports the number of entries currently cached.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// RedisEvaler abstracts the minimal surface needed from a Redis client
// (GoRedisAdapter in redis_adapter.go adapts a github.com/redis/go-redis/v9
// Cmdable to it).
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	HGet(ctx context.Context, key, field string) (string, error)
}

// populateScript idempotently installs a statement's prepared name into the
// shared hash: the first process to populate a given field wins, and every
// racing populate converges on that winner's value (a SETNX-derived
// idempotent-write pattern).
const populateScript = `
local key = KEYS[1]
local field = ARGV[1]
local value = ARGV[2]
local ttlSeconds = tonumber(ARGV[3])
redis.call('HSETNX', key, field, value)
if ttlSeconds and ttlSeconds > 0 then
  redis.call('EXPIRE', key, ttlSeconds)
end
return redis.call('HGET', key, field)
`

// SharedCache is the optional Redis-backed layer shared across client
// processes in a farm.
type SharedCache struct {
	client RedisEvaler
	key    string
	ttl    time.Duration
}

// NewSharedCache returns a SharedCache storing entries in the hash named
// hashKey. Each populate sets the whole hash's expiry to ttl (0 disables
// expiry); fields do not expire individually.
func NewSharedCache(client RedisEvaler, hashKey string, ttl time.Duration) *SharedCache {
	return &SharedCache{client: client, key: hashKey, ttl: ttl}
}

// Get looks up statement's prepared name in the shared hash. It returns
// ok=false, not an error, on a clean miss.
func (s *SharedCache) Get(ctx context.Context, statement string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.key, statement)
	if err != nil {
		if err == ErrRedisNil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("queryengine: shared cache get: %w", err)
	}
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// PutIfAbsent installs preparedName for statement if no process has already
// installed one, and returns whichever name won the race (its own value if
// it won, or the existing one if it lost).
func (s *SharedCache) PutIfAbsent(ctx context.Context, statement, preparedName string) (string, error) {
	res, err := s.client.Eval(ctx, populateScript, []string{s.key}, statement, preparedName, int(s.ttl.Seconds()))
	if err != nil {
		return "", fmt.Errorf("queryengine: shared cache populate: %w", err)
	}
	winner, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("queryengine: shared cache populate: unexpected reply type %T", res)
	}
	return winner, nil
}

// ErrRedisNil is the sentinel a RedisEvaler.HGet implementation should
// return (instead of the field value) on a clean cache miss. Production
// RedisEvaler implementations wrap go-redis/v9 and translate its redis.Nil
// into this sentinel so this package need not import go-redis directly.
var ErrRedisNil = fmt.Errorf("queryengine: no such field")

// Cache composes a LocalCache with an optional SharedCache: lookups check
// local first, then shared (populating local on a shared hit); writes
// always populate both.
type Cache struct {
	local  *LocalCache
	shared *SharedCache
}

// NewCache returns a Cache. shared may be nil to run local-only.
func NewCache(localCapacity int, shared *SharedCache) *Cache {
	return &Cache{local: NewLocalCache(localCapacity), shared: shared}
}

// Get returns statement's prepared name, checking the local cache and then,
// if configured, the shared cache.
func (c *Cache) Get(ctx context.Context, statement string) (Entry, bool, error) {
	if e, ok := c.local.Get(statement); ok {
		return e, true, nil
	}
	if c.shared == nil {
		return Entry{}, false, nil
	}
	name, ok, err := c.shared.Get(ctx, statement)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	entry := Entry{PreparedName: name}
	c.local.Put(statement, entry)
	return entry, true, nil
}

// Put installs entry for statement in both the local and (if configured)
// shared layers, resolving a shared populate race by keeping whichever name
// the shared layer reports as the winner.
func (c *Cache) Put(ctx context.Context, statement string, entry Entry) error {
	if c.shared == nil {
		c.local.Put(statement, entry)
		return nil
	}
	winner, err := c.shared.PutIfAbsent(ctx, statement, entry.PreparedName)
	if err != nil {
		return err
	}
	if winner != entry.PreparedName {
		entry = Entry{PreparedName: winner}
	}
	c.local.Put(statement, entry)
	return nil
}

// Delete evicts statement from the local cache only. It is called on a
// prepared_statement_failure (the server no longer recognizes the cached
// plan name, e.g. after an index rebuild), so the next submission of the
// same statement re-PREPAREs rather than retrying the stale name forever.
// The shared layer is left untouched: another process may still be serving
// traffic successfully against that plan, and populateScript's HSETNX would
// refuse to overwrite it anyway.
func (c *Cache) Delete(statement string) {
	c.local.Delete(statement)
}

// Delete removes statement's entry, if present.
func (c *LocalCache) Delete(statement string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[statement]
	if !ok {
		return
	}
	c.ll.Remove(el)
	delete(c.items, statement)
}
