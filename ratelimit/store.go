// Copyright 2022 The livesub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/apex/log"
	"github.com/go-redis/redis/v8"
)

// CounterStore is a shared store of expiring counters
type CounterStore interface {
	// Increment atomically increment the counter at key and return the new value. A
	// counter created by this call expires after ttl.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// ==============================================================================

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

// memoryCounterStore implements CounterStore in process memory
type memoryCounterStore struct {
	common.Component
	lock     sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

// GetMemoryCounterStore define a CounterStore held in process memory. Only usable by a
// single broker instance.
func GetMemoryCounterStore(clock func() time.Time) CounterStore {
	if clock == nil {
		clock = time.Now
	}
	return &memoryCounterStore{
		Component: common.Component{
			LogTags: log.Fields{"module": "ratelimit", "component": "memory-counter-store"},
		},
		counters: make(map[string]*memoryCounter),
		now:      clock,
	}
}

// Increment atomically increment the counter at key
func (s *memoryCounterStore) Increment(
	ctx context.Context, key string, ttl time.Duration,
) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	now := s.now()
	counter, ok := s.counters[key]
	if !ok || !now.Before(counter.expiresAt) {
		counter = &memoryCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = counter
		s.purge(now)
	}
	counter.value++
	return counter.value, nil
}

// purge drop expired counters. Caller holds the lock.
func (s *memoryCounterStore) purge(now time.Time) {
	for key, counter := range s.counters {
		if !now.Before(counter.expiresAt) {
			delete(s.counters, key)
		}
	}
}

// ==============================================================================

// incrementWithTTL increments the counter and sets its TTL in one server side step. A
// key found without a TTL gets one, so a counter can never outlive its window forever.
var incrementWithTTL = redis.NewScript(`
local value = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return value
`)

// redisCounterStore implements CounterStore on redis
type redisCounterStore struct {
	common.Component
	client *redis.Client
}

// GetRedisCounterStore define a CounterStore backed by redis, shared by every broker
// instance using the same server
func GetRedisCounterStore(client *redis.Client) (CounterStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &redisCounterStore{
		Component: common.Component{
			LogTags: log.Fields{"module": "ratelimit", "component": "redis-counter-store"},
		},
		client: client,
	}, nil
}

// Increment atomically increment the counter at key
func (s *redisCounterStore) Increment(
	ctx context.Context, key string, ttl time.Duration,
) (int64, error) {
	value, err := incrementWithTTL.Run(
		ctx, s.client, []string{key}, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Increment of %s failed", key)
		return 0, err
	}
	return value, nil
}
