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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/apex/log"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type failingStore struct{}

func (f failingStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("store unreachable")
}

type slowStore struct{}

func (s slowStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestBucketKey(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("auth:user-1", BucketKey("user-1", "10.0.0.1"))
	assert.Equal("anon:10.0.0.1", BucketKey("", "10.0.0.1"))
}

func TestLimiterWindow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	now := time.Now()
	clock := func() time.Time { return now }
	uut, err := GetLimiter(GetMemoryCounterStore(clock), "ut", 0)
	assert.Nil(err)

	ctxt := context.Background()
	key := BucketKey("", uuid.NewString())

	// Case 0: five admitted, the sixth rejected
	for itr := 0; itr < 5; itr++ {
		ok, err := uut.TryAcquire(ctxt, key, 5, time.Hour)
		assert.Nil(err)
		assert.True(ok)
	}
	ok, err := uut.TryAcquire(ctxt, key, 5, time.Hour)
	assert.Nil(err)
	assert.False(ok)

	// Case 1: other buckets are unaffected
	ok, err = uut.TryAcquire(ctxt, BucketKey("user-1", ""), 5, time.Hour)
	assert.Nil(err)
	assert.True(ok)

	// Case 2: the window expires
	now = now.Add(time.Hour)
	ok, err = uut.TryAcquire(ctxt, key, 5, time.Hour)
	assert.Nil(err)
	assert.True(ok)

	// Case 3: bad parameters
	_, err = uut.TryAcquire(ctxt, key, 0, time.Hour)
	assert.NotNil(err)
}

func TestLimiterConcurrent(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetLimiter(GetMemoryCounterStore(nil), "", 0)
	assert.Nil(err)

	key := BucketKey("user-1", "")
	admitted := 0
	lock := sync.Mutex{}
	wg := sync.WaitGroup{}
	for itr := 0; itr < 50; itr++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := uut.TryAcquire(context.Background(), key, 10, time.Hour)
			assert.Nil(err)
			if ok {
				lock.Lock()
				admitted++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(10, admitted)
}

func TestLimiterStoreFailure(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetLimiter(failingStore{}, "", 0)
	assert.Nil(err)
	ok, err := uut.TryAcquire(context.Background(), "anon:x", 5, time.Hour)
	assert.NotNil(err)
	assert.False(ok)

	uut, err = GetLimiter(slowStore{}, "", time.Millisecond*20)
	assert.Nil(err)
	ok, err = uut.TryAcquire(context.Background(), "anon:x", 5, time.Hour)
	assert.True(errors.Is(err, context.DeadlineExceeded))
	assert.False(ok)
}

func TestRedisCounterStore(t *testing.T) {
	assert := assert.New(t)

	addr := common.GetUnitTestRedisAddress()
	if addr == "" {
		t.Skip("UNITTEST_REDIS_ADDRESS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	uut, err := GetRedisCounterStore(client)
	assert.Nil(err)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	key := fmt.Sprintf("livesub-ut:%s", uuid.NewString())
	for itr := 1; itr <= 3; itr++ {
		value, err := uut.Increment(ctxt, key, time.Second*2)
		assert.Nil(err)
		assert.Equal(int64(itr), value)
	}
	ttl, err := client.TTL(ctxt, key).Result()
	assert.Nil(err)
	assert.Greater(ttl, time.Duration(0))

	// TTL is set together with the first increment
	{
		freshKey := fmt.Sprintf("livesub-ut:%s", uuid.NewString())
		value, err := uut.Increment(ctxt, freshKey, time.Minute)
		assert.Nil(err)
		assert.Equal(int64(1), value)
		ttl, err := client.PTTL(ctxt, freshKey).Result()
		assert.Nil(err)
		assert.Greater(ttl, time.Duration(0))
		assert.LessOrEqual(ttl, time.Minute)
	}

	// A counter left without a TTL gets one on the next increment
	{
		staleKey := fmt.Sprintf("livesub-ut:%s", uuid.NewString())
		assert.Nil(client.Set(ctxt, staleKey, 7, 0).Err())
		value, err := uut.Increment(ctxt, staleKey, time.Minute)
		assert.Nil(err)
		assert.Equal(int64(8), value)
		ttl, err := client.PTTL(ctxt, staleKey).Result()
		assert.Nil(err)
		assert.Greater(ttl, time.Duration(0))
	}

	time.Sleep(time.Millisecond * 2500)
	value, err := uut.Increment(ctxt, key, time.Second*2)
	assert.Nil(err)
	assert.Equal(int64(1), value)
}
