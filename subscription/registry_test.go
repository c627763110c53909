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

package subscription

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// recordingTransport test transport which keeps every frame
type recordingTransport struct {
	lock    sync.Mutex
	frames  [][]byte
	closed  bool
	sendErr error
}

func (t *recordingTransport) Send(frame []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.frames = append(t.frames, frame)
	return nil
}

func (t *recordingTransport) Close(code int, reason string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closed = true
	return nil
}

func (t *recordingTransport) count() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.frames)
}

func testSub(connID, subID, eventType string) Subscription {
	return Subscription{
		ID:           subID,
		ConnectionID: connID,
		EventType:    eventType,
		EventField:   eventType,
		Arguments:    map[string]string{},
	}
}

func TestConnectionLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	now := time.Now()
	clock := func() time.Time { return now }

	index := GetIndex("ut")
	uut, err := GetConnectionRegistry("ut", index, 4, clock)
	assert.Nil(err)

	_, err = GetConnectionRegistry("ut", index, 0, clock)
	assert.NotNil(err)

	// Case 0: open
	tp := &recordingTransport{}
	connID, err := uut.Open(tp, "10.0.0.1:5000")
	assert.Nil(err)
	info, err := uut.Get(connID)
	assert.Nil(err)
	assert.Equal(AuthPending, info.AuthState)
	assert.Equal("10.0.0.1:5000", info.RemoteAddr)
	assert.Equal(1, uut.Count())

	// Case 1: unknown connection
	{
		_, err := uut.Get(uuid.NewString())
		assert.True(errors.Is(err, ErrConnectionNotFound))
	}

	// Case 2: authenticate, then the state is frozen
	{
		assert.Nil(uut.UpdateAuth(connID, AuthAuthenticated, "user-1", "tenant-a"))
		info, err := uut.Get(connID)
		assert.Nil(err)
		assert.Equal(AuthAuthenticated, info.AuthState)
		assert.Equal("user-1", info.PrincipalID)
		assert.Equal("tenant-a", info.TenantID)
		err = uut.UpdateAuth(connID, AuthAnonymous, "", "")
		assert.True(errors.Is(err, ErrInvalidAuthTransition))
	}

	// Case 3: subscriptions capture tenant and principal
	{
		sub, err := uut.AddSubscription(testSub(connID, "s1", "orderUpdated"))
		assert.Nil(err)
		assert.Equal("tenant-a", sub.TenantID)
		assert.Equal("user-1", sub.PrincipalID)
		assert.Equal(now, sub.CreatedAt)
		assert.True(index.Contains(sub.Key(), sub.IndexKey()))

		_, err = uut.AddSubscription(testSub(connID, "s1", "orderUpdated"))
		assert.True(errors.Is(err, ErrDuplicateSubscription))
		assert.Equal(1, index.Size())
	}

	// Case 4: delivery only to owned subscriptions
	{
		assert.Nil(uut.Deliver(Key{ConnectionID: connID, SubscriptionID: "s1"}, []byte("one")))
		err := uut.Deliver(Key{ConnectionID: connID, SubscriptionID: "s2"}, []byte("two"))
		assert.True(errors.Is(err, ErrSubscriptionNotFound))
		assert.Nil(uut.Send(connID, []byte("three")))
		assert.Equal(2, tp.count())
	}

	// Case 5: remove
	{
		sub, err := uut.RemoveSubscription(connID, "s1")
		assert.Nil(err)
		assert.False(index.Contains(sub.Key(), sub.IndexKey()))
		_, err = uut.RemoveSubscription(connID, "s1")
		assert.True(errors.Is(err, ErrSubscriptionNotFound))
		err = uut.Deliver(Key{ConnectionID: connID, SubscriptionID: "s1"}, []byte("four"))
		assert.True(errors.Is(err, ErrSubscriptionNotFound))
		assert.Equal(2, tp.count())
	}

	// Case 6: close the transport without touching registry state
	{
		assert.Nil(uut.CloseTransport(connID, 1000, "bye"))
		assert.True(tp.closed)
		_, err := uut.Get(connID)
		assert.Nil(err)
	}
}

func TestCloseRemovesAllSubscriptions(t *testing.T) {
	assert := assert.New(t)

	index := GetIndex("ut")
	uut, err := GetConnectionRegistry("ut", index, 8, nil)
	assert.Nil(err)

	conn1, err := uut.Open(&recordingTransport{}, "a")
	assert.Nil(err)
	conn2, err := uut.Open(&recordingTransport{}, "b")
	assert.Nil(err)
	assert.Nil(uut.UpdateAuth(conn1, AuthAuthenticated, "p1", "t1"))
	assert.Nil(uut.UpdateAuth(conn2, AuthAuthenticated, "p2", "t1"))

	// Same subscription IDs on both connections must not be conflated
	n := 7
	for itr := 0; itr < n; itr++ {
		subID := fmt.Sprintf("s%d", itr)
		_, err := uut.AddSubscription(testSub(conn1, subID, "orderUpdated"))
		assert.Nil(err)
		_, err = uut.AddSubscription(testSub(conn2, subID, "orderUpdated"))
		assert.Nil(err)
	}
	assert.Equal(2*n, index.Size())
	assert.Len(index.Lookup("orderUpdated", "t1"), 2*n)

	info, removed, err := uut.Close(conn1)
	assert.Nil(err)
	assert.Len(removed, n)
	assert.Len(info.SubscriptionIDs, n)
	assert.Equal(n, index.Size())
	for _, sub := range index.Lookup("orderUpdated", "t1") {
		assert.Equal(conn2, sub.ConnectionID)
	}

	// Closed connection is gone for every operation
	_, err = uut.Get(conn1)
	assert.True(errors.Is(err, ErrConnectionNotFound))
	_, err = uut.AddSubscription(testSub(conn1, "late", "orderUpdated"))
	assert.True(errors.Is(err, ErrConnectionNotFound))
	_, _, err = uut.Close(conn1)
	assert.True(errors.Is(err, ErrConnectionNotFound))
	assert.Equal(1, uut.Count())
	assert.Equal(map[string]bool{conn2: true}, index.ConnectionIDs())
}

func TestIndexNeverOutlivesConnections(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)
	defer log.SetLevel(log.DebugLevel)

	index := GetIndex("ut")
	uut, err := GetConnectionRegistry("ut", index, 4, nil)
	assert.Nil(err)

	rng := rand.New(rand.NewSource(42))
	conns := []string{}
	for itr := 0; itr < 5; itr++ {
		connID, err := uut.Open(&recordingTransport{}, "x")
		assert.Nil(err)
		assert.Nil(uut.UpdateAuth(connID, AuthAnonymous, "", ""))
		conns = append(conns, connID)
	}

	checkInvariant := func() {
		open := map[string]bool{}
		for _, connID := range uut.ConnectionIDs() {
			open[connID] = true
		}
		for connID := range index.ConnectionIDs() {
			assert.True(open[connID], "index holds subscription of closed connection %s", connID)
		}
	}

	for step := 0; step < 500; step++ {
		connID := conns[rng.Intn(len(conns))]
		subID := fmt.Sprintf("s%d", rng.Intn(6))
		switch rng.Intn(10) {
		case 0:
			_, _, _ = uut.Close(connID)
			newID, err := uut.Open(&recordingTransport{}, "x")
			assert.Nil(err)
			assert.Nil(uut.UpdateAuth(newID, AuthAnonymous, "", ""))
			for itr := range conns {
				if conns[itr] == connID {
					conns[itr] = newID
				}
			}
		case 1, 2, 3, 4:
			_, _ = uut.RemoveSubscription(connID, subID)
		default:
			_, _ = uut.AddSubscription(testSub(connID, subID, "tick"))
		}
		checkInvariant()
	}
}

func TestStopRacingDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)
	defer log.SetLevel(log.DebugLevel)

	index := GetIndex("ut")
	uut, err := GetConnectionRegistry("ut", index, 4, nil)
	assert.Nil(err)

	for round := 0; round < 50; round++ {
		tp := &recordingTransport{}
		connID, err := uut.Open(tp, "x")
		assert.Nil(err)
		assert.Nil(uut.UpdateAuth(connID, AuthAnonymous, "", ""))
		_, err = uut.AddSubscription(testSub(connID, "s1", "tick"))
		assert.Nil(err)
		key := Key{ConnectionID: connID, SubscriptionID: "s1"}

		stopped := make(chan int)
		wg := sync.WaitGroup{}
		wg.Add(2)
		go func() {
			defer wg.Done()
			for itr := 0; itr < 100; itr++ {
				_ = uut.Deliver(key, []byte("frame"))
			}
		}()
		go func() {
			defer wg.Done()
			_, err := uut.RemoveSubscription(connID, "s1")
			assert.Nil(err)
			stopped <- tp.count()
		}()
		countAtStop := <-stopped
		wg.Wait()
		// Nothing reaches the transport once the stop has returned
		assert.Equal(countAtStop, tp.count())
		_, _, err = uut.Close(connID)
		assert.Nil(err)
	}
	assert.Equal(0, index.Size())
}

func TestIdleConnections(t *testing.T) {
	assert := assert.New(t)

	now := time.Now()
	clock := func() time.Time { return now }
	uut, err := GetConnectionRegistry("ut", GetIndex("ut"), 2, clock)
	assert.Nil(err)

	conn1, err := uut.Open(&recordingTransport{}, "a")
	assert.Nil(err)
	now = now.Add(time.Minute)
	conn2, err := uut.Open(&recordingTransport{}, "b")
	assert.Nil(err)

	assert.Equal([]string{conn1}, uut.IdleConnections(now.Add(-time.Second)))

	now = now.Add(time.Minute)
	assert.Nil(uut.Touch(conn1))
	assert.Equal([]string{conn2}, uut.IdleConnections(now.Add(-time.Second)))
}

// closeCheckingIndex records index removals made after the owning connection already
// left its shard
type closeCheckingIndex struct {
	Index
	registry *connectionRegistryImpl
	removed  []Key
	orphaned []Key
}

func (i *closeCheckingIndex) Remove(key Key, bucket IndexKey) bool {
	// Called from Close with the shard lock held by the same goroutine
	if _, ok := i.registry.shardFor(key.ConnectionID).connections[key.ConnectionID]; !ok {
		i.orphaned = append(i.orphaned, key)
	}
	i.removed = append(i.removed, key)
	return i.Index.Remove(key, bucket)
}

func TestCloseKeepsConnectionUntilIndexCleared(t *testing.T) {
	assert := assert.New(t)

	index := &closeCheckingIndex{Index: GetIndex("ut")}
	reg, err := GetConnectionRegistry("ut", index, 2, nil)
	assert.Nil(err)
	index.registry = reg.(*connectionRegistryImpl)

	connID, err := reg.Open(&recordingTransport{}, "a")
	assert.Nil(err)
	assert.Nil(reg.UpdateAuth(connID, AuthAuthenticated, "p1", "t1"))
	for itr := 0; itr < 4; itr++ {
		_, err := reg.AddSubscription(testSub(connID, fmt.Sprintf("s%d", itr), "orderUpdated"))
		assert.Nil(err)
	}

	_, removed, err := reg.Close(connID)
	assert.Nil(err)
	assert.Len(removed, 4)
	assert.Len(index.removed, 4)
	assert.Empty(index.orphaned)
	assert.Equal(0, index.Size())
	_, err = reg.Get(connID)
	assert.True(errors.Is(err, ErrConnectionNotFound))
}
