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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/apex/log"
)

// Subscription one client-declared live query
type Subscription struct {
	// ID is client supplied, unique only within the owning connection
	ID string `json:"id" validate:"required"`
	// ConnectionID is the owning connection. This is a plain reference, the connection
	// owns the subscription.
	ConnectionID string `json:"connection_id" validate:"required"`
	// EventType is the class of events the subscription matches
	EventType string `json:"event_type" validate:"required"`
	// EventField is the response key the client asked for
	EventField string `json:"event_field"`
	// Arguments are the flat root field arguments
	Arguments map[string]string `json:"arguments"`
	// TenantID is captured from the connection at creation
	TenantID string `json:"tenant_id"`
	// PrincipalID is captured from the connection at creation
	PrincipalID string `json:"principal_id"`
	// CreatedAt is when the subscription became active
	CreatedAt time.Time `json:"created_at"`
	// LastActivityAt is when an event was last delivered
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Key the globally unique key of the subscription
func (s Subscription) Key() Key {
	return Key{ConnectionID: s.ConnectionID, SubscriptionID: s.ID}
}

// IndexKey the index bucket of the subscription
func (s Subscription) IndexKey() IndexKey {
	return IndexKey{EventType: s.EventType, TenantID: s.TenantID}
}

// String toString function
func (s Subscription) String() string {
	return fmt.Sprintf("SUB[%s/%s %s@%s]", s.ConnectionID, s.ID, s.EventType, s.TenantID)
}

// Key identifies one subscription across all connections
type Key struct {
	ConnectionID   string
	SubscriptionID string
}

// IndexKey is the (event type, tenant) bucket used for matching
type IndexKey struct {
	EventType string
	TenantID  string
}

// ==============================================================================

// Index maps (event type, tenant) to the active subscriptions
type Index interface {
	// Add insert a subscription
	Add(sub Subscription) error
	// Remove delete a subscription. Returns false if it was not present.
	Remove(key Key, bucket IndexKey) bool
	// Lookup snapshot of the subscriptions in one bucket
	Lookup(eventType, tenantID string) []Subscription
	// Contains whether the subscription is indexed
	Contains(key Key, bucket IndexKey) bool
	// Size total number of indexed subscriptions
	Size() int
	// ConnectionIDs the set of connections owning at least one indexed subscription
	ConnectionIDs() map[string]bool
}

// indexImpl implements Index
type indexImpl struct {
	common.Component
	lock    sync.RWMutex
	buckets map[IndexKey]map[Key]Subscription
	size    int
}

// GetIndex define a new subscription Index
func GetIndex(instance string) Index {
	logTags := log.Fields{
		"module": "subscription", "component": "index", "instance": instance,
	}
	return &indexImpl{
		Component: common.Component{LogTags: logTags},
		buckets:   make(map[IndexKey]map[Key]Subscription),
	}
}

// Add insert a subscription
func (i *indexImpl) Add(sub Subscription) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	bucket, ok := i.buckets[sub.IndexKey()]
	if !ok {
		bucket = make(map[Key]Subscription)
		i.buckets[sub.IndexKey()] = bucket
	}
	if _, ok := bucket[sub.Key()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscription, sub)
	}
	bucket[sub.Key()] = sub
	i.size++
	log.WithFields(i.LogTags).Debugf("Indexed %s", sub)
	return nil
}

// Remove delete a subscription
func (i *indexImpl) Remove(key Key, bucketKey IndexKey) bool {
	i.lock.Lock()
	defer i.lock.Unlock()
	bucket, ok := i.buckets[bucketKey]
	if !ok {
		return false
	}
	if _, ok := bucket[key]; !ok {
		return false
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(i.buckets, bucketKey)
	}
	i.size--
	return true
}

// Lookup snapshot of the subscriptions in one bucket
func (i *indexImpl) Lookup(eventType, tenantID string) []Subscription {
	i.lock.RLock()
	defer i.lock.RUnlock()
	bucket, ok := i.buckets[IndexKey{EventType: eventType, TenantID: tenantID}]
	if !ok {
		return nil
	}
	result := make([]Subscription, 0, len(bucket))
	for _, sub := range bucket {
		result = append(result, sub)
	}
	return result
}

// Contains whether the subscription is indexed
func (i *indexImpl) Contains(key Key, bucketKey IndexKey) bool {
	i.lock.RLock()
	defer i.lock.RUnlock()
	bucket, ok := i.buckets[bucketKey]
	if !ok {
		return false
	}
	_, ok = bucket[key]
	return ok
}

// Size total number of indexed subscriptions
func (i *indexImpl) Size() int {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return i.size
}

// ConnectionIDs the set of connections owning at least one indexed subscription
func (i *indexImpl) ConnectionIDs() map[string]bool {
	i.lock.RLock()
	defer i.lock.RUnlock()
	result := map[string]bool{}
	for _, bucket := range i.buckets {
		for key := range bucket {
			result[key.ConnectionID] = true
		}
	}
	return result
}
