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

// Package subscription tracks open connections and the subscriptions they own.
//
// Lock order is always: registry shard, then connection, then index. Only Close holds
// the shard lock while taking the connection lock; every other path releases the shard
// lock first.
package subscription

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

var (
	// ErrConnectionNotFound no open connection with that ID
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrConnectionClosed the connection was closed while the call was in progress
	ErrConnectionClosed = errors.New("connection closed")
	// ErrDuplicateSubscription the connection already owns a subscription with that ID
	ErrDuplicateSubscription = errors.New("subscription id already in use")
	// ErrSubscriptionNotFound the connection does not own a subscription with that ID
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrInvalidAuthTransition the auth state change is not allowed
	ErrInvalidAuthTransition = errors.New("invalid auth state transition")
	// ErrTransportBufferFull the transport send queue has no room left
	ErrTransportBufferFull = errors.New("transport send buffer full")
)

// AuthState is the authentication state of a connection
type AuthState int

// Auth states. Pending moves one-way to any of the others.
const (
	AuthPending AuthState = iota
	AuthAuthenticated
	AuthAnonymous
	AuthFailed
)

// String toString function
func (s AuthState) String() string {
	switch s {
	case AuthPending:
		return "pending"
	case AuthAuthenticated:
		return "authenticated"
	case AuthAnonymous:
		return "anonymous"
	case AuthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is the handle used to push frames to the client
type Transport interface {
	// Send queue one frame for transmission. Must not block.
	Send(frame []byte) error
	// Close close the transport with a close code and reason
	Close(code int, reason string) error
}

// ConnectionInfo is a snapshot of one connection's metadata
type ConnectionInfo struct {
	ID              string
	AuthState       AuthState
	PrincipalID     string
	TenantID        string
	RemoteAddr      string
	SubscriptionIDs []string
	OpenedAt        time.Time
	LastActivityAt  time.Time
}

// connection is the registry owned state of one connection
type connection struct {
	lock           sync.Mutex
	id             string
	handle         Transport
	closed         bool
	authState      AuthState
	principalID    string
	tenantID       string
	remoteAddr     string
	subscriptions  map[string]Subscription
	openedAt       time.Time
	lastActivityAt time.Time
}

func (c *connection) info() ConnectionInfo {
	subIDs := make([]string, 0, len(c.subscriptions))
	for subID := range c.subscriptions {
		subIDs = append(subIDs, subID)
	}
	sort.Strings(subIDs)
	return ConnectionInfo{
		ID:              c.id,
		AuthState:       c.authState,
		PrincipalID:     c.principalID,
		TenantID:        c.tenantID,
		RemoteAddr:      c.remoteAddr,
		SubscriptionIDs: subIDs,
		OpenedAt:        c.openedAt,
		LastActivityAt:  c.lastActivityAt,
	}
}

// registryShard is one lock stripe of the registry
type registryShard struct {
	lock        sync.RWMutex
	connections map[string]*connection
}

// ==============================================================================

// ConnectionRegistry tracks every open connection and the subscriptions it owns. It
// keeps the subscription index in step: a subscription is indexed exactly while its
// owning connection is open and owns it.
type ConnectionRegistry interface {
	// Open register a new connection, returning its ID
	Open(handle Transport, remoteAddr string) (string, error)
	// Get snapshot of a connection
	Get(connID string) (ConnectionInfo, error)
	// UpdateAuth record the outcome of the authentication handshake
	UpdateAuth(connID string, state AuthState, principalID, tenantID string) error
	// Touch refresh the connection activity timestamp
	Touch(connID string) error
	// AddSubscription attach a subscription to its connection and index it. The
	// tenant and principal are captured from the connection.
	AddSubscription(sub Subscription) (Subscription, error)
	// RemoveSubscription detach a subscription from its connection and the index
	RemoveSubscription(connID, subID string) (Subscription, error)
	// Send push a frame not tied to a subscription to the connection
	Send(connID string, frame []byte) error
	// Deliver push a subscription frame, only if the connection still owns the
	// subscription
	Deliver(key Key, frame []byte) error
	// Close remove the connection and all of its subscriptions. Returns the removed
	// subscriptions.
	Close(connID string) (ConnectionInfo, []Subscription, error)
	// CloseTransport close the connection's transport handle. Registry state is unchanged.
	CloseTransport(connID string, code int, reason string) error
	// IdleConnections IDs of connections with no activity since the cutoff
	IdleConnections(cutoff time.Time) []string
	// ConnectionIDs IDs of all open connections
	ConnectionIDs() []string
	// Count number of open connections
	Count() int
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	shards []*registryShard
	index  Index
	now    func() time.Time
}

// GetConnectionRegistry define a new ConnectionRegistry striped over shardCount locks
func GetConnectionRegistry(
	instance string, index Index, shardCount int, clock func() time.Time,
) (ConnectionRegistry, error) {
	if shardCount < 1 {
		return nil, fmt.Errorf("shard count must be positive: %d", shardCount)
	}
	if index == nil {
		return nil, fmt.Errorf("subscription index is required")
	}
	if clock == nil {
		clock = time.Now
	}
	logTags := log.Fields{
		"module": "subscription", "component": "connection-registry", "instance": instance,
	}
	shards := make([]*registryShard, shardCount)
	for itr := range shards {
		shards[itr] = &registryShard{connections: make(map[string]*connection)}
	}
	return &connectionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		shards:    shards,
		index:     index,
		now:       clock,
	}, nil
}

func (r *connectionRegistryImpl) shardFor(connID string) *registryShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(connID))
	return r.shards[hasher.Sum32()%uint32(len(r.shards))]
}

// lookup fetch the live connection entry. The shard lock is not held on return.
func (r *connectionRegistryImpl) lookup(connID string) (*connection, error) {
	shard := r.shardFor(connID)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	conn, ok := shard.connections[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return conn, nil
}

// Open register a new connection
func (r *connectionRegistryImpl) Open(handle Transport, remoteAddr string) (string, error) {
	if handle == nil {
		return "", fmt.Errorf("transport handle is required")
	}
	now := r.now()
	conn := &connection{
		id:             uuid.NewString(),
		handle:         handle,
		authState:      AuthPending,
		remoteAddr:     remoteAddr,
		subscriptions:  make(map[string]Subscription),
		openedAt:       now,
		lastActivityAt: now,
	}
	shard := r.shardFor(conn.id)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	shard.connections[conn.id] = conn
	log.WithFields(r.LogTags).WithField("connection", conn.id).Debugf(
		"Registered connection from %s", remoteAddr,
	)
	return conn.id, nil
}

// Get snapshot of a connection
func (r *connectionRegistryImpl) Get(connID string) (ConnectionInfo, error) {
	conn, err := r.lookup(connID)
	if err != nil {
		return ConnectionInfo{}, err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if conn.closed {
		return ConnectionInfo{}, fmt.Errorf("%w: %s", ErrConnectionClosed, connID)
	}
	return conn.info(), nil
}

// UpdateAuth record the outcome of the authentication handshake
func (r *connectionRegistryImpl) UpdateAuth(
	connID string, state AuthState, principalID, tenantID string,
) error {
	conn, err := r.lookup(connID)
	if err != nil {
		return err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if conn.closed {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, connID)
	}
	if conn.authState != AuthPending || state == AuthPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidAuthTransition, conn.authState, state)
	}
	conn.authState = state
	if state == AuthAuthenticated {
		conn.principalID = principalID
		conn.tenantID = tenantID
	}
	conn.lastActivityAt = r.now()
	return nil
}

// Touch refresh the connection activity timestamp
func (r *connectionRegistryImpl) Touch(connID string) error {
	conn, err := r.lookup(connID)
	if err != nil {
		return err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if conn.closed {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, connID)
	}
	conn.lastActivityAt = r.now()
	return nil
}

// AddSubscription attach a subscription to its connection and index it
func (r *connectionRegistryImpl) AddSubscription(sub Subscription) (Subscription, error) {
	conn, err := r.lookup(sub.ConnectionID)
	if err != nil {
		return Subscription{}, err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if conn.closed {
		return Subscription{}, fmt.Errorf("%w: %s", ErrConnectionClosed, sub.ConnectionID)
	}
	if _, ok := conn.subscriptions[sub.ID]; ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrDuplicateSubscription, sub.ID)
	}
	now := r.now()
	sub.TenantID = conn.tenantID
	sub.PrincipalID = conn.principalID
	sub.CreatedAt = now
	sub.LastActivityAt = now
	if err := r.index.Add(sub); err != nil {
		return Subscription{}, err
	}
	conn.subscriptions[sub.ID] = sub
	conn.lastActivityAt = now
	return sub, nil
}

// RemoveSubscription detach a subscription from its connection and the index
func (r *connectionRegistryImpl) RemoveSubscription(connID, subID string) (Subscription, error) {
	conn, err := r.lookup(connID)
	if err != nil {
		return Subscription{}, err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if conn.closed {
		return Subscription{}, fmt.Errorf("%w: %s", ErrConnectionClosed, connID)
	}
	sub, ok := conn.subscriptions[subID]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subID)
	}
	delete(conn.subscriptions, subID)
	r.index.Remove(sub.Key(), sub.IndexKey())
	return sub, nil
}

// Send push a frame not tied to a subscription to the connection
func (r *connectionRegistryImpl) Send(connID string, frame []byte) error {
	conn, err := r.lookup(connID)
	if err != nil {
		return err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if conn.closed {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, connID)
	}
	return conn.handle.Send(frame)
}

// Deliver push a subscription frame if the connection still owns the subscription
func (r *connectionRegistryImpl) Deliver(key Key, frame []byte) error {
	conn, err := r.lookup(key.ConnectionID)
	if err != nil {
		return err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if conn.closed {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, key.ConnectionID)
	}
	sub, ok := conn.subscriptions[key.SubscriptionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, key.SubscriptionID)
	}
	if err := conn.handle.Send(frame); err != nil {
		return err
	}
	sub.LastActivityAt = r.now()
	conn.subscriptions[key.SubscriptionID] = sub
	return nil
}

// Close remove the connection and all of its subscriptions. The shard lock is held
// throughout so the connection stays resolvable until its last index entry is gone.
func (r *connectionRegistryImpl) Close(connID string) (ConnectionInfo, []Subscription, error) {
	shard := r.shardFor(connID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	conn, ok := shard.connections[connID]
	if !ok {
		return ConnectionInfo{}, nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}

	conn.lock.Lock()
	info := conn.info()
	conn.closed = true
	removed := make([]Subscription, 0, len(conn.subscriptions))
	for subID, sub := range conn.subscriptions {
		if !r.index.Remove(sub.Key(), sub.IndexKey()) {
			log.WithFields(r.LogTags).WithField("connection", connID).Errorf(
				"%s was not indexed", sub,
			)
		}
		delete(conn.subscriptions, subID)
		removed = append(removed, sub)
	}
	conn.lock.Unlock()

	delete(shard.connections, connID)
	log.WithFields(r.LogTags).WithField("connection", connID).Debugf(
		"Closed connection, removed %d subscriptions", len(removed),
	)
	return info, removed, nil
}

// CloseTransport close the connection's transport handle
func (r *connectionRegistryImpl) CloseTransport(connID string, code int, reason string) error {
	conn, err := r.lookup(connID)
	if err != nil {
		return err
	}
	return conn.handle.Close(code, reason)
}

// IdleConnections IDs of connections with no activity since the cutoff
func (r *connectionRegistryImpl) IdleConnections(cutoff time.Time) []string {
	result := []string{}
	for _, conn := range r.snapshot() {
		conn.lock.Lock()
		if !conn.closed && conn.lastActivityAt.Before(cutoff) {
			result = append(result, conn.id)
		}
		conn.lock.Unlock()
	}
	return result
}

// ConnectionIDs IDs of all open connections
func (r *connectionRegistryImpl) ConnectionIDs() []string {
	conns := r.snapshot()
	result := make([]string, 0, len(conns))
	for _, conn := range conns {
		result = append(result, conn.id)
	}
	return result
}

// Count number of open connections
func (r *connectionRegistryImpl) Count() int {
	total := 0
	for _, shard := range r.shards {
		shard.lock.RLock()
		total += len(shard.connections)
		shard.lock.RUnlock()
	}
	return total
}

// snapshot list the live connection entries, one shard at a time
func (r *connectionRegistryImpl) snapshot() []*connection {
	result := []*connection{}
	for _, shard := range r.shards {
		shard.lock.RLock()
		for _, conn := range shard.connections {
			result = append(result, conn)
		}
		shard.lock.RUnlock()
	}
	return result
}
