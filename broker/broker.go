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

// Package broker drives the subscription protocol of every connection and ties the
// registry, limiter, auth and dispatch components together.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alwitt/livesub/auth"
	"github.com/alwitt/livesub/common"
	"github.com/alwitt/livesub/dispatch"
	"github.com/alwitt/livesub/metrics"
	"github.com/alwitt/livesub/protocol"
	"github.com/alwitt/livesub/ratelimit"
	"github.com/alwitt/livesub/subscription"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// RateLimits are the subscription start limits per window
type RateLimits struct {
	Authenticated int64
	Anonymous     int64
	Window        time.Duration
}

// Params are the broker collaborators and parameters
type Params struct {
	Index         subscription.Index
	Registry      subscription.ConnectionRegistry
	Authenticator auth.Authenticator
	Authorizer    auth.Authorizer
	Limiter       ratelimit.Limiter
	Emitter       metrics.Emitter
	Codec         *protocol.Codec
	Limits        RateLimits
	// CallTimeout bounds every authentication, authorization and rate limit call
	CallTimeout time.Duration
	// IdleTimeout is how long a connection may stay without activity
	IdleTimeout time.Duration
	// Clock is the time source, defaults to time.Now
	Clock func() time.Time
}

// Broker is the subscription broker of one process
type Broker interface {
	dispatch.Publisher
	// OpenConnection register a new connection and return the session driving it
	OpenConnection(handle subscription.Transport, remoteAddr string) (*Session, error)
	// CloseConnection remove a connection and all of its subscriptions. Closing an
	// already closed connection is a no-op.
	CloseConnection(connID, reason string) error
	// SweepIdle close every connection idle past the idle timeout. Returns the number
	// of connections closed.
	SweepIdle() int
	// StartIdleSweeper run SweepIdle every interval until the context ends
	StartIdleSweeper(ctxt context.Context, wg *sync.WaitGroup, interval time.Duration) error
	// Shutdown close every open connection with going away. Returns the number of
	// connections closed.
	Shutdown(reason string) int
	// ConnectionCount number of open connections
	ConnectionCount() int
}

// brokerImpl implements Broker
type brokerImpl struct {
	common.Component
	Params
	publisher dispatch.Publisher
	sweeper   common.IntervalTimer
	lock      sync.Mutex
}

// GetBroker define a new subscription broker
func GetBroker(params Params) (Broker, error) {
	if params.Index == nil || params.Registry == nil {
		return nil, fmt.Errorf("broker requires subscription index and connection registry")
	}
	if params.Authenticator == nil || params.Authorizer == nil {
		return nil, fmt.Errorf("broker requires authenticator and authorizer")
	}
	if params.Limiter == nil || params.Emitter == nil {
		return nil, fmt.Errorf("broker requires rate limiter and metrics emitter")
	}
	if params.Limits.Authenticated <= params.Limits.Anonymous || params.Limits.Anonymous < 1 {
		return nil, fmt.Errorf(
			"authenticated limit %d must exceed anonymous limit %d",
			params.Limits.Authenticated, params.Limits.Anonymous,
		)
	}
	if params.Limits.Window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive")
	}
	if params.Codec == nil {
		params.Codec = protocol.NewCodec()
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}
	publisher, err := dispatch.GetDispatcher(
		params.Index, params.Registry, params.Codec, params.Emitter,
	)
	if err != nil {
		return nil, err
	}
	return &brokerImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "broker", "component": "broker"},
		},
		Params:    params,
		publisher: publisher,
	}, nil
}

// OpenConnection register a new connection
func (b *brokerImpl) OpenConnection(
	handle subscription.Transport, remoteAddr string,
) (*Session, error) {
	connID, err := b.Registry.Open(handle, remoteAddr)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to register connection")
		return nil, err
	}
	remoteHost, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || remoteHost == "" {
		remoteHost = remoteAddr
	}
	b.Emitter.ConnectionOpened(connID, remoteAddr)
	return &Session{
		Component: common.Component{
			LogTags: log.Fields{"module": "broker", "component": "session", "connection": connID},
		},
		broker:     b,
		connID:     connID,
		remoteHost: remoteHost,
	}, nil
}

// CloseConnection remove a connection and all of its subscriptions
func (b *brokerImpl) CloseConnection(connID, reason string) error {
	info, removed, err := b.Registry.Close(connID)
	if err != nil {
		if errors.Is(err, subscription.ErrConnectionNotFound) {
			return nil
		}
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to close connection %s", connID)
		return err
	}
	now := b.Clock()
	for _, sub := range removed {
		b.Emitter.SubscriptionStopped(
			connID, sub.ID, sub.EventType, reason, now.Sub(sub.CreatedAt),
		)
	}
	b.Emitter.ConnectionClosed(connID, reason, now.Sub(info.OpenedAt), len(removed))
	log.WithFields(b.LogTags).WithField("connection", connID).Infof(
		"Closed connection (%s), removed %d subscriptions", reason, len(removed),
	)
	return nil
}

// terminate close the transport then clean up the connection
func (b *brokerImpl) terminate(connID string, code int, reason string) {
	if err := b.Registry.CloseTransport(connID, code, reason); err != nil &&
		!errors.Is(err, subscription.ErrConnectionNotFound) {
		log.WithError(err).WithFields(b.LogTags).WithField("connection", connID).Warn(
			"Transport close failed",
		)
	}
	_ = b.CloseConnection(connID, reason)
}

// SweepIdle close every connection idle past the idle timeout
func (b *brokerImpl) SweepIdle() int {
	if b.IdleTimeout <= 0 {
		return 0
	}
	idle := b.Registry.IdleConnections(b.Clock().Add(-b.IdleTimeout))
	for _, connID := range idle {
		b.terminate(connID, websocket.CloseNormalClosure, "idle timeout")
	}
	if len(idle) > 0 {
		log.WithFields(b.LogTags).Infof("Closed %d idle connections", len(idle))
	}
	return len(idle)
}

// StartIdleSweeper run SweepIdle every interval until the context ends
func (b *brokerImpl) StartIdleSweeper(
	ctxt context.Context, wg *sync.WaitGroup, interval time.Duration,
) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.sweeper != nil {
		return fmt.Errorf("idle sweeper already running")
	}
	sweeper, err := common.GetIntervalTimerInstance("idle-sweeper", ctxt, wg)
	if err != nil {
		return err
	}
	if err := sweeper.Start(interval, func() error {
		b.SweepIdle()
		return nil
	}, false); err != nil {
		return err
	}
	b.sweeper = sweeper
	return nil
}

// Shutdown close every open connection
func (b *brokerImpl) Shutdown(reason string) int {
	b.lock.Lock()
	if b.sweeper != nil {
		_ = b.sweeper.Stop()
		b.sweeper = nil
	}
	b.lock.Unlock()
	connIDs := b.Registry.ConnectionIDs()
	for _, connID := range connIDs {
		b.terminate(connID, websocket.CloseGoingAway, reason)
	}
	log.WithFields(b.LogTags).Infof("Shutdown closed %d connections", len(connIDs))
	return len(connIDs)
}

// ConnectionCount number of open connections
func (b *brokerImpl) ConnectionCount() int {
	return b.Registry.Count()
}

// Publish deliver the payload to the matching subscriptions
func (b *brokerImpl) Publish(
	ctx context.Context, eventType, tenantID string, payload json.RawMessage,
) int {
	return b.publisher.Publish(ctx, eventType, tenantID, payload)
}
