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

// Package dispatch fans published events out to the matching subscriptions.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/alwitt/livesub/metrics"
	"github.com/alwitt/livesub/protocol"
	"github.com/alwitt/livesub/subscription"
	"github.com/apex/log"
)

// Publisher is the entry point event sources use to reach subscribers
type Publisher interface {
	// Publish deliver the payload to every active subscription of the event type within
	// the tenant. Returns the number of subscriptions delivered to. Subscriber failures
	// are never returned to the publisher.
	Publish(ctx context.Context, eventType, tenantID string, payload json.RawMessage) int
}

// dispatcherImpl implements Publisher
type dispatcherImpl struct {
	common.Component
	index    subscription.Index
	registry subscription.ConnectionRegistry
	codec    *protocol.Codec
	emitter  metrics.Emitter
}

// GetDispatcher define a new broadcast dispatcher
func GetDispatcher(
	index subscription.Index,
	registry subscription.ConnectionRegistry,
	codec *protocol.Codec,
	emitter metrics.Emitter,
) (Publisher, error) {
	if index == nil || registry == nil || codec == nil || emitter == nil {
		return nil, fmt.Errorf("dispatcher requires index, registry, codec and emitter")
	}
	return &dispatcherImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "dispatch", "component": "dispatcher"},
		},
		index:    index,
		registry: registry,
		codec:    codec,
		emitter:  emitter,
	}, nil
}

// Publish deliver the payload to the matching subscriptions
func (d *dispatcherImpl) Publish(
	ctx context.Context, eventType, tenantID string, payload json.RawMessage,
) int {
	matches := d.index.Lookup(eventType, tenantID)
	if len(matches) == 0 {
		return 0
	}
	delivered := 0
	for _, sub := range matches {
		if ctx.Err() != nil {
			log.WithError(ctx.Err()).WithFields(d.LogTags).Warnf(
				"Publish of %s cancelled after %d of %d", eventType, delivered, len(matches),
			)
			break
		}
		// Tenants must never cross
		if sub.TenantID != tenantID || sub.EventType != eventType {
			log.WithFields(d.LogTags).Errorf("Index returned %s for %s@%s", sub, eventType, tenantID)
			continue
		}
		frame, err := d.codec.Data(sub.ID, payload)
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Unable to encode %s data frame", sub)
			continue
		}
		err = d.registry.Deliver(sub.Key(), frame)
		if err == nil {
			delivered++
			continue
		}
		// Removed by stop or close since the lookup
		if errors.Is(err, subscription.ErrSubscriptionNotFound) ||
			errors.Is(err, subscription.ErrConnectionNotFound) ||
			errors.Is(err, subscription.ErrConnectionClosed) {
			continue
		}
		d.reap(sub, err)
	}
	log.WithFields(d.LogTags).Debugf(
		"Published %s@%s to %d of %d", eventType, tenantID, delivered, len(matches),
	)
	return delivered
}

// reap drop a subscription whose transport refused a frame
func (d *dispatcherImpl) reap(sub subscription.Subscription, cause error) {
	logTags := d.LogTagsWith(log.Fields{
		"connection": sub.ConnectionID, "subscription": sub.ID,
	})
	log.WithError(cause).WithFields(logTags).Warn("Delivery failed, removing subscription")
	d.emitter.DispatchFailed(sub.ConnectionID, sub.ID, sub.EventType, cause)
	removed, err := d.registry.RemoveSubscription(sub.ConnectionID, sub.ID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Debug("Subscription already gone")
		return
	}
	d.emitter.SubscriptionStopped(
		removed.ConnectionID, removed.ID, removed.EventType, "dispatch_failed",
		time.Since(removed.CreatedAt),
	)
}
