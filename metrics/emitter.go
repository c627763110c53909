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

// Package metrics records broker lifecycle events to a metrics / audit sink without
// blocking the caller.
package metrics

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/apex/log"
)

// Record names
const (
	NameConnectionOpened    = "connection_opened"
	NameConnectionClosed    = "connection_closed"
	NameAuthOutcome         = "auth_outcome"
	NameSubscriptionStarted = "subscription_started"
	NameSubscriptionStopped = "subscription_stopped"
	NameRateLimitRejected   = "rate_limit_rejected"
	NameDispatchFailed      = "dispatch_failed"
)

// record is one queued metric record
type record struct {
	name       string
	attributes map[string]interface{}
}

// Emitter records broker events. Every method returns immediately. Records which can
// not be queued are dropped.
type Emitter interface {
	// ConnectionOpened a connection was registered
	ConnectionOpened(connID, remoteAddr string)
	// ConnectionClosed a connection was removed
	ConnectionClosed(connID, reason string, lifetime time.Duration, subscriptions int)
	// AuthOutcome the result of the authentication handshake
	AuthOutcome(connID, outcome, principalID, tenantID string)
	// SubscriptionStarted a subscription became active
	SubscriptionStarted(connID, subID, eventType, tenantID string)
	// SubscriptionStopped a subscription was removed
	SubscriptionStopped(connID, subID, eventType, reason string, lifetime time.Duration)
	// RateLimitRejected a subscription start was over the limit
	RateLimitRejected(connID, subID, bucket string)
	// DispatchFailed delivering an event to a subscription failed
	DispatchFailed(connID, subID, eventType string, err error)
	// Dropped number of records dropped because the queue was full
	Dropped() uint64
	// Start start the record workers
	Start(wg *sync.WaitGroup) error
	// Stop stop the record workers
	Stop() error
}

// emitterImpl implements Emitter
type emitterImpl struct {
	common.Component
	tp      common.TaskProcessor
	sink    Sink
	dropped uint64
}

// GetEmitter define a new Emitter writing to sink through bufferLen queued records and
// workers parallel workers
func GetEmitter(sink Sink, bufferLen int, workers int) (Emitter, error) {
	if sink == nil {
		return nil, fmt.Errorf("metrics sink is required")
	}
	tp, err := common.GetNewTaskDemuxProcessorInstance("metrics-emitter", bufferLen, workers)
	if err != nil {
		return nil, err
	}
	instance := &emitterImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "metrics", "component": "emitter"},
		},
		tp:   tp,
		sink: sink,
	}
	if err := tp.AddToTaskExecutionMap(reflect.TypeOf(record{}), instance.processRecord); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start start the record workers
func (e *emitterImpl) Start(wg *sync.WaitGroup) error {
	return e.tp.StartEventLoop(wg)
}

// Stop stop the record workers
func (e *emitterImpl) Stop() error {
	return e.tp.StopEventLoop()
}

// Dropped number of records dropped
func (e *emitterImpl) Dropped() uint64 {
	return atomic.LoadUint64(&e.dropped)
}

func (e *emitterImpl) emit(name string, attrs map[string]interface{}) {
	if err := e.tp.TrySubmit(record{name: name, attributes: attrs}); err != nil {
		atomic.AddUint64(&e.dropped, 1)
		log.WithError(err).WithFields(e.LogTags).Debugf("Dropped %s record", name)
	}
}

func (e *emitterImpl) processRecord(param interface{}) error {
	rec, ok := param.(record)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	if err := e.sink.Record(rec.name, rec.attributes); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf("Sink failed to record %s", rec.name)
	}
	return nil
}

// ConnectionOpened a connection was registered
func (e *emitterImpl) ConnectionOpened(connID, remoteAddr string) {
	e.emit(NameConnectionOpened, map[string]interface{}{
		"connection": connID, "remote_addr": remoteAddr,
	})
}

// ConnectionClosed a connection was removed
func (e *emitterImpl) ConnectionClosed(
	connID, reason string, lifetime time.Duration, subscriptions int,
) {
	e.emit(NameConnectionClosed, map[string]interface{}{
		"connection":    connID,
		"reason":        reason,
		"duration_ms":   lifetime.Milliseconds(),
		"subscriptions": subscriptions,
	})
}

// AuthOutcome the result of the authentication handshake
func (e *emitterImpl) AuthOutcome(connID, outcome, principalID, tenantID string) {
	e.emit(NameAuthOutcome, map[string]interface{}{
		"connection": connID, "outcome": outcome, "principal": principalID, "tenant": tenantID,
	})
}

// SubscriptionStarted a subscription became active
func (e *emitterImpl) SubscriptionStarted(connID, subID, eventType, tenantID string) {
	e.emit(NameSubscriptionStarted, map[string]interface{}{
		"connection": connID, "subscription": subID, "event_type": eventType, "tenant": tenantID,
	})
}

// SubscriptionStopped a subscription was removed
func (e *emitterImpl) SubscriptionStopped(
	connID, subID, eventType, reason string, lifetime time.Duration,
) {
	e.emit(NameSubscriptionStopped, map[string]interface{}{
		"connection":   connID,
		"subscription": subID,
		"event_type":   eventType,
		"reason":       reason,
		"duration_ms":  lifetime.Milliseconds(),
	})
}

// RateLimitRejected a subscription start was over the limit
func (e *emitterImpl) RateLimitRejected(connID, subID, bucket string) {
	e.emit(NameRateLimitRejected, map[string]interface{}{
		"connection": connID, "subscription": subID, "bucket": bucket,
	})
}

// DispatchFailed delivering an event to a subscription failed
func (e *emitterImpl) DispatchFailed(connID, subID, eventType string, err error) {
	attrs := map[string]interface{}{
		"connection": connID, "subscription": subID, "event_type": eventType,
	}
	if err != nil {
		attrs["error"] = err.Error()
	}
	e.emit(NameDispatchFailed, attrs)
}
