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

// Package dataplane carries published events between NATS and the broker.
package dataplane

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/alwitt/livesub/dispatch"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// EventSubject the NATS subject events of an event type are published on
func EventSubject(prefix, eventType string) string {
	return fmt.Sprintf("%s.%s", prefix, eventType)
}

// AlertOnErrorCB callback used to expose internal error to an outer context for handling
type AlertOnErrorCB func(err error)

// EventSource reads published events from NATS and forwards them to the broker
type EventSource interface {
	// StartReading begin reading events
	StartReading(errorCB AlertOnErrorCB, wg *sync.WaitGroup) error
}

// natsEventSourceImpl implements EventSource
type natsEventSourceImpl struct {
	common.Component
	sub         *nats.Subscription
	prefix      string
	publisher   dispatch.Publisher
	validate    *validator.Validate
	callTimeout time.Duration
	reading     bool
	lock        sync.Mutex
	ctxt        context.Context
}

// GetNatsEventSource define new EventSource reading every subject under the prefix
func GetNatsEventSource(
	ctxt context.Context,
	nc *nats.Conn,
	subjectPrefix string,
	publisher dispatch.Publisher,
	callTimeout time.Duration,
) (EventSource, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-event-source", "subject": subjectPrefix,
	}
	if nc == nil || publisher == nil {
		return nil, fmt.Errorf("event source requires NATS connection and publisher")
	}
	if subjectPrefix == "" || strings.ContainsAny(subjectPrefix, "*> ") {
		return nil, fmt.Errorf("invalid subject prefix '%s'", subjectPrefix)
	}
	sub, err := nc.SubscribeSync(fmt.Sprintf("%s.>", subjectPrefix))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
		return nil, err
	}
	return &natsEventSourceImpl{
		Component:   common.Component{LogTags: logTags},
		sub:         sub,
		prefix:      subjectPrefix,
		publisher:   publisher,
		validate:    validator.New(),
		callTimeout: callTimeout,
		ctxt:        ctxt,
	}, nil
}

// StartReading begin reading events
func (r *natsEventSourceImpl) StartReading(errorCB AlertOnErrorCB, wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	r.reading = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(r.LogTags).Infof("Starting reading from NATS")
		defer log.WithFields(r.LogTags).Infof("Stopping NATS read loop")
		defer func() {
			if err := r.sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
			}
		}()
		for {
			newMsg, err := r.sub.NextMsgWithContext(r.ctxt)
			if err != nil {
				if r.ctxt.Err() == nil {
					log.WithError(err).WithFields(r.LogTags).Errorf("Read failure")
					if errorCB != nil {
						errorCB(err)
					}
				}
				return
			}
			if _, err := r.processMessage(newMsg.Subject, newMsg.Data); err != nil {
				log.WithError(err).WithFields(r.LogTags).Errorf(
					"Dropped event on %s", newMsg.Subject,
				)
			}
		}
	}()
	return nil
}

// processMessage decode one event and publish it. Returns the number of subscriptions
// delivered to.
func (r *natsEventSourceImpl) processMessage(subject string, data []byte) (int, error) {
	eventType := strings.TrimPrefix(subject, r.prefix+".")
	if eventType == subject || eventType == "" || strings.Contains(eventType, ".") {
		return 0, fmt.Errorf("subject %s does not name an event type", subject)
	}
	var event common.PublishedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return 0, err
	}
	if event.EventType == "" {
		event.EventType = eventType
	} else if event.EventType != eventType {
		return 0, fmt.Errorf(
			"event type %s does not match subject %s", event.EventType, subject,
		)
	}
	if err := r.validate.Struct(&event); err != nil {
		return 0, err
	}
	ctxt := r.ctxt
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(r.ctxt, r.callTimeout)
		defer cancel()
	}
	delivered := r.publisher.Publish(ctxt, event.EventType, event.TenantID, event.Payload)
	log.WithFields(r.LogTags).Debugf("Forwarded %s to %d subscriptions", event, delivered)
	return delivered, nil
}

// ==============================================================================

// EventPublisher publishes events onto NATS for the broker instances to pick up
type EventPublisher interface {
	// Publish publish one event
	Publish(ctxt context.Context, event common.PublishedEvent) error
}

// natsEventPublisherImpl implements EventPublisher
type natsEventPublisherImpl struct {
	common.Component
	nc       *nats.Conn
	prefix   string
	validate *validator.Validate
}

// GetNatsEventPublisher get new EventPublisher
func GetNatsEventPublisher(nc *nats.Conn, subjectPrefix string) (EventPublisher, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-event-publisher", "subject": subjectPrefix,
	}
	return &natsEventPublisherImpl{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
		prefix:    subjectPrefix,
		validate:  validator.New(),
	}, nil
}

// Publish publish one event
func (p *natsEventPublisherImpl) Publish(ctxt context.Context, event common.PublishedEvent) error {
	if err := p.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Invalid event")
		return err
	}
	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now().UTC()
	}
	body, err := json.Marshal(&event)
	if err != nil {
		return err
	}
	subject := EventSubject(p.prefix, event.EventType)
	if err := p.nc.Publish(subject, body); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to send %s", event)
		return err
	}
	return p.nc.FlushWithContext(ctxt)
}
