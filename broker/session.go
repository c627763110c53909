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

package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/livesub/auth"
	"github.com/alwitt/livesub/common"
	"github.com/alwitt/livesub/protocol"
	"github.com/alwitt/livesub/ratelimit"
	"github.com/alwitt/livesub/subscription"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// ErrSessionTerminated the session has ended, no further frames should be read
var ErrSessionTerminated = errors.New("session terminated")

// Session is the protocol state machine of one connection. Handle must be called from
// a single goroutine, in frame arrival order.
type Session struct {
	common.Component
	broker      *brokerImpl
	connID      string
	remoteHost  string
	initialized bool
	principal   *auth.Principal
}

// ConnectionID the registry ID of the session's connection
func (s *Session) ConnectionID() string {
	return s.connID
}

// Close end the session, removing the connection and its subscriptions. Safe to call
// more than once.
func (s *Session) Close(reason string) error {
	return s.broker.CloseConnection(s.connID, reason)
}

// Abort close the transport with an internal error, then end the session
func (s *Session) Abort(reason string) {
	s.broker.terminate(s.connID, websocket.CloseInternalServerErr, reason)
}

// Handle process one inbound frame. Protocol errors are reported to the client and
// return nil. ErrSessionTerminated is returned once the connection is gone.
func (s *Session) Handle(ctx context.Context, frame []byte) error {
	if err := s.broker.Registry.Touch(s.connID); err != nil {
		return ErrSessionTerminated
	}
	msg, err := s.broker.Codec.Decode(frame)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Rejected inbound frame")
		var decodeErr *protocol.DecodeError
		id := ""
		if errors.As(err, &decodeErr) {
			id = decodeErr.ID
		}
		return s.sendError(id, err.Error())
	}

	switch msg.Type {
	case protocol.MsgConnectionInit:
		return s.handleInit(ctx, msg)
	case protocol.MsgStart:
		return s.handleStart(ctx, msg)
	case protocol.MsgStop:
		return s.handleStop(msg)
	case protocol.MsgPing:
		pong, err := s.broker.Codec.Pong(msg.Payload)
		if err != nil {
			return s.internalError(msg.ID, err)
		}
		return s.send(pong)
	case protocol.MsgPong:
		return nil
	case protocol.MsgConnectionTerminate:
		s.broker.terminate(s.connID, websocket.CloseNormalClosure, "client terminated")
		return ErrSessionTerminated
	default:
		return s.sendError(msg.ID, fmt.Sprintf("unsupported message type %s", msg.Type))
	}
}

// ==============================================================================
// connection_init

func (s *Session) handleInit(ctx context.Context, msg protocol.Envelope) error {
	if s.initialized {
		return s.sendError(msg.ID, "connection already initialized")
	}
	credential := msg.Init.Credential()

	if credential == "" {
		if err := s.broker.Registry.UpdateAuth(
			s.connID, subscription.AuthAnonymous, "", "",
		); err != nil {
			return s.registryFault(err)
		}
		s.initialized = true
		s.broker.Emitter.AuthOutcome(s.connID, subscription.AuthAnonymous.String(), "", "")
		return s.sendAck(protocol.AckPayload{Anonymous: true})
	}

	// Resolve before touching registry state
	principal, err := callWithTimeout(
		ctx, s.broker.CallTimeout,
		func(callCtx context.Context) (*auth.Principal, error) {
			return s.broker.Authenticator.Authenticate(callCtx, credential)
		},
	)
	if err == nil && principal == nil {
		err = auth.ErrInvalidCredential
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Info("Authentication failed")
		if updateErr := s.broker.Registry.UpdateAuth(
			s.connID, subscription.AuthFailed, "", "",
		); updateErr != nil {
			return s.registryFault(updateErr)
		}
		s.broker.Emitter.AuthOutcome(s.connID, subscription.AuthFailed.String(), "", "")
		_ = s.sendError(msg.ID, "authentication failed")
		s.broker.terminate(s.connID, websocket.ClosePolicyViolation, "authentication failed")
		return ErrSessionTerminated
	}

	if err := s.broker.Registry.UpdateAuth(
		s.connID, subscription.AuthAuthenticated, principal.ID, principal.TenantID,
	); err != nil {
		return s.registryFault(err)
	}
	s.initialized = true
	s.principal = principal
	s.LogTags = s.LogTagsWith(log.Fields{"principal": principal.ID, "tenant": principal.TenantID})
	s.broker.Emitter.AuthOutcome(
		s.connID, subscription.AuthAuthenticated.String(), principal.ID, principal.TenantID,
	)
	return s.sendAck(protocol.AckPayload{Principal: principal.ID, Tenant: principal.TenantID})
}

// ==============================================================================
// start

func (s *Session) handleStart(ctx context.Context, msg protocol.Envelope) error {
	if !s.initialized {
		return s.sendError(msg.ID, "connection not initialized")
	}
	query, err := protocol.ParseQuery(msg.Start.Query, msg.Start.Variables)
	if err != nil {
		return s.sendError(msg.ID, err.Error())
	}

	info, err := s.broker.Registry.Get(s.connID)
	if err != nil {
		return s.registryFault(err)
	}
	for _, subID := range info.SubscriptionIDs {
		if subID == msg.ID {
			return s.sendError(msg.ID, fmt.Sprintf("subscription id '%s' already in use", msg.ID))
		}
	}

	allowed, err := callWithTimeout(
		ctx, s.broker.CallTimeout,
		func(callCtx context.Context) (bool, error) {
			return s.broker.Authorizer.CanSubscribe(
				callCtx, s.principal, query.EventType, query.Arguments,
			)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Authorization of %s failed", msg.ID)
		return s.sendError(msg.ID, "authorization unavailable")
	}
	if !allowed {
		return s.sendError(
			msg.ID, fmt.Sprintf("not authorized to subscribe to %s", query.EventType),
		)
	}

	bucket, limit := s.rateLimitBucket()
	admitted, err := callWithTimeout(
		ctx, s.broker.CallTimeout,
		func(callCtx context.Context) (bool, error) {
			return s.broker.Limiter.TryAcquire(callCtx, bucket, limit, s.broker.Limits.Window)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Rate limit check of %s failed", msg.ID)
		return s.sendError(msg.ID, "rate limit check unavailable")
	}
	if !admitted {
		s.broker.Emitter.RateLimitRejected(s.connID, msg.ID, bucket)
		return s.sendError(
			msg.ID, fmt.Sprintf("rate limit exceeded: %d subscriptions per %s", limit, s.broker.Limits.Window),
		)
	}

	sub, err := s.broker.Registry.AddSubscription(subscription.Subscription{
		ID:           msg.ID,
		ConnectionID: s.connID,
		EventType:    query.EventType,
		EventField:   query.Field,
		Arguments:    query.Arguments,
	})
	if err != nil {
		if errors.Is(err, subscription.ErrDuplicateSubscription) {
			return s.sendError(msg.ID, fmt.Sprintf("subscription id '%s' already in use", msg.ID))
		}
		return s.registryFault(err)
	}
	s.broker.Emitter.SubscriptionStarted(s.connID, sub.ID, sub.EventType, sub.TenantID)
	log.WithFields(s.LogTags).Debugf("Started %s", sub)

	ack, err := s.broker.Codec.Subscribed(sub.ID, sub.EventType)
	if err != nil {
		return s.internalError(msg.ID, err)
	}
	return s.send(ack)
}

// rateLimitBucket the rate limit key and limit of the session
func (s *Session) rateLimitBucket() (string, int64) {
	if s.principal != nil {
		return ratelimit.BucketKey(s.principal.ID, ""), s.broker.Limits.Authenticated
	}
	return ratelimit.BucketKey("", s.remoteHost), s.broker.Limits.Anonymous
}

// ==============================================================================
// stop

func (s *Session) handleStop(msg protocol.Envelope) error {
	if !s.initialized {
		return s.sendError(msg.ID, "connection not initialized")
	}
	sub, err := s.broker.Registry.RemoveSubscription(s.connID, msg.ID)
	if err != nil {
		if !errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return s.registryFault(err)
		}
		// Unknown id still completes
		complete, err := s.broker.Codec.Complete(msg.ID)
		if err != nil {
			return s.internalError(msg.ID, err)
		}
		return s.send(complete)
	}
	s.broker.Emitter.SubscriptionStopped(
		s.connID, sub.ID, sub.EventType, "client stop", s.broker.Clock().Sub(sub.CreatedAt),
	)
	complete, err := s.broker.Codec.Complete(sub.ID)
	if err != nil {
		return s.internalError(msg.ID, err)
	}
	return s.send(complete)
}

// ==============================================================================
// outbound

func (s *Session) sendAck(ack protocol.AckPayload) error {
	frame, err := s.broker.Codec.ConnectionAck(ack)
	if err != nil {
		return s.internalError("", err)
	}
	return s.send(frame)
}

func (s *Session) sendError(id, message string) error {
	frame, err := s.broker.Codec.Error(id, message)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to encode error frame")
		return nil
	}
	return s.send(frame)
}

// internalError report an unexpected handling failure, the connection stays open
func (s *Session) internalError(id string, err error) error {
	log.WithError(err).WithFields(s.LogTags).Error("Internal error handling message")
	return s.sendError(id, "internal error")
}

// send push one frame. A transport that refuses a frame ends the session.
func (s *Session) send(frame []byte) error {
	err := s.broker.Registry.Send(s.connID, frame)
	if err == nil {
		return nil
	}
	if errors.Is(err, subscription.ErrConnectionNotFound) ||
		errors.Is(err, subscription.ErrConnectionClosed) {
		return ErrSessionTerminated
	}
	log.WithError(err).WithFields(s.LogTags).Error("Transport send failed")
	s.Abort("transport send failed")
	return ErrSessionTerminated
}

// registryFault handle a registry error raised while processing a message
func (s *Session) registryFault(err error) error {
	if errors.Is(err, subscription.ErrConnectionNotFound) ||
		errors.Is(err, subscription.ErrConnectionClosed) {
		return ErrSessionTerminated
	}
	return s.internalError("", err)
}
