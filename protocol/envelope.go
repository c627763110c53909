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

// Package protocol implements the subscription wire protocol: typed JSON envelopes
// exchanged over a persistent connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// MessageType is the closed set of envelope kinds
type MessageType int

// Client to server message types
const (
	MsgUnknown MessageType = iota
	MsgConnectionInit
	MsgStart
	MsgStop
	MsgPing
	MsgPong
	MsgConnectionTerminate
	// Server to client message types
	MsgConnectionAck
	MsgData
	MsgError
	MsgComplete
)

var messageTypeNames = map[MessageType]string{
	MsgConnectionInit:      "connection_init",
	MsgStart:               "start",
	MsgStop:                "stop",
	MsgPing:                "ping",
	MsgPong:                "pong",
	MsgConnectionTerminate: "connection_terminate",
	MsgConnectionAck:       "connection_ack",
	MsgData:                "data",
	MsgError:               "error",
	MsgComplete:            "complete",
}

var inboundTypes = map[string]MessageType{
	"connection_init":      MsgConnectionInit,
	"start":                MsgStart,
	"stop":                 MsgStop,
	"ping":                 MsgPing,
	"pong":                 MsgPong,
	"connection_terminate": MsgConnectionTerminate,
}

// String toString function
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ErrMalformedEnvelope the frame is not a JSON envelope
var ErrMalformedEnvelope = errors.New("malformed message")

// ErrUnknownMessageType the envelope type is not a client message type
var ErrUnknownMessageType = errors.New("unknown message type")

// ErrMissingField a required field of the message type is absent
var ErrMissingField = errors.New("missing required field")

// ==============================================================================

// rawEnvelope is the on-the-wire form of every message
type rawEnvelope struct {
	Type    string          `json:"type"`
	ID      *string         `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload is the connection_init payload
type InitPayload struct {
	// Authorization is the optional credential
	Authorization string `json:"Authorization,omitempty"`
	// AuthToken is accepted as an alias of Authorization
	AuthToken string `json:"authToken,omitempty"`
}

// Credential the credential carried by the payload, with any "Bearer " prefix removed
func (p InitPayload) Credential() string {
	cred := strings.TrimSpace(p.Authorization)
	if cred == "" {
		cred = strings.TrimSpace(p.AuthToken)
	}
	if len(cred) > 7 && strings.EqualFold(cred[:7], "bearer ") {
		cred = strings.TrimSpace(cred[7:])
	}
	return cred
}

// StartPayload is the start payload
type StartPayload struct {
	Query         string                 `json:"query" validate:"required"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	OperationName string                 `json:"operationName,omitempty"`
}

// Envelope is one decoded client message
type Envelope struct {
	// Type is the message kind, resolved once at decode
	Type MessageType
	// ID is the subscription ID, empty when absent
	ID string
	// Init is set for MsgConnectionInit
	Init *InitPayload
	// Start is set for MsgStart
	Start *StartPayload
	// Payload is the raw payload for ping / pong
	Payload json.RawMessage
}

// DecodeError is a decode failure which still carries what could be read of the envelope
type DecodeError struct {
	// ID is the message ID if it could be read
	ID string
	// Err is the underlying error
	Err error
}

// Error implements error
func (e *DecodeError) Error() string {
	return e.Err.Error()
}

// Unwrap supports errors.Is
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Codec decodes client envelopes and encodes server envelopes
type Codec struct {
	validate *validator.Validate
	now      func() time.Time
}

// NewCodec define a new Codec
func NewCodec() *Codec {
	return &Codec{validate: validator.New(), now: time.Now}
}

// WithClock override the timestamp source of error frames
func (c *Codec) WithClock(clock func() time.Time) *Codec {
	if clock != nil {
		c.now = clock
	}
	return c
}

// Decode parse and validate one client frame
func (c *Codec) Decode(frame []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Envelope{}, &DecodeError{Err: fmt.Errorf("%w: %s", ErrMalformedEnvelope, err.Error())}
	}
	msg := Envelope{}
	if raw.ID != nil {
		msg.ID = *raw.ID
	}
	msgType, ok := inboundTypes[raw.Type]
	if !ok {
		return msg, &DecodeError{
			ID: msg.ID, Err: fmt.Errorf("%w: '%s'", ErrUnknownMessageType, raw.Type),
		}
	}
	msg.Type = msgType

	switch msgType {
	case MsgConnectionInit:
		init := InitPayload{}
		if hasPayload(raw.Payload) {
			if err := json.Unmarshal(raw.Payload, &init); err != nil {
				return msg, &DecodeError{
					ID: msg.ID, Err: fmt.Errorf("%w: connection_init payload", ErrMalformedEnvelope),
				}
			}
		}
		msg.Init = &init

	case MsgStart:
		if msg.ID == "" {
			return msg, &DecodeError{Err: fmt.Errorf("%w: start requires 'id'", ErrMissingField)}
		}
		if !hasPayload(raw.Payload) {
			return msg, &DecodeError{
				ID: msg.ID, Err: fmt.Errorf("%w: start requires 'payload'", ErrMissingField),
			}
		}
		start := StartPayload{}
		if err := json.Unmarshal(raw.Payload, &start); err != nil {
			return msg, &DecodeError{
				ID: msg.ID, Err: fmt.Errorf("%w: start payload", ErrMalformedEnvelope),
			}
		}
		start.Query = strings.TrimSpace(start.Query)
		if err := c.validate.Struct(&start); err != nil {
			return msg, &DecodeError{
				ID: msg.ID, Err: fmt.Errorf("%w: start requires 'payload.query'", ErrMissingField),
			}
		}
		msg.Start = &start

	case MsgStop:
		if msg.ID == "" {
			return msg, &DecodeError{Err: fmt.Errorf("%w: stop requires 'id'", ErrMissingField)}
		}

	case MsgPing, MsgPong:
		if hasPayload(raw.Payload) {
			msg.Payload = raw.Payload
		}
	}
	return msg, nil
}

// hasPayload whether a payload is present and not JSON null
func hasPayload(payload json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(payload))
	return len(trimmed) > 0 && trimmed != "null"
}
