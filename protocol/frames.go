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

package protocol

import (
	"encoding/json"
	"time"
)

// outboundEnvelope is the on-the-wire form of a server message
type outboundEnvelope struct {
	Type    string      `json:"type"`
	ID      *string     `json:"id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an error frame
type ErrorPayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// DataPayload is the payload of a data frame
type DataPayload struct {
	Data interface{} `json:"data"`
}

// AckPayload is the connection_ack payload
type AckPayload struct {
	Principal string `json:"principal,omitempty"`
	Tenant    string `json:"tenant,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// SubscribedMarker is the data of the frame confirming a subscription start
type SubscribedMarker struct {
	Subscribed bool   `json:"subscribed"`
	Event      string `json:"event"`
}

func optionalID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func (c *Codec) encode(msgType MessageType, id string, payload interface{}) ([]byte, error) {
	return json.Marshal(&outboundEnvelope{
		Type: msgType.String(), ID: optionalID(id), Payload: payload,
	})
}

// ConnectionAck encode a connection_ack frame
func (c *Codec) ConnectionAck(ack AckPayload) ([]byte, error) {
	return c.encode(MsgConnectionAck, "", ack)
}

// Data encode a data frame. The data is embedded as is.
func (c *Codec) Data(id string, data interface{}) ([]byte, error) {
	return c.encode(MsgData, id, DataPayload{Data: data})
}

// Subscribed encode the data frame confirming a subscription start
func (c *Codec) Subscribed(id, eventType string) ([]byte, error) {
	return c.Data(id, SubscribedMarker{Subscribed: true, Event: eventType})
}

// Error encode an error frame, scoped to the id when not empty
func (c *Codec) Error(id, message string) ([]byte, error) {
	return c.encode(MsgError, id, ErrorPayload{
		Message: message, Timestamp: c.now().UTC().Format(time.RFC3339),
	})
}

// Complete encode a complete frame
func (c *Codec) Complete(id string) ([]byte, error) {
	return c.encode(MsgComplete, id, nil)
}

// Pong encode a pong frame echoing the ping payload
func (c *Codec) Pong(payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		return c.encode(MsgPong, "", nil)
	}
	return c.encode(MsgPong, "", payload)
}
