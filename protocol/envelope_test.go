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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvelopeDecode(t *testing.T) {
	assert := assert.New(t)

	uut := NewCodec()

	// Case 0: malformed JSON
	{
		_, err := uut.Decode([]byte(`{"type": "start"`))
		assert.NotNil(err)
		assert.True(errors.Is(err, ErrMalformedEnvelope))
	}

	// Case 1: unknown type keeps the ID
	{
		_, err := uut.Decode([]byte(`{"type": "subscribe", "id": "x1"}`))
		assert.True(errors.Is(err, ErrUnknownMessageType))
		var decodeErr *DecodeError
		assert.True(errors.As(err, &decodeErr))
		assert.Equal("x1", decodeErr.ID)
	}

	// Case 2: server-only types are not accepted from clients
	{
		_, err := uut.Decode([]byte(`{"type": "connection_ack"}`))
		assert.True(errors.Is(err, ErrUnknownMessageType))
	}

	// Case 3: connection_init with and without credential
	{
		msg, err := uut.Decode([]byte(`{"type": "connection_init", "payload": {"Authorization": "Bearer abc"}}`))
		assert.Nil(err)
		assert.Equal(MsgConnectionInit, msg.Type)
		assert.Equal("abc", msg.Init.Credential())

		msg, err = uut.Decode([]byte(`{"type": "connection_init"}`))
		assert.Nil(err)
		assert.Equal("", msg.Init.Credential())

		msg, err = uut.Decode([]byte(`{"type": "connection_init", "payload": {"authToken": "def"}}`))
		assert.Nil(err)
		assert.Equal("def", msg.Init.Credential())
	}

	// Case 4: start needs an ID and a query
	{
		_, err := uut.Decode([]byte(`{"type": "start", "payload": {"query": "subscription{a}"}}`))
		assert.True(errors.Is(err, ErrMissingField))

		_, err = uut.Decode([]byte(`{"type": "start", "id": "s1"}`))
		assert.True(errors.Is(err, ErrMissingField))

		_, err = uut.Decode([]byte(`{"type": "start", "id": "s1", "payload": {"query": "   "}}`))
		assert.True(errors.Is(err, ErrMissingField))
		var decodeErr *DecodeError
		assert.True(errors.As(err, &decodeErr))
		assert.Equal("s1", decodeErr.ID)

		msg, err := uut.Decode([]byte(
			`{"type": "start", "id": "s1", "payload": {"query": "subscription{a}", "variables": {"x": 1}, "operationName": "op"}}`,
		))
		assert.Nil(err)
		assert.Equal(MsgStart, msg.Type)
		assert.Equal("s1", msg.ID)
		assert.Equal("subscription{a}", msg.Start.Query)
		assert.Equal("op", msg.Start.OperationName)
		assert.Equal(float64(1), msg.Start.Variables["x"])
	}

	// Case 5: stop needs an ID
	{
		_, err := uut.Decode([]byte(`{"type": "stop"}`))
		assert.True(errors.Is(err, ErrMissingField))
		msg, err := uut.Decode([]byte(`{"type": "stop", "id": "s1"}`))
		assert.Nil(err)
		assert.Equal(MsgStop, msg.Type)
	}

	// Case 6: ping keeps its payload
	{
		msg, err := uut.Decode([]byte(`{"type": "ping", "payload": {"n": 1}}`))
		assert.Nil(err)
		assert.Equal(MsgPing, msg.Type)
		assert.JSONEq(`{"n": 1}`, string(msg.Payload))

		msg, err = uut.Decode([]byte(`{"type": "connection_terminate"}`))
		assert.Nil(err)
		assert.Equal(MsgConnectionTerminate, msg.Type)
	}
}

func TestEnvelopeEncode(t *testing.T) {
	assert := assert.New(t)

	now := time.Date(2022, 3, 1, 10, 0, 0, 0, time.UTC)
	uut := NewCodec().WithClock(func() time.Time { return now })

	type frame struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	parse := func(raw []byte) frame {
		var f frame
		assert.Nil(json.Unmarshal(raw, &f))
		return f
	}

	// Case 0: error frames carry the message and timestamp
	{
		raw, err := uut.Error("s6", "rate limit exceeded")
		assert.Nil(err)
		f := parse(raw)
		assert.Equal("error", f.Type)
		assert.Equal("s6", f.ID)
		assert.JSONEq(`{"message": "rate limit exceeded", "timestamp": "2022-03-01T10:00:00Z"}`, string(f.Payload))

		raw, err = uut.Error("", "bad frame")
		assert.Nil(err)
		assert.NotContains(string(raw), `"id"`)
	}

	// Case 1: data frames embed the event payload
	{
		raw, err := uut.Data("s1", json.RawMessage(`{"status":"shipped"}`))
		assert.Nil(err)
		f := parse(raw)
		assert.Equal("data", f.Type)
		assert.JSONEq(`{"data": {"status": "shipped"}}`, string(f.Payload))

		raw, err = uut.Subscribed("s1", "orderUpdated")
		assert.Nil(err)
		assert.JSONEq(`{"data": {"subscribed": true, "event": "orderUpdated"}}`, string(parse(raw).Payload))
	}

	// Case 2: ack / complete / pong
	{
		raw, err := uut.ConnectionAck(AckPayload{Anonymous: true})
		assert.Nil(err)
		assert.JSONEq(`{"type": "connection_ack", "payload": {"anonymous": true}}`, string(raw))

		raw, err = uut.Complete("unknown")
		assert.Nil(err)
		assert.JSONEq(`{"type": "complete", "id": "unknown"}`, string(raw))

		raw, err = uut.Pong(json.RawMessage(`{"n":1}`))
		assert.Nil(err)
		assert.JSONEq(`{"type": "pong", "payload": {"n": 1}}`, string(raw))

		raw, err = uut.Pong(nil)
		assert.Nil(err)
		assert.JSONEq(`{"type": "pong"}`, string(raw))
	}
}
