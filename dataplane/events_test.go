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

package dataplane

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/alwitt/livesub/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type publishedCall struct {
	eventType string
	tenantID  string
	payload   string
}

// recordingPublisher test publisher capturing each call
type recordingPublisher struct {
	calls chan publishedCall
}

func (p *recordingPublisher) Publish(
	ctx context.Context, eventType, tenantID string, payload json.RawMessage,
) int {
	p.calls <- publishedCall{eventType: eventType, tenantID: tenantID, payload: string(payload)}
	return 1
}

func TestProcessMessage(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	publisher := &recordingPublisher{calls: make(chan publishedCall, 8)}
	uut := &natsEventSourceImpl{
		prefix:    "livesub.events",
		publisher: publisher,
		validate:  validator.New(),
		ctxt:      context.Background(),
	}

	// Case 0: event type from the subject
	{
		delivered, err := uut.processMessage(
			"livesub.events.orderUpdated",
			[]byte(`{"tenant_id":"t1","payload":{"status":"shipped"}}`),
		)
		assert.Nil(err)
		assert.Equal(1, delivered)
		call := <-publisher.calls
		assert.Equal("orderUpdated", call.eventType)
		assert.Equal("t1", call.tenantID)
		assert.JSONEq(`{"status":"shipped"}`, call.payload)
	}

	// Case 1: bad inputs
	for _, tc := range []struct {
		subject string
		body    string
	}{
		{"livesub.events.orderUpdated", `not json`},
		{"livesub.events.orderUpdated", `{"tenant_id":"t1"}`},
		{"livesub.events.orderUpdated", `{"event_type":"invoicePaid","payload":{}}`},
		{"livesub.events.a.b", `{"payload":{}}`},
		{"other.orderUpdated", `{"payload":{}}`},
	} {
		_, err := uut.processMessage(tc.subject, []byte(tc.body))
		assert.NotNilf(err, "%s %s", tc.subject, tc.body)
	}
	assert.Len(publisher.calls, 0)
}

func TestNatsEventRoundTrip(t *testing.T) {
	assert := assert.New(t)

	uri := common.GetUnitTestNatsURI()
	if uri == "" {
		t.Skip("UNITTEST_NATS_URI not set")
	}
	client, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI: uri, ConnectTimeout: time.Second, ReconnectWait: time.Second,
	})
	assert.Nil(err)
	defer client.Close(context.Background())

	prefix := "livesub-ut." + uuid.NewString()
	publisher := &recordingPublisher{calls: make(chan publishedCall, 8)}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetNatsEventSource(ctxt, client.NATs(), prefix, publisher, time.Second)
	assert.Nil(err)
	assert.Nil(uut.StartReading(nil, &wg))
	assert.NotNil(uut.StartReading(nil, &wg))

	sender, err := GetNatsEventPublisher(client.NATs(), prefix)
	assert.Nil(err)
	assert.Nil(sender.Publish(ctxt, common.PublishedEvent{
		EventType: "tick", TenantID: "t1", Payload: json.RawMessage(`{"n":1}`),
	}))

	select {
	case call := <-publisher.calls:
		assert.Equal("tick", call.eventType)
		assert.Equal("t1", call.tenantID)
	case <-time.After(time.Second * 2):
		assert.Fail("event not received")
	}
}
