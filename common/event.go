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

package common

import (
	"encoding/json"
	"fmt"
	"time"
)

// PublishedEvent is one event fanned out to the matching subscriptions.
type PublishedEvent struct {
	// EventType is the subscription field the event answers, e.g. "orderUpdated"
	EventType string `json:"event_type" validate:"required"`
	// TenantID scopes the event. Empty is a public event.
	TenantID string `json:"tenant_id"`
	// Payload is the event body delivered as the subscription "data"
	Payload json.RawMessage `json:"payload" validate:"required"`
	// PublishedAt is the event source's timestamp of when it generated the event
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// String toString function
func (e PublishedEvent) String() string {
	tenant := e.TenantID
	if tenant == "" {
		tenant = "<public>"
	}
	return fmt.Sprintf("EVENT[%s@%s %dB]", e.EventType, tenant, len(e.Payload))
}
