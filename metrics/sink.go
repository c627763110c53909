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

package metrics

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// Sink records one metric / audit record. Fire and forget.
type Sink interface {
	Record(name string, attrs map[string]interface{}) error
}

// logSink implements Sink by logging the record
type logSink struct {
	common.Component
}

// GetLogSink define a Sink which logs each record at info level
func GetLogSink() Sink {
	return &logSink{
		Component: common.Component{
			LogTags: log.Fields{"module": "metrics", "component": "log-sink"},
		},
	}
}

// Record log the record
func (s *logSink) Record(name string, attrs map[string]interface{}) error {
	log.WithFields(s.LogTagsWith(log.Fields(attrs))).Info(name)
	return nil
}

// noneSink implements Sink by discarding every record
type noneSink struct{}

// GetNoneSink define a Sink which discards records
func GetNoneSink() Sink {
	return noneSink{}
}

// Record discard the record
func (noneSink) Record(string, map[string]interface{}) error {
	return nil
}

// ==============================================================================

// natsRecord is the NATS message body of one record
type natsRecord struct {
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// natsSink implements Sink by publishing records on a NATS subject
type natsSink struct {
	common.Component
	nc      *nats.Conn
	subject string
}

// GetNatsSink define a Sink which publishes records as JSON on a NATS subject
func GetNatsSink(nc *nats.Conn, subject string) (Sink, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if subject == "" {
		return nil, fmt.Errorf("metrics subject is required")
	}
	return &natsSink{
		Component: common.Component{
			LogTags: log.Fields{"module": "metrics", "component": "nats-sink", "instance": subject},
		},
		nc:      nc,
		subject: subject,
	}, nil
}

// Record publish the record
func (s *natsSink) Record(name string, attrs map[string]interface{}) error {
	body, err := json.Marshal(&natsRecord{Name: name, Attributes: attrs, RecordedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.nc.Publish(s.subject, body)
}
