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
	"os"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// LogTagsWith return a copy of the component log tags extended with additional fields
func (c Component) LogTagsWith(extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}

// GetUnitTestNatsURI helper function to fetch the NATS server URI for unit tests.
// Empty if NATS is not available to the unit tests.
func GetUnitTestNatsURI() string {
	return os.Getenv("UNITTEST_NATS_URI")
}

// GetUnitTestRedisAddress helper function to fetch the Redis address for unit tests.
// Empty if Redis is not available to the unit tests.
func GetUnitTestRedisAddress() string {
	return os.Getenv("UNITTEST_REDIS_ADDRESS")
}
