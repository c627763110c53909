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

package core

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestNatsClientConnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uri := common.GetUnitTestNatsURI()
	if uri == "" {
		t.Skip("UNITTEST_NATS_URI not set")
	}
	uut, err := GetNatsClient(NATSConnectParams{
		ServerURI:           uri,
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	assert.Nil(err)
	assert.True(uut.Connected())
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	uut.Close(ctxt)
	assert.False(uut.Connected())
}

func TestNATSConnectParamsFromConfig(t *testing.T) {
	assert := assert.New(t)
	params := NATSConnectParamsFromConfig(common.NATSConfig{
		ServerURI:      "nats://127.0.0.1:4222",
		ConnectTimeout: 15,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: -1, WaitInterval: 5},
	})
	assert.Equal("nats://127.0.0.1:4222", params.ServerURI)
	assert.Equal(time.Second*15, params.ConnectTimeout)
	assert.Equal(-1, params.MaxReconnectAttempt)
	assert.Equal(time.Second*5, params.ReconnectWait)
}

func TestRedisClientConnect(t *testing.T) {
	assert := assert.New(t)

	addr := common.GetUnitTestRedisAddress()
	if addr == "" {
		t.Skip("UNITTEST_REDIS_ADDRESS not set")
	}
	client, err := GetRedisClient(context.Background(), common.RedisConfig{
		Address: addr, DialTimeout: 2,
	})
	assert.Nil(err)
	assert.Nil(client.Close())
}
