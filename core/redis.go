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
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/apex/log"
	"github.com/go-redis/redis/v8"
)

// GetRedisClient define a new redis client and verify the server is reachable
func GetRedisClient(ctxt context.Context, cfg common.RedisConfig) (*redis.Client, error) {
	logTags := log.Fields{
		"module": "core", "component": "redis-client", "instance": cfg.Address,
	}
	dialTimeout := time.Second * time.Duration(cfg.DialTimeout)
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})
	pingCtxt, cancel := context.WithTimeout(ctxt, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Redis ping failed")
		_ = client.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Created redis client")
	return client, nil
}
