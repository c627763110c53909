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

// Package ratelimit limits subscription creation per principal or remote address using
// fixed windows of shared counters.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/livesub/common"
	"github.com/apex/log"
)

// BucketKey the rate limit bucket of a caller. Authenticated callers are keyed by
// principal, anonymous callers by remote host.
func BucketKey(principalID, remoteHost string) string {
	if principalID != "" {
		return fmt.Sprintf("auth:%s", principalID)
	}
	return fmt.Sprintf("anon:%s", remoteHost)
}

// Limiter decides whether a caller may perform one more rate limited action
type Limiter interface {
	// TryAcquire consume one unit of the bucket. Returns true if the action is admitted.
	// Any store failure counts as a rejection.
	TryAcquire(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// limiterImpl implements Limiter
type limiterImpl struct {
	common.Component
	store     CounterStore
	keyPrefix string
	timeout   time.Duration
}

// GetLimiter define a new Limiter over a counter store. timeout bounds each store call,
// zero means no bound beyond the caller's context.
func GetLimiter(store CounterStore, keyPrefix string, timeout time.Duration) (Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	return &limiterImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "ratelimit", "component": "limiter"},
		},
		store:     store,
		keyPrefix: keyPrefix,
		timeout:   timeout,
	}, nil
}

// TryAcquire consume one unit of the bucket
func (l *limiterImpl) TryAcquire(
	ctx context.Context, key string, limit int64, window time.Duration,
) (bool, error) {
	if limit < 1 || window <= 0 {
		return false, fmt.Errorf("invalid limit %d per %s", limit, window)
	}
	storeKey := key
	if l.keyPrefix != "" {
		storeKey = fmt.Sprintf("%s:%s", l.keyPrefix, key)
	}
	useCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		useCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	count, err := l.store.Increment(useCtx, storeKey, window)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Counter store failed for %s", key)
		return false, err
	}
	admitted := count <= limit
	if !admitted {
		log.WithFields(l.LogTags).Debugf("%s over limit: %d > %d", key, count, limit)
	}
	return admitted, nil
}
