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

package broker

import (
	"context"
	"errors"
	"time"
)

// ErrCallTimeout an external collaborator call did not finish in time
var ErrCallTimeout = errors.New("external call timed out")

// callResult is the outcome of one bounded call
type callResult[T any] struct {
	value T
	err   error
}

// callWithTimeout run call, giving up after timeout. A call which does not return in
// time is abandoned, its eventual result is discarded. A non-positive timeout only
// bounds the call by ctx.
func callWithTimeout[T any](
	ctx context.Context, timeout time.Duration, call func(context.Context) (T, error),
) (T, error) {
	useCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		useCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result := make(chan callResult[T], 1)
	go func() {
		value, err := call(useCtx)
		result <- callResult[T]{value: value, err: err}
	}()
	select {
	case res := <-result:
		return res.value, res.err
	case <-useCtx.Done():
		var empty T
		if errors.Is(useCtx.Err(), context.DeadlineExceeded) {
			return empty, ErrCallTimeout
		}
		return empty, useCtx.Err()
	}
}
