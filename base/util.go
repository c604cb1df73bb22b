//  Copyright (c) 2020 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

package base

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// JSONUnmarshal parses the JSON-encoded data and stores the result in the value pointed to by v.
func JSONUnmarshal(data []byte, v interface{}) error {
	return jsoniter.Unmarshal(data, v)
}

// JSONMarshal returns the JSON encoding of v.
func JSONMarshal(v interface{}) ([]byte, error) {
	return jsoniter.Marshal(v)
}

// RetryWorker should return (shouldRetry, err, value).
type RetryWorker func() (shouldRetry bool, err error, value interface{})

// RetrySleeper is called after each failed RetryWorker attempt with the number
// of attempts so far. It returns true when the retry loop should give up, and
// the duration to sleep before the next attempt otherwise.
type RetrySleeper func(retryCount int) (shouldGiveUp bool, sleepMs int)

// RetryLoop invokes worker until it succeeds, declines to retry, or the
// sleeper gives up.
func RetryLoop(description string, worker RetryWorker, sleeper RetrySleeper) (error, interface{}) {
	numAttempts := 1
	for {
		shouldRetry, err, value := worker()
		if !shouldRetry {
			return err, value
		}
		shouldGiveUp, sleepMs := sleeper(numAttempts)
		if shouldGiveUp {
			Warnf(KeyAll, "RetryLoop for %v giving up after %v attempts", description, numAttempts)
			return err, value
		}
		Debugf(KeyAll, "RetryLoop retrying %v after %v ms.", description, sleepMs)
		time.Sleep(time.Millisecond * time.Duration(sleepMs))
		numAttempts++
	}
}

// CreateIndefiniteMaxDoublingSleeperFunc doubles the sleep time on each retry
// up to maxSleepMs, and never gives up.
func CreateIndefiniteMaxDoublingSleeperFunc(initialTimeToSleepMs, maxSleepMs int) RetrySleeper {
	timeToSleepMs := initialTimeToSleepMs
	return func(numAttempts int) (bool, int) {
		if numAttempts > 1 {
			timeToSleepMs *= 2
			if timeToSleepMs > maxSleepMs {
				timeToSleepMs = maxSleepMs
			}
		}
		return false, timeToSleepMs
	}
}

// SleeperFuncCtx wraps a RetrySleeper so it also gives up when the context is done.
func SleeperFuncCtx(sleeper RetrySleeper, ctx context.Context) RetrySleeper {
	return func(retryCount int) (bool, int) {
		select {
		case <-ctx.Done():
			return true, 0
		default:
		}
		return sleeper(retryCount)
	}
}
