// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package clock provides an injectable notion of time, so that the buffer
// cache's flusher (bufcache.Cache.StartFlusher) can run against a
// SimulatedClock in tests without any wall-clock sleeping. The scheduler and
// the callout list do not use it: they advance only through explicit Tick
// calls.
package clock

import "time"

// Clock knows the current time and can set up notifications on a timer.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives a single value after the given
	// duration has elapsed. Mirrors time.After.
	After(d time.Duration) <-chan time.Time
}
