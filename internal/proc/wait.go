// Copyright 2015 Google Inc. All Rights Reserved.
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

package proc

import (
	"context"
	"sync"

	"github.com/mikaku/gofiwix/kerrno"
)

// callerKey is the context.Context key under which the calling Process is
// stashed, so a blocking FileOps implementation (e.g. internal/pipe) can
// recover "who is sleeping" without widening the fsops.FileOps signature
// every syscall goes through. Mirrors the read-only "the context carries
// request-scoped values, not parameters" idiom rather than a language
// feature of the original C kernel, which just read `current` directly.
type callerKey struct{}

// WithCaller returns a context carrying p as the calling process, for a
// syscall-dispatch layer to attach before invoking a FileOps method that
// may block.
func WithCaller(ctx context.Context, p *Process) context.Context {
	return context.WithValue(ctx, callerKey{}, p)
}

// CallerFrom recovers the Process attached by WithCaller, or nil if none
// was attached (e.g. a call made outside any syscall dispatch, as from a
// test harness driving FileOps directly).
func CallerFrom(ctx context.Context) *Process {
	p, _ := ctx.Value(callerKey{}).(*Process)
	return p
}

// WaitQueue implements the sleep(channel, kind) / wakeup(channel) primitive
// of spec.md §4.3/§5: Wakeup is a broadcast — every sleeper on the channel
// becomes runnable at once and must recheck its own condition, matching the
// "Ordering" rule in spec.md §5. A channel is an arbitrary comparable key,
// exactly as the original treats it as "an arbitrary integer/pointer".
type WaitQueue struct {
	mu       sync.Mutex
	sleepers map[interface{}][]chan struct{}
}

func NewWaitQueue() *WaitQueue {
	return &WaitQueue{sleepers: make(map[interface{}][]chan struct{})}
}

// Sleep blocks the calling goroutine (standing in for a kernel path running
// on behalf of p) on channel until one of:
//
//   - Wakeup(channel) is called (returns nil)
//   - p.Timeout ticks down to zero via Tick (returns nil, TimedOut() true)
//   - a signal interrupts an Interruptible sleep (returns ERESTART)
//
// This is the only suspension primitive in the kernel, per spec.md §5.
func (wq *WaitQueue) Sleep(p *Process, channel interface{}, kind SleepKind) error {
	ch := make(chan struct{}, 1)

	wq.mu.Lock()
	wq.sleepers[channel] = append(wq.sleepers[channel], ch)
	wq.mu.Unlock()

	p.setState(Sleeping)
	p.StateMu.Lock()
	p.sleepKind = kind
	p.channel = channel
	p.StateMu.Unlock()

	var interrupted chan struct{}
	if kind == Interruptible {
		interrupted = p.interruptSignal()
	}

	var timedOut chan struct{}
	p.StateMu.Lock()
	p.hadTimeout = p.Timeout > 0
	p.StateMu.Unlock()
	if p.Timeout > 0 {
		timedOut = p.timeoutSignal()
	}

	select {
	case <-ch:
		p.StateMu.Lock()
		p.hadTimeout = false
		p.StateMu.Unlock()
	case <-interrupted:
		wq.removeLocked(channel, ch)
		p.setState(Running)
		return kerrno.ERESTART
	case <-timedOut:
		wq.removeLocked(channel, ch)
	}

	p.setState(Running)
	return nil
}

func (wq *WaitQueue) removeLocked(channel interface{}, target chan struct{}) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	list := wq.sleepers[channel]
	for i, c := range list {
		if c == target {
			wq.sleepers[channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Wakeup makes every sleeper on channel runnable. All race on the guarded
// resource afterward and must recheck their condition, per spec.md §5.
func (wq *WaitQueue) Wakeup(channel interface{}) {
	wq.mu.Lock()
	list := wq.sleepers[channel]
	delete(wq.sleepers, channel)
	wq.mu.Unlock()

	for _, ch := range list {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
