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

package syscall

import "sync"

// Callout is one scheduled timer bottom half: fn runs once, when the
// kernel's global tick counter reaches this entry's turn, per spec.md §5's
// "delta-encoded list" callout mechanism.
type Callout struct {
	delta int64 // ticks after the previous entry in the list, not absolute
	fn    func()
	id    int64
}

// CalloutList is the delta-encoded sorted list from original_source/
// kernel/callout.c: rather than storing an absolute expiry per entry, each
// entry stores ticks-since-the-previous-entry, so advancing the clock by one
// tick is an O(1) decrement of the head instead of an O(n) scan.
type CalloutList struct {
	mu      sync.Mutex
	entries []*Callout
	nextID  int64
}

func NewCalloutList() *CalloutList {
	return &CalloutList{}
}

// Add schedules fn to run after delay ticks, returning an id Cancel can use.
func (l *CalloutList) Add(delay int64, fn func()) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	c := &Callout{fn: fn, id: id}

	remaining := delay
	idx := 0
	for idx < len(l.entries) && remaining >= l.entries[idx].delta {
		remaining -= l.entries[idx].delta
		idx++
	}
	c.delta = remaining
	if idx < len(l.entries) {
		l.entries[idx].delta -= remaining
	}

	l.entries = append(l.entries, nil)
	copy(l.entries[idx+1:], l.entries[idx:])
	l.entries[idx] = c
	return id
}

// Cancel removes a pending callout by id, restoring the delta chain.
func (l *CalloutList) Cancel(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, c := range l.entries {
		if c.id != id {
			continue
		}
		if i+1 < len(l.entries) {
			l.entries[i+1].delta += c.delta
		}
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
		return true
	}
	return false
}

// Tick advances the clock by one: decrements the head entry's delta, and
// runs (and removes) every entry whose delta has reached zero, in order.
// Run functions are invoked outside the lock so a callout may itself call
// Add/Cancel without deadlocking.
func (l *CalloutList) Tick() {
	l.mu.Lock()
	if len(l.entries) == 0 {
		l.mu.Unlock()
		return
	}
	l.entries[0].delta--

	var due []*Callout
	for len(l.entries) > 0 && l.entries[0].delta <= 0 {
		due = append(due, l.entries[0])
		l.entries = l.entries[1:]
	}
	l.mu.Unlock()

	for _, c := range due {
		c.fn()
	}
}

// Len reports the number of pending callouts.
func (l *CalloutList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
