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

// Package syscall is the dense positional-argument dispatch table of
// spec.md §5/§9, grounded on fuseutil.Server's single entry point dispatching
// on request opcode (fuseutil/server.go), generalized from one fixed FUSE
// opcode set to a registrable table so new syscall numbers can be added
// without touching the dispatch loop itself.
package syscall

import (
	"context"
	"fmt"

	"github.com/mikaku/gofiwix/kerrno"
)

// Frame is the register state a syscall handler sees: the five positional
// argument registers plus the original trap frame, so handlers that need
// more than five arguments (vanishingly rare in the original ABI) can read
// the rest directly, per spec.md §5.
type Frame struct {
	Args [5]uintptr
	Regs [8]uintptr // the appended full register frame, see spec.md §5 note
}

// Handler is one syscall's implementation. Pointer arguments (paths,
// buffers) are already resolved to Go values by the caller's chosen
// validation mode; Handler never dereferences raw uintptrs itself.
type Handler func(ctx context.Context, f Frame) (ret uintptr, err error)

// ValidationMode names spec.md §5's "lazy vs. strict" user-pointer checking
// policies: Strict for validating every pointer argument up front, Lazy for
// deferring to the page fault handler. A Table only records its mode and
// reports it through Mode; Dispatch checks no pointer argument under either.
type ValidationMode int

const (
	ValidationLazy ValidationMode = iota
	ValidationStrict
)

// Table is the syscall number -> Handler dispatch table.
type Table struct {
	handlers map[int]Handler
	names    map[int]string
	mode     ValidationMode
}

func NewTable(mode ValidationMode) *Table {
	return &Table{handlers: make(map[int]Handler), names: make(map[int]string), mode: mode}
}

// Register installs handler under syscall number n. Registering the same
// number twice is a programming error and panics, mirroring a duplicate
// entry in the original's sys_call_table array being caught at link time.
func (t *Table) Register(n int, name string, h Handler) {
	if _, exists := t.handlers[n]; exists {
		panic(fmt.Sprintf("syscall: number %d already registered to %q", n, t.names[n]))
	}
	t.handlers[n] = h
	t.names[n] = name
}

// Mode reports the table's pointer-validation policy.
func (t *Table) Mode() ValidationMode { return t.mode }

// Dispatch invokes the handler registered for n. Unregistered numbers
// return ENOSYS, matching the original's default sys_call_table slot.
func (t *Table) Dispatch(ctx context.Context, n int, f Frame) (uintptr, error) {
	h, ok := t.handlers[n]
	if !ok {
		return 0, kerrno.ENOSYS
	}
	return h(ctx, f)
}

func (t *Table) Name(n int) (string, bool) {
	name, ok := t.names[n]
	return name, ok
}
