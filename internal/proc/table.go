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
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mikaku/gofiwix/kerrno"
)

// Table is the fixed-capacity process table: a map from PID to Process
// (rather than an array of slots threaded on an intrusive list, avoiding
// the manual-pointer hazards spec.md's Design Notes call out) and a PID
// allocator. safeSlots reserves capacity for the superuser, per spec.md §4.3.
//
// INVARIANT: no two allocated slots share a PID (spec.md §8 "PID
//            uniqueness")
// INVARIANT: a newly allocated PID never equals any live process's PID,
//            PGID or SID
type Table struct {
	mu sync.Mutex // the "resource lock" serialising allocation, spec.md §5

	capacity  int
	safeSlots int
	byPID     map[int32]*Process
	nextPID   int32

	// bootID identifies this particular kernel instance, the way /proc/
	// sys/kernel/random/boot_id does on a real system: a value that changes
	// across boots but is stable for the life of the table, useful for a
	// diagnostics accessor to tell two simulated boots apart.
	bootID uuid.UUID
}

// NewTable builds a table with the given capacity, of which safeSlots are
// reserved for root (EUID 0).
func NewTable(capacity, safeSlots int) *Table {
	return &Table{
		capacity:  capacity,
		safeSlots: safeSlots,
		byPID:     make(map[int32]*Process),
		nextPID:   1,
		bootID:    uuid.New(),
	}
}

// BootID returns the identifier generated for this table at construction,
// exposed to a /proc-style diagnostics accessor.
func (t *Table) BootID() uuid.UUID { return t.bootID }

// Alloc creates a new process slot with parent ppid, owned by euid. It
// enforces the reserved-slots-for-root rule and PID uniqueness.
func (t *Table) Alloc(ppid int32, euid int32) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.byPID) >= t.capacity {
		return nil, kerrno.EAGAIN
	}
	if euid != 0 && len(t.byPID) >= t.capacity-t.safeSlots {
		return nil, kerrno.EAGAIN
	}

	pid, err := t.allocatePIDLocked()
	if err != nil {
		return nil, err
	}

	p := NewProcess(pid, ppid)
	p.EUID, p.UID, p.SavedUID = euid, euid, euid
	t.byPID[pid] = p
	if parent, ok := t.byPID[ppid]; ok {
		parent.NumChildren++
	}
	return p, nil
}

// allocatePIDLocked scans for a PID not currently in use as any process's
// PID, PGID, or SID, per spec.md §4.3. Must be called with t.mu held.
func (t *Table) allocatePIDLocked() (int32, error) {
	start := t.nextPID
	for i := 0; i < 1<<20; i++ {
		candidate := t.nextPID
		t.nextPID++
		if t.nextPID <= 0 {
			t.nextPID = 1
		}
		if !t.inUseLocked(candidate) {
			return candidate, nil
		}
		if t.nextPID == start {
			break
		}
	}
	return 0, kerrno.EAGAIN
}

func (t *Table) inUseLocked(pid int32) bool {
	if pid <= 0 {
		return true
	}
	for _, p := range t.byPID {
		if p.PID == pid || p.PGID == pid || p.SID == pid {
			return true
		}
	}
	return false
}

// Free removes a zombie's slot after it has been reaped by wait4.
func (t *Table) Free(pid int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byPID[pid]
	if !ok {
		return kerrno.ESRCH
	}
	if p.State() != Zombie {
		panic(fmt.Sprintf("proc: freeing non-zombie pid %d in state %v", pid, p.State()))
	}
	delete(t.byPID, pid)
	return nil
}

// Get looks up a process by PID.
func (t *Table) Get(pid int32) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byPID[pid]
	return p, ok
}

// Children returns every live process whose PPID is pid.
func (t *Table) Children(pid int32) []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Process
	for _, p := range t.byPID {
		if p.PPID == pid {
			out = append(out, p)
		}
	}
	return out
}

// GroupMembers returns every live process sharing pgid.
func (t *Table) GroupMembers(pgid int32) []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Process
	for _, p := range t.byPID {
		if p.PGID == pgid {
			out = append(out, p)
		}
	}
	return out
}

// All returns every live process, for scheduler and diagnostic use.
func (t *Table) All() []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Process, 0, len(t.byPID))
	for _, p := range t.byPID {
		out = append(out, p)
	}
	return out
}

// Len reports how many slots are currently allocated.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byPID)
}
