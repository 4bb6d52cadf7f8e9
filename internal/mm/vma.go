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

// Package mm models the per-process address space: the VMA list, page
// fault classification and demand paging of spec.md §4.5, grounded on
// original_source/mm/fault.c and mm/memory.c, kept in the ordered-slice
// style fs/inode/dir.go uses for its own sorted child listing rather than
// a hand-rolled tree.
package mm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mikaku/gofiwix/internal/page"
	"github.com/mikaku/gofiwix/kerrno"
)

// Prot is a protection bitmask.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Type tags the purpose of a VMA, per spec.md §3.
type Type int

const (
	TypeText Type = iota
	TypeData
	TypeBSS
	TypeHeap
	TypeStack
	TypeMmap
	TypeSHM
)

// Backing names an inode-backed region's source, or the zero value for an
// anonymous (zero-fill) region.
type Backing struct {
	Inode  uint32 // 0 means anonymous
	Device uint32
	Offset int64
}

// VMA is one contiguous, half-open [Start, End) region of a process's
// address space (spec.md §3).
type VMA struct {
	Start, End int64
	Prot       Prot
	Shared     bool
	Type       Type
	Backing    Backing
}

func (v *VMA) len() int64 { return v.End - v.Start }

// compatible reports whether v and other have identical protection, flags,
// type and backing such that, if adjacent, they must be coalesced per
// spec.md §8's VMA-ordering invariant.
func (v *VMA) compatible(other *VMA) bool {
	if v.Prot != other.Prot || v.Shared != other.Shared || v.Type != other.Type {
		return false
	}
	if v.Backing.Inode != other.Backing.Inode || v.Backing.Device != other.Backing.Device {
		return false
	}
	if v.Backing.Inode == 0 {
		return true // both anonymous; offsets are meaningless
	}
	return v.Backing.Offset+v.len() == other.Backing.Offset
}

// AddressSpace owns one process's page table (modeled as a sparse map from
// page-aligned virtual address to physical Frame) and its sorted,
// non-overlapping VMA list.
//
// INVARIANT: for every consecutive pair (v_i, v_{i+1}) in vmas,
//            v_i.End <= v_{i+1}.Start, and if they are compatible() they
//            have been merged (spec.md §8 "VMA ordering").
// INVARIANT: a frame's refcount equals the number of page tables mapping it
//            (spec.md §8 "Page refcount vs. mapping count"); enforced by
//            Fork (fork.go) and handleCOW (fault.go), never by direct
//            page-table edits.
type AddressSpace struct {
	mu     sync.Mutex
	alloc  *page.Allocator
	vmas   []*VMA
	ptes   map[int64]page.Frame // page-aligned virtual address -> frame
	writable map[int64]bool     // page-aligned virtual address -> PTE write bit
}

func NewAddressSpace(alloc *page.Allocator) *AddressSpace {
	return &AddressSpace{
		alloc:    alloc,
		ptes:     make(map[int64]page.Frame),
		writable: make(map[int64]bool),
	}
}

func pageOf(addr int64) int64 { return addr &^ (page.Size - 1) }

// Insert adds a VMA, merging with any adjacent compatible neighbor exactly
// as spec.md §4.5's mmap() requires. It fails with EINVAL if the new range
// overlaps an existing VMA.
func (as *AddressSpace) Insert(v *VMA) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.insertLocked(v)
}

func (as *AddressSpace) insertLocked(v *VMA) error {
	idx := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].Start >= v.Start })
	if idx > 0 && as.vmas[idx-1].End > v.Start {
		return kerrno.EINVAL
	}
	if idx < len(as.vmas) && as.vmas[idx].Start < v.End {
		return kerrno.EINVAL
	}

	as.vmas = append(as.vmas, nil)
	copy(as.vmas[idx+1:], as.vmas[idx:])
	as.vmas[idx] = v

	as.coalesceAround(idx)
	return nil
}

// coalesceAround merges the VMA at idx with its neighbors if compatible and
// contiguous, maintaining the no-redundant-adjacent-VMAs invariant.
func (as *AddressSpace) coalesceAround(idx int) {
	if idx+1 < len(as.vmas) {
		cur, next := as.vmas[idx], as.vmas[idx+1]
		if cur.End == next.Start && cur.compatible(next) {
			cur.End = next.End
			as.vmas = append(as.vmas[:idx+1], as.vmas[idx+2:]...)
		}
	}
	if idx > 0 {
		prev, cur := as.vmas[idx-1], as.vmas[idx]
		if prev.End == cur.Start && prev.compatible(cur) {
			prev.End = cur.End
			as.vmas = append(as.vmas[:idx], as.vmas[idx+1:]...)
		}
	}
}

// Find returns the VMA containing addr, if any.
func (as *AddressSpace) Find(addr int64) (*VMA, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.findLocked(addr)
}

func (as *AddressSpace) findLocked(addr int64) (*VMA, bool) {
	i := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].End > addr })
	if i < len(as.vmas) && as.vmas[i].Start <= addr {
		return as.vmas[i], true
	}
	return nil, false
}

// Prev returns the VMA immediately before v in the sorted list, used by
// stack-growth classification.
func (as *AddressSpace) Prev(v *VMA) (*VMA, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i, cur := range as.vmas {
		if cur == v {
			if i == 0 {
				return nil, false
			}
			return as.vmas[i-1], true
		}
	}
	return nil, false
}

// All returns a snapshot of the VMA list in address order, for /proc/maps
// style rendering.
func (as *AddressSpace) All() []VMA {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]VMA, len(as.vmas))
	for i, v := range as.vmas {
		out[i] = *v
	}
	return out
}

// CheckInvariants re-validates VMA ordering and mergeability, the way
// fs.fileSystem.checkInvariants re-validates its own tables.
func (as *AddressSpace) CheckInvariants() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i := 0; i+1 < len(as.vmas); i++ {
		a, b := as.vmas[i], as.vmas[i+1]
		if a.End > b.Start {
			panic(fmt.Sprintf("mm: overlapping VMAs [%d,%d) and [%d,%d)", a.Start, a.End, b.Start, b.End))
		}
		if a.End == b.Start && a.compatible(b) {
			panic(fmt.Sprintf("mm: adjacent compatible VMAs not merged at %d", a.End))
		}
	}
}

// MapPage installs (or replaces) a page-table entry for the page containing
// addr, pointing at frame with the given write bit.
func (as *AddressSpace) MapPage(addr int64, f page.Frame, writable bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	vp := pageOf(addr)
	as.ptes[vp] = f
	as.writable[vp] = writable
}

// Frame returns the frame mapped at addr, if any, and whether its PTE is
// currently writable.
func (as *AddressSpace) Frame(addr int64) (page.Frame, bool, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	vp := pageOf(addr)
	f, ok := as.ptes[vp]
	return f, as.writable[vp], ok
}

// Unmap drops the page-table entry for addr without touching the
// underlying frame's refcount (the caller is responsible for Put).
func (as *AddressSpace) Unmap(addr int64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	vp := pageOf(addr)
	delete(as.ptes, vp)
	delete(as.writable, vp)
}
