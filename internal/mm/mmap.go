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

package mm

import (
	"sort"

	"github.com/mikaku/gofiwix/internal/page"
	"github.com/mikaku/gofiwix/kerrno"
)

// MapFlags mirrors the subset of mmap(2)'s MAP_* flags spec.md §4.5 names.
type MapFlags uint8

const (
	MapShared MapFlags = 1 << iota
	MapPrivate
	MapFixed
	MapAnonymous
)

// mmapBase is the lowest address the allocator hands out when the caller
// doesn't ask for MAP_FIXED, keeping file-backed and anonymous maps well
// clear of the text/data/heap/stack regions a process sets up at exec.
const mmapBase = 0x40000000

// Mmap reserves [addr, addr+length) (or a kernel-chosen range if addr is 0
// and MAP_FIXED isn't set) as a new VMA of the given protection and backing.
// It never populates pages: those arrive lazily through HandleFault, per
// spec.md §4.5.
func (as *AddressSpace) Mmap(addr, length int64, prot Prot, flags MapFlags, backing Backing) (int64, error) {
	if length <= 0 {
		return 0, kerrno.EINVAL
	}
	length = (length + page.Size - 1) &^ (page.Size - 1)

	as.mu.Lock()
	defer as.mu.Unlock()

	if addr == 0 {
		var err error
		addr, err = as.findFreeRangeLocked(length)
		if err != nil {
			return 0, err
		}
	} else {
		addr = pageOf(addr)
		if flags&MapFixed == 0 {
			if as.rangeOverlapsLocked(addr, addr+length) {
				var err error
				addr, err = as.findFreeRangeLocked(length)
				if err != nil {
					return 0, err
				}
			}
		} else {
			as.unmapRangeLocked(addr, addr+length)
		}
	}

	v := &VMA{
		Start:   addr,
		End:     addr + length,
		Prot:    prot,
		Shared:  flags&MapShared != 0,
		Type:    TypeMmap,
		Backing: backing,
	}
	if err := as.insertLocked(v); err != nil {
		return 0, err
	}
	return addr, nil
}

// findFreeRangeLocked scans the gaps between existing VMAs (and above the
// last one, starting at mmapBase) for the first one at least length bytes
// wide, a first-fit strategy matching original_source/mm/mmap.c.
func (as *AddressSpace) findFreeRangeLocked(length int64) (int64, error) {
	cursor := int64(mmapBase)
	for _, v := range as.vmas {
		if v.Start < cursor {
			if v.End > cursor {
				cursor = v.End
			}
			continue
		}
		if v.Start-cursor >= length {
			return cursor, nil
		}
		cursor = v.End
	}
	return cursor, nil
}

func (as *AddressSpace) rangeOverlapsLocked(start, end int64) bool {
	idx := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].End > start })
	return idx < len(as.vmas) && as.vmas[idx].Start < end
}

// unmapRangeLocked removes or truncates every VMA overlapping [start, end),
// used by MAP_FIXED and by Munmap.
func (as *AddressSpace) unmapRangeLocked(start, end int64) {
	var kept []*VMA
	for _, v := range as.vmas {
		switch {
		case v.End <= start || v.Start >= end:
			kept = append(kept, v)
		case v.Start >= start && v.End <= end:
			as.releaseRangeLocked(v.Start, v.End)
		case v.Start < start && v.End > end:
			// Splits into two: keep both halves, dropping the punched-out middle.
			as.releaseRangeLocked(start, end)
			left := *v
			left.End = start
			right := *v
			right.Start = end
			if right.Backing.Inode != 0 {
				right.Backing.Offset += end - v.Start
			}
			kept = append(kept, &left, &right)
		case v.Start < start:
			as.releaseRangeLocked(start, v.End)
			v.End = start
			kept = append(kept, v)
		default: // v.End > end, v.Start >= start
			as.releaseRangeLocked(v.Start, end)
			if v.Backing.Inode != 0 {
				v.Backing.Offset += end - v.Start
			}
			v.Start = end
			kept = append(kept, v)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	as.vmas = kept
}

// releaseRangeLocked drops page-table entries covering [start, end), letting
// the caller reclaim frames. It does not touch refcounts: Munmap's caller is
// expected to call alloc.Put for every frame in the list Munmap returns.
func (as *AddressSpace) releaseRangeLocked(start, end int64) {
	for vp := start; vp < end; vp += page.Size {
		delete(as.ptes, vp)
		delete(as.writable, vp)
	}
}

// Munmap removes [addr, addr+length) from the address space, returning the
// list of frames that were unmapped so the caller can Put each one (dropping
// its refcount, and for MAP_SHARED dirty pages, writing it back first).
func (as *AddressSpace) Munmap(addr, length int64) []page.Frame {
	addr = pageOf(addr)
	length = (length + page.Size - 1) &^ (page.Size - 1)
	end := addr + length

	as.mu.Lock()
	defer as.mu.Unlock()

	var freed []page.Frame
	for vp := addr; vp < end; vp += page.Size {
		if f, ok := as.ptes[vp]; ok {
			freed = append(freed, f)
		}
	}
	as.unmapRangeLocked(addr, end)
	return freed
}
