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

import "github.com/mikaku/gofiwix/internal/page"

// Fork builds the child's address space for spec.md's fork() seed test #2:
// every private VMA is duplicated with both sides' PTEs marked read-only and
// the underlying frame's refcount bumped, deferring the actual copy to the
// first write fault in either parent or child (handleCOW). Shared (MAP_SHARED)
// VMAs keep their existing write bit and simply share the frame.
func (as *AddressSpace) Fork(alloc *page.Allocator) *AddressSpace {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := NewAddressSpace(alloc)
	for _, v := range as.vmas {
		cp := *v
		child.vmas = append(child.vmas, &cp)
	}

	for vp, f := range as.ptes {
		writable := as.writable[vp]
		v, _ := as.findLocked(vp)

		if v != nil && v.Shared {
			alloc.Get(f)
			child.ptes[vp] = f
			child.writable[vp] = writable
			continue
		}

		if writable {
			as.writable[vp] = false // parent loses write access too, per CoW fork
		}
		alloc.Get(f)
		child.ptes[vp] = f
		child.writable[vp] = false
	}
	return child
}
