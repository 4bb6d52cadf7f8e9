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

package mm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikaku/gofiwix/internal/mm"
	"github.com/mikaku/gofiwix/internal/page"
)

func TestInsertMergesAdjacentCompatibleVMAs(t *testing.T) {
	alloc := page.NewAllocator(64)
	as := mm.NewAddressSpace(alloc)

	require.NoError(t, as.Insert(&mm.VMA{Start: 0x1000, End: 0x2000, Prot: mm.ProtRead, Type: mm.TypeHeap}))
	require.NoError(t, as.Insert(&mm.VMA{Start: 0x2000, End: 0x3000, Prot: mm.ProtRead, Type: mm.TypeHeap}))

	all := as.All()
	require.Len(t, all, 1, "adjacent compatible VMAs must merge")
	assert.Equal(t, int64(0x1000), all[0].Start)
	assert.Equal(t, int64(0x3000), all[0].End)

	as.CheckInvariants()
}

func TestInsertRejectsOverlap(t *testing.T) {
	alloc := page.NewAllocator(64)
	as := mm.NewAddressSpace(alloc)

	require.NoError(t, as.Insert(&mm.VMA{Start: 0x1000, End: 0x3000, Prot: mm.ProtRead}))
	err := as.Insert(&mm.VMA{Start: 0x2000, End: 0x4000, Prot: mm.ProtRead})
	assert.Error(t, err)
}

// TestForkThenWriteCopiesOnlyOnFault exercises spec.md's seed test #2: after
// fork, parent and child share the frame read-only; a write by either side
// triggers copy-on-write and leaves the other side's page untouched.
func TestForkThenWriteCopiesOnlyOnFault(t *testing.T) {
	alloc := page.NewAllocator(64)
	parent := mm.NewAddressSpace(alloc)
	require.NoError(t, parent.Insert(&mm.VMA{Start: 0, End: page.Size, Prot: mm.ProtRead | mm.ProtWrite, Type: mm.TypeHeap}))

	f := alloc.Alloc()
	parent.MapPage(0, f, true)
	alloc.Data(f)[0] = 42

	child := parent.Fork(alloc)

	pf, pw, ok := parent.Frame(0)
	require.True(t, ok)
	assert.False(t, pw, "parent's PTE must become read-only after fork")
	cf, cw, ok := child.Frame(0)
	require.True(t, ok)
	assert.False(t, cw)
	assert.Equal(t, pf, cf, "parent and child must share the same frame until a write")
	assert.EqualValues(t, 2, alloc.RefCount(pf))

	require.NoError(t, mm.HandleFault(context.Background(), child, alloc, nil, 0, true, true, true, 0))

	cf2, cw2, ok := child.Frame(0)
	require.True(t, ok)
	assert.True(t, cw2)
	assert.NotEqual(t, pf, cf2, "child's write must have allocated a private copy")
	assert.Equal(t, byte(42), alloc.Data(cf2)[0], "copy must preserve the original contents")
	assert.EqualValues(t, 1, alloc.RefCount(pf), "parent's frame refcount drops back to 1")

	pf3, pw3, _ := parent.Frame(0)
	assert.Equal(t, pf, pf3, "parent's own mapping is untouched by the child's CoW fault")
	assert.False(t, pw3)
}

func TestMmapFirstFitAvoidsExistingVMAs(t *testing.T) {
	alloc := page.NewAllocator(64)
	as := mm.NewAddressSpace(alloc)

	addr1, err := as.Mmap(0, page.Size, mm.ProtRead|mm.ProtWrite, mm.MapPrivate|mm.MapAnonymous, mm.Backing{})
	require.NoError(t, err)

	addr2, err := as.Mmap(0, page.Size, mm.ProtRead|mm.ProtWrite, mm.MapPrivate|mm.MapAnonymous, mm.Backing{})
	require.NoError(t, err)

	assert.NotEqual(t, addr1, addr2)
	assert.GreaterOrEqual(t, addr2, addr1+page.Size)
}

func TestMunmapReleasesFrames(t *testing.T) {
	alloc := page.NewAllocator(64)
	as := mm.NewAddressSpace(alloc)

	addr, err := as.Mmap(0, page.Size, mm.ProtRead|mm.ProtWrite, mm.MapPrivate|mm.MapAnonymous, mm.Backing{})
	require.NoError(t, err)

	require.NoError(t, mm.HandleFault(context.Background(), as, alloc, nil, addr, true, false, false, 0))
	_, ok := as.Find(addr)
	require.True(t, ok)

	freed := as.Munmap(addr, page.Size)
	require.Len(t, freed, 1)
	alloc.Put(freed[0])

	_, stillThere := as.Find(addr)
	assert.False(t, stillThere, "munmap must remove the VMA")
}

func TestStackGrowsOnNearbyFault(t *testing.T) {
	alloc := page.NewAllocator(64)
	as := mm.NewAddressSpace(alloc)

	stackTop := int64(0x80000000)
	require.NoError(t, as.Insert(&mm.VMA{Start: stackTop - page.Size, End: stackTop, Prot: mm.ProtRead | mm.ProtWrite, Type: mm.TypeStack}))

	faultAddr := stackTop - 2*page.Size
	err := mm.HandleFault(context.Background(), as, alloc, nil, faultAddr, true, false, false, faultAddr+16)
	require.NoError(t, err)

	v, ok := as.Find(faultAddr)
	require.True(t, ok)
	assert.Equal(t, mm.TypeStack, v.Type)
}
