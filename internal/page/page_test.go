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

package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	a := NewAllocator(4)
	require.Equal(t, 4, a.Free())

	f := a.Alloc()
	require.NotEqual(t, NoFrame, f)
	assert.Equal(t, 3, a.Free())
	assert.Equal(t, int32(1), a.RefCount(f))

	a.Put(f)
	assert.Equal(t, 4, a.Free())
}

func TestAllocExhaustion(t *testing.T) {
	a := NewAllocator(1)
	f := a.Alloc()
	require.NotEqual(t, NoFrame, f)
	assert.Equal(t, NoFrame, a.Alloc())
	a.Put(f)
	assert.NotEqual(t, NoFrame, a.Alloc())
}

func TestGetIncrementsRefcountPutDecrements(t *testing.T) {
	a := NewAllocator(2)
	f := a.Alloc()
	a.Get(f)
	a.Get(f)
	assert.Equal(t, int32(3), a.RefCount(f))

	a.Put(f)
	a.Put(f)
	assert.Equal(t, int32(1), a.RefCount(f))
	assert.Equal(t, 1, a.Free())

	a.Put(f)
	assert.Equal(t, int32(0), a.RefCount(f))
	assert.Equal(t, 2, a.Free())
}

func TestPutOnZeroRefcountPanics(t *testing.T) {
	a := NewAllocator(1)
	f := a.Alloc()
	a.Put(f)
	assert.Panics(t, func() { a.Put(f) })
}

func TestReservedFrameStaysOffFreeList(t *testing.T) {
	a := NewAllocator(2)
	a.Reserve(0)
	assert.Equal(t, 1, a.Free())

	// A reserved frame's count is never driven to zero by Put.
	a.Put(0)
	assert.Equal(t, int32(1), a.RefCount(0))
	assert.Equal(t, 1, a.Free())

	// The reserved frame never comes back out of Alloc either, since it was
	// removed from the free list permanently.
	f := a.Alloc()
	assert.Equal(t, Frame(1), f)
	assert.Equal(t, NoFrame, a.Alloc())
}

func TestSetIdentityAndLookup(t *testing.T) {
	a := NewAllocator(1)
	f := a.Alloc()

	_, ok := a.Identity(f)
	assert.False(t, ok)

	id := Identity{Device: 1, Inum: 42, Offset: 4096}
	a.SetIdentity(f, id)

	got, ok := a.Identity(f)
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestDataIsPerFrame(t *testing.T) {
	a := NewAllocator(2)
	f0 := a.Alloc()
	f1 := a.Alloc()

	a.Data(f0)[0] = 0x11
	a.Data(f1)[0] = 0x22

	assert.Equal(t, byte(0x11), a.Data(f0)[0])
	assert.Equal(t, byte(0x22), a.Data(f1)[0])
}
