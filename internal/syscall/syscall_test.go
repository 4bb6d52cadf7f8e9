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

package syscall_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikaku/gofiwix/internal/syscall"
	"github.com/mikaku/gofiwix/kerrno"
)

func TestDispatchUnregisteredReturnsENOSYS(t *testing.T) {
	tbl := syscall.NewTable(syscall.ValidationLazy)
	_, err := tbl.Dispatch(context.Background(), 999, syscall.Frame{})
	assert.ErrorIs(t, err, kerrno.ENOSYS)
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	tbl := syscall.NewTable(syscall.ValidationStrict)
	tbl.Register(1, "getpid", func(ctx context.Context, f syscall.Frame) (uintptr, error) {
		return 42, nil
	})

	ret, err := tbl.Dispatch(context.Background(), 1, syscall.Frame{})
	require.NoError(t, err)
	assert.EqualValues(t, 42, ret)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	tbl := syscall.NewTable(syscall.ValidationLazy)
	tbl.Register(1, "a", func(context.Context, syscall.Frame) (uintptr, error) { return 0, nil })
	assert.Panics(t, func() {
		tbl.Register(1, "b", func(context.Context, syscall.Frame) (uintptr, error) { return 0, nil })
	})
}

func TestCalloutFiresAfterExactDelay(t *testing.T) {
	l := syscall.NewCalloutList()
	fired := false
	l.Add(3, func() { fired = true })

	l.Tick()
	l.Tick()
	assert.False(t, fired, "must not fire early")
	l.Tick()
	assert.True(t, fired, "must fire exactly at its delay")
}

func TestCalloutCancelPreventsFiring(t *testing.T) {
	l := syscall.NewCalloutList()
	fired := false
	id := l.Add(2, func() { fired = true })
	assert.True(t, l.Cancel(id))

	l.Tick()
	l.Tick()
	l.Tick()
	assert.False(t, fired)
}

func TestCalloutOrderingWithDeltaChain(t *testing.T) {
	l := syscall.NewCalloutList()
	var order []int
	l.Add(5, func() { order = append(order, 1) })
	l.Add(2, func() { order = append(order, 2) })
	l.Add(8, func() { order = append(order, 3) })

	for i := 0; i < 8; i++ {
		l.Tick()
	}
	assert.Equal(t, []int{2, 1, 3}, order)
}
