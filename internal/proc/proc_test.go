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

package proc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikaku/gofiwix/internal/proc"
	"github.com/mikaku/gofiwix/kerrno"
)

func TestAllocAssignsUniquePIDs(t *testing.T) {
	tbl := proc.NewTable(16, 2)

	seen := map[int32]bool{}
	for i := 0; i < 10; i++ {
		p, err := tbl.Alloc(0, 1000)
		require.NoError(t, err)
		assert.False(t, seen[p.PID], "PID %d reused while still live", p.PID)
		seen[p.PID] = true
	}
}

func TestNewTableAssignsBootID(t *testing.T) {
	tbl := proc.NewTable(16, 2)
	other := proc.NewTable(16, 2)
	assert.NotEqual(t, tbl.BootID(), other.BootID())
}

func TestAllocReservesSafeSlotsForRoot(t *testing.T) {
	tbl := proc.NewTable(4, 1)
	for i := 0; i < 3; i++ {
		_, err := tbl.Alloc(0, 1000) // non-root
		require.NoError(t, err)
	}
	// The 4th slot is reserved for root; a non-root caller must be refused.
	_, err := tbl.Alloc(0, 1000)
	assert.ErrorIs(t, err, kerrno.EAGAIN)

	// But root may still take it.
	_, err = tbl.Alloc(0, 0)
	require.NoError(t, err)
}

func TestOrphanedGroupSuppressesStopSignal(t *testing.T) {
	tbl := proc.NewTable(16, 0)
	sched := proc.NewScheduler(tbl)

	p1, err := tbl.Alloc(0, 1000)
	require.NoError(t, err)
	p1.PGID = p1.PID
	p1.SID = p1.PID

	p2, err := tbl.Alloc(p1.PID, 1000)
	require.NoError(t, err)
	p2.PGID = p1.PGID
	p2.SID = p1.SID
	sched.Wake(p2)

	// p1 (the session leader and p2's parent) exits: group G={p1,p2} is now
	// orphaned, since p2's parent p1 is a member of G.
	sched.Exit(p1, 0)

	assert.True(t, proc.IsOrphanedGroup(tbl, p1.PGID))

	err = sched.SendSignal(p1.PGID, proc.SIGTTIN)
	assert.ErrorIs(t, err, kerrno.EIO)
	assert.Equal(t, proc.Runnable, p2.State(), "no member of an orphaned group may be stopped")
}

func TestNonOrphanedGroupCanBeStopped(t *testing.T) {
	tbl := proc.NewTable(16, 0)
	sched := proc.NewScheduler(tbl)

	parent, err := tbl.Alloc(0, 1000)
	require.NoError(t, err)
	child, err := tbl.Alloc(parent.PID, 1000)
	require.NoError(t, err)
	child.PGID = child.PID // its own group, distinct from parent's
	child.SID = parent.SID
	sched.Wake(child)

	require.NoError(t, sched.SendSignal(child.PGID, proc.SIGTSTP))
	assert.Equal(t, proc.Stopped, child.State())
}

func TestWait4ReapsZombieChild(t *testing.T) {
	tbl := proc.NewTable(16, 0)
	sched := proc.NewScheduler(tbl)

	parent, err := tbl.Alloc(0, 1000)
	require.NoError(t, err)
	child, err := tbl.Alloc(parent.PID, 1000)
	require.NoError(t, err)

	done := make(chan struct{})
	var gotPID int32
	var gotStatus int
	go func() {
		gotPID, gotStatus, _ = sched.Wait4(parent, -1)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond) // let Wait4 reach its sleep
	sched.Exit(child, 7)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait4 did not wake on child exit")
	}

	assert.Equal(t, child.PID, gotPID)
	assert.Equal(t, 7, gotStatus)
	_, stillThere := tbl.Get(child.PID)
	assert.False(t, stillThere, "reaped child must be removed from the table")
}

func TestSigchldIgnoredAutoReaps(t *testing.T) {
	tbl := proc.NewTable(16, 0)
	sched := proc.NewScheduler(tbl)

	parent, err := tbl.Alloc(0, 1000)
	require.NoError(t, err)
	parent.Signals.SetHandler(proc.SIGCHLD, proc.HandlerSpec{Disposition: proc.DispositionIgnore})
	child, err := tbl.Alloc(parent.PID, 1000)
	require.NoError(t, err)

	reaped := sched.Exit(child, 0)
	assert.True(t, reaped)
	_, stillThere := tbl.Get(child.PID)
	assert.False(t, stillThere)
}
