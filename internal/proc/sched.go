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
	"sort"
	"sync"

	"github.com/mikaku/gofiwix/kerrno"
)

// Scheduler implements the priority-aged round-robin policy of spec.md
// §4.3: every tick, the running process's CPUCount is decremented; when it
// hits zero a reschedule is due. PickNext chooses the runnable process with
// the highest remaining CPUCount, ties broken by allocation order (PID),
// standing in for "list order" now that the process table is a map rather
// than an intrusive linked list.
type Scheduler struct {
	Table *Table
	Wait  *WaitQueue

	mu      sync.Mutex
	ticks   uint64
	running int32 // PID of the process currently selected to run, or 0
}

func NewScheduler(t *Table) *Scheduler {
	return &Scheduler{Table: t, Wait: NewWaitQueue()}
}

// Ticks returns the global tick counter, distinct from any process's
// CPUCount, per spec.md's supplemented timer semantics (kernel/timer.c
// keeps the two separate rather than merging them).
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Tick advances the global clock by one: decrements the running process's
// CPUCount (flagging a reschedule at zero), decrements every sleeping
// process's bounded Timeout, and waking any that expire.
func (s *Scheduler) Tick() (rescheduleDue bool) {
	s.mu.Lock()
	s.ticks++
	running := s.running
	s.mu.Unlock()

	if running != 0 {
		if p, ok := s.Table.Get(running); ok {
			p.CPUCount--
			if p.CPUCount <= 0 {
				rescheduleDue = true
			}
		}
	}

	for _, p := range s.Table.All() {
		if p.State() != Sleeping {
			continue
		}
		if p.Timeout <= 0 {
			continue
		}
		p.Timeout--
		if p.Timeout == 0 {
			select {
			case p.timeoutCh <- struct{}{}:
			default:
			}
		}
	}
	return rescheduleDue
}

// PickNext selects the runnable process with the highest CPUCount,
// breaking ties by PID order, and marks it Running. Returns nil if no
// process is runnable (the caller falls back to an idle process).
func (s *Scheduler) PickNext() *Process {
	all := s.Table.All()
	sort.Slice(all, func(i, j int) bool { return all[i].PID < all[j].PID })

	var best *Process
	for _, p := range all {
		if p.State() != Runnable {
			continue
		}
		if best == nil || p.CPUCount > best.CPUCount {
			best = p
		}
	}
	if best == nil {
		return nil
	}

	if best.CPUCount <= 0 {
		// Priority aging: once every runnable process has exhausted its
		// counter, everyone is re-credited from their static Priority.
		for _, p := range all {
			if p.State() == Runnable || p.State() == Running {
				p.CPUCount = p.CPUCount/2 + p.Priority
			}
		}
	}

	best.setState(Running)
	s.mu.Lock()
	s.running = best.PID
	s.mu.Unlock()
	return best
}

// Wake transitions p from Sleeping/Stopped to Runnable.
func (s *Scheduler) Wake(p *Process) {
	p.setState(Runnable)
}

// Block transitions the (implicitly current) process p to Sleeping on
// channel and suspends the calling goroutine until woken, matching
// spec.md's single suspension primitive.
func (s *Scheduler) Block(p *Process, channel interface{}, kind SleepKind, timeout int32) error {
	p.Timeout = timeout
	err := s.Wait.Sleep(p, channel, kind)
	p.setState(Runnable)
	return err
}

// Exit transitions p to Zombie, recording its exit status and waking
// whatever is waiting on its parent's wait channel. If the parent has
// SIGCHLD set to SIG_IGN, the slot is reaped immediately instead (spec.md
// §4.4's "no zombies accumulate" rule) and Exit returns true for reaped.
func (s *Scheduler) Exit(p *Process, status int) (reaped bool) {
	p.setState(Zombie)
	p.Exited = true
	p.ExitStatus = status

	parent, ok := s.Table.Get(p.PPID)
	if ok && parent.Signals.AutoReap() {
		s.Table.Free(p.PID)
		return true
	}

	if ok {
		Deliver(parent, SIGCHLD)
		s.Wait.Wakeup(waitChannel(p.PPID))
	}
	return false
}

// waitChannel is the sleep channel a parent blocks on in Wait4, keyed by
// its own PID so unrelated wait4 calls never cross-wake each other.
func waitChannel(parentPID int32) interface{} { return waitChanKey{parentPID} }

type waitChanKey struct{ pid int32 }

// Wait4 blocks parent until some child is a zombie (or pid names a specific
// child that has become one), reaps it, and returns its PID and exit
// status. Returns ECHILD if parent has no children at all.
func (s *Scheduler) Wait4(parent *Process, pid int32) (childPID int32, status int, err error) {
	for {
		children := s.Table.Children(parent.PID)
		if len(children) == 0 {
			return 0, 0, kerrno.ECHILD
		}
		for _, c := range children {
			if pid != -1 && c.PID != pid {
				continue
			}
			if c.State() == Zombie {
				st := c.ExitStatus
				cp := c.PID
				s.Table.Free(cp)
				return cp, st, nil
			}
		}

		if sleepErr := s.Wait.Sleep(parent, waitChannel(parent.PID), Interruptible); sleepErr != nil {
			return 0, 0, sleepErr
		}
	}
}

// SendSignal delivers sig to every process in group pgid, a stand-in for
// kill(-pgid, sig). If sig is a job-control stop signal (SIGTSTP, SIGTTIN,
// SIGTTOU — SIGSTOP is never suppressed, mirroring the original's treatment
// of it as unblockable/unignorable) and the group is orphaned, the whole
// delivery is dropped and EIO is returned, per spec.md §4.4/§8.
func (s *Scheduler) SendSignal(pgid int32, sig Signal) error {
	if isJobControlStop(sig) && IsOrphanedGroup(s.Table, pgid) {
		return kerrno.EIO
	}
	for _, p := range s.Table.GroupMembers(pgid) {
		Deliver(p, sig)
		if sig == SIGCONT && p.State() == Stopped {
			s.Wake(p)
		}
		if isJobControlStop(sig) && p.State() != Zombie {
			p.setState(Stopped)
		}
	}
	return nil
}

func isJobControlStop(sig Signal) bool {
	switch sig {
	case SIGTSTP, SIGTTIN, SIGTTOU:
		return true
	default:
		return false
	}
}
