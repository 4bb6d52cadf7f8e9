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

import "sync"

// Signal numbers relevant to the delivery rules of spec.md §4.4. Values
// follow the Linux i386 numbering the original kernel targets.
type Signal int

const (
	SIGHUP  Signal = 1
	SIGINT  Signal = 2
	SIGQUIT Signal = 3
	SIGILL  Signal = 4
	SIGTRAP Signal = 5
	SIGABRT Signal = 6
	SIGFPE  Signal = 8
	SIGKILL Signal = 9
	SIGUSR1 Signal = 10
	SIGSEGV Signal = 11
	SIGUSR2 Signal = 12
	SIGPIPE Signal = 13
	SIGALRM Signal = 14
	SIGTERM Signal = 15
	SIGCHLD Signal = 17
	SIGCONT Signal = 18
	SIGSTOP Signal = 19
	SIGTSTP Signal = 20
	SIGTTIN Signal = 21
	SIGTTOU Signal = 22
)

// Disposition of a signal for a process.
type Disposition int

const (
	DispositionDefault Disposition = iota
	DispositionIgnore
	DispositionHandler
)

// HandlerSpec is {handler, mask, flags} from spec.md §4.4.
type HandlerSpec struct {
	Disposition Disposition
	HandlerAddr uintptr // user-space entry point, meaningful iff Handler
	Mask        uint32  // signals blocked for the duration of the handler
	SARestart   bool    // SA_RESTART: interrupted syscalls re-execute int 0x80
}

// Signals is the per-process signal state: pending/blocked/executing masks
// plus a disposition table, per spec.md §4.4.
type Signals struct {
	mu        sync.Mutex
	pending   uint32
	blocked   uint32
	executing uint32
	handlers  [32]HandlerSpec
}

func bit(s Signal) uint32 { return 1 << uint(s-1) }

// Raise marks s pending. Implements the stop/cont and SIGSEGV/SIGFPE special
// cases of spec.md §4.4 directly on the mask, independent of whether the
// process is currently scheduled to observe it.
func (sg *Signals) Raise(s Signal) {
	sg.mu.Lock()
	defer sg.mu.Unlock()

	switch s {
	case SIGKILL, SIGCONT:
		// Discard pending stop signals. Raise does not change the process's
		// state; Scheduler.SendSignal wakes a stopped member on SIGCONT.
		sg.pending &^= bit(SIGSTOP) | bit(SIGTSTP) | bit(SIGTTIN) | bit(SIGTTOU)
	case SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU:
		sg.pending &^= bit(SIGCONT)
	}

	if s == SIGSEGV || s == SIGFPE {
		if sg.handlers[s-1].Disposition == DispositionIgnore {
			sg.handlers[s-1].Disposition = DispositionDefault
		}
	}

	sg.pending |= bit(s)
}

// SetHandler installs a disposition for s, per sigaction semantics.
func (sg *Signals) SetHandler(s Signal, h HandlerSpec) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.handlers[s-1] = h
}

// ResetOnExec implements spec.md §4.3's exec() rule: every handler reverts
// to DispositionDefault, except one already set to DispositionIgnore, which
// survives the image change (a SIG_IGN disposition is inherited across
// exec, per POSIX).
func (sg *Signals) ResetOnExec() {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	for i := range sg.handlers {
		if sg.handlers[i].Disposition == DispositionHandler {
			sg.handlers[i] = HandlerSpec{}
		}
	}
}

// Block implements sigprocmask(SIG_BLOCK, set).
func (sg *Signals) Block(set uint32) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.blocked |= set
}

// Unblock implements sigprocmask(SIG_UNBLOCK, set).
func (sg *Signals) Unblock(set uint32) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.blocked &^= set
}

// Mask returns the current blocked-signal bitmask (for SIG_SETMASK save and
// later restore — see spec.md §8's sigprocmask round-trip law).
func (sg *Signals) Mask() uint32 {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return sg.blocked
}

func (sg *Signals) SetMask(m uint32) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.blocked = m
}

// Issig scans pending & ~blocked for the lowest-numbered deliverable
// signal, mirroring issig()'s pre-return-to-user check in spec.md §4.4. It
// does not clear the pending bit; Psig does that once delivery actually
// happens.
func (sg *Signals) Issig() (Signal, bool) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	deliverable := sg.pending &^ sg.blocked
	if deliverable == 0 {
		return 0, false
	}
	for i := 0; i < 32; i++ {
		if deliverable&(1<<uint(i)) != 0 {
			return Signal(i + 1), true
		}
	}
	return 0, false
}

// Psig delivers s: clears it from pending, and returns the handler spec the
// caller should act on (push a trampoline for DispositionHandler, stop/exit
// for DispositionDefault, or nothing for DispositionIgnore).
func (sg *Signals) Psig(s Signal) HandlerSpec {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.pending &^= bit(s)
	h := sg.handlers[s-1]

	// SIGCHLD's default action is to ignore, not terminate, per spec.md
	// §4.4 (a deliberate deviation from most other signals' default of
	// "terminate").
	if s == SIGCHLD && h.Disposition == DispositionDefault {
		h.Disposition = DispositionIgnore
	}
	return h
}

// AutoReap reports whether SIGCHLD is explicitly set to SIG_IGN, in which
// case children are reaped automatically and never become zombies, per
// spec.md §4.4.
func (sg *Signals) AutoReap() bool {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return sg.handlers[SIGCHLD-1].Disposition == DispositionIgnore
}

// Deliver delivers s to p: raises it, and if p is sleeping interruptibly,
// wakes it so Issig/Psig get a chance to run (otherwise, per spec.md §5,
// delivery is deferred until the sleeper's natural wakeup). A signal whose
// disposition is ignore (SIGCHLD at its default included) stays pending but
// does not cut the sleep short.
func Deliver(p *Process, s Signal) {
	p.Signals.Raise(s)

	p.Signals.mu.Lock()
	d := p.Signals.handlers[s-1].Disposition
	p.Signals.mu.Unlock()
	if d == DispositionIgnore || (s == SIGCHLD && d == DispositionDefault) {
		return
	}

	p.StateMu.Lock()
	sleeping := p.state == Sleeping
	kind := p.sleepKind
	p.StateMu.Unlock()

	if sleeping && kind == Interruptible {
		select {
		case p.interruptCh <- struct{}{}:
		default:
		}
	}
}

// IsOrphanedGroup implements spec.md §4.4/§8's orphaned-process-group
// check: a group is orphaned when, for every non-zombie member, its
// parent is either a member of the same group or not a member of the
// session at all.
func IsOrphanedGroup(t *Table, pgid int32) bool {
	members := t.GroupMembers(pgid)
	if len(members) == 0 {
		return false
	}
	sid := members[0].SID

	for _, m := range members {
		if m.State() == Zombie {
			continue
		}
		parent, ok := t.Get(m.PPID)
		if !ok {
			continue
		}
		if parent.PGID == pgid {
			continue
		}
		if parent.SID != sid {
			continue
		}
		// Parent is in the same session but a different group: not orphaned.
		return false
	}
	return true
}
