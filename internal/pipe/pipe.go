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

// Package pipe implements the anonymous pipe of spec.md §6's pipe(42)
// syscall: a fixed-capacity FIFO byte stream with a read end and a write
// end, blocking readers and writers on proc's sleep/wakeup channels
// (internal/proc/wait.go) the way the kernel's real pipe blocks on its
// inode's wait queue rather than polling. A Pipe is installed behind
// pipefs (pipefs.go), the kernel-internal filesystem spec.md §6 calls
// FSOP_KERN_MOUNT, so it can be reached through the ordinary vfs.OpenFile
// machinery like any other file.
package pipe

import (
	"context"
	"sync"

	"github.com/mikaku/gofiwix/internal/proc"
	"github.com/mikaku/gofiwix/kerrno"
)

// capacity is the fixed pipe buffer size (PIPE_BUF-style), matching a
// single 4 KiB page per spec.md's page-sized-everything convention.
const capacity = 4096

// Pipe is the shared state behind both ends of one pipe(2) call: a ring
// buffer plus reader/writer counts so EOF (all writers gone) and EPIPE (all
// readers gone) can be detected, per spec.md §7/§8. readInum/writeInum are
// assigned once by pipefs.Create and are how pipefs tells Read/Write/Select
// which end a given inode number names.
type Pipe struct {
	wq        *proc.WaitQueue
	readInum  uint32
	writeInum uint32

	mu      sync.Mutex
	buf     []byte
	r, w    int // read/write cursors into buf, mod capacity
	n       int // number of valid bytes currently buffered
	readers int
	writers int
}

// channel keys: readable/writable events are distinct channels on the same
// Pipe, so a reader blocked on "data available" isn't spuriously woken by a
// writer that only freed space, and vice versa.
type readableKey *Pipe
type writableKey *Pipe

// New creates a pipe with one reader and one writer reference outstanding
// (the two descriptors pipe(2) itself hands back), keyed to the given
// read/write inode numbers.
func New(wq *proc.WaitQueue, readInum, writeInum uint32) *Pipe {
	return &Pipe{
		wq: wq, readInum: readInum, writeInum: writeInum,
		buf: make([]byte, capacity), readers: 1, writers: 1,
	}
}

func (p *Pipe) ReadInum() uint32  { return p.readInum }
func (p *Pipe) WriteInum() uint32 { return p.writeInum }

// CloseReader and CloseWriter fire once each, when the shared read-end or
// write-end OpenFile's last descriptor (across dup/fork/dup2) is released —
// vfs.FDTable already folds dup/fork sharing into a single OpenFile
// refcount, so pipefs.Close only needs to report "this end's one
// open-file-description is now fully closed", not track processes itself.
func (p *Pipe) CloseReader() {
	p.mu.Lock()
	p.readers--
	done := p.readers == 0
	p.mu.Unlock()
	if done {
		p.wq.Wakeup(writableKey(p)) // wake writers so they observe EPIPE
	}
}

func (p *Pipe) CloseWriter() {
	p.mu.Lock()
	p.writers--
	done := p.writers == 0
	p.mu.Unlock()
	if done {
		p.wq.Wakeup(readableKey(p)) // wake readers so they observe EOF
	}
}

// Read blocks the calling process (recovered from ctx via proc.WithCaller,
// set by the syscall dispatch layer) until at least one byte is available
// or every writer has closed (EOF, returning 0 bytes per spec.md §8's
// "reading at EOF returns 0 without error"). inum must be the read end;
// pipefs enforces this by construction, but Read still validates it.
func (p *Pipe) Read(ctx context.Context, inum uint32, _ int64, buf []byte) (int, error) {
	if inum != p.readInum {
		return 0, kerrno.EINVAL
	}
	caller := proc.CallerFrom(ctx)
	for {
		p.mu.Lock()
		if p.n > 0 {
			n := p.n
			if n > len(buf) {
				n = len(buf)
			}
			for i := 0; i < n; i++ {
				buf[i] = p.buf[(p.r+i)%capacity]
			}
			p.r = (p.r + n) % capacity
			p.n -= n
			p.mu.Unlock()
			p.wq.Wakeup(writableKey(p))
			return n, nil
		}
		eof := p.writers == 0
		p.mu.Unlock()
		if eof {
			return 0, nil
		}
		if caller == nil {
			return 0, kerrno.EAGAIN
		}
		if err := p.wq.Sleep(caller, readableKey(p), proc.Interruptible); err != nil {
			return 0, err
		}
	}
}

// Write blocks until there is free space, returning EPIPE once every
// reader has gone, per spec.md §3/§8. Partial writes only occur when buf is
// larger than the pipe's free capacity at the moment space becomes
// available, matching the real pipe(2) contract (PIPE_BUF-sized writes are
// otherwise atomic).
func (p *Pipe) Write(ctx context.Context, inum uint32, _ int64, buf []byte) (int, error) {
	if inum != p.writeInum {
		return 0, kerrno.EINVAL
	}
	caller := proc.CallerFrom(ctx)
	for {
		p.mu.Lock()
		if p.readers == 0 {
			p.mu.Unlock()
			return 0, kerrno.EPIPE
		}
		free := capacity - p.n
		if free > 0 {
			n := free
			if n > len(buf) {
				n = len(buf)
			}
			for i := 0; i < n; i++ {
				p.buf[(p.w+i)%capacity] = buf[i]
			}
			p.w = (p.w + n) % capacity
			p.n += n
			p.mu.Unlock()
			p.wq.Wakeup(readableKey(p))
			return n, nil
		}
		p.mu.Unlock()
		if caller == nil {
			return 0, kerrno.EAGAIN
		}
		if err := p.wq.Sleep(caller, writableKey(p), proc.Interruptible); err != nil {
			return 0, err
		}
	}
}

// Select reports readiness for the do_select protocol of spec.md §4.6:
// mode 0 (read) is ready when data is buffered or all writers are gone;
// mode 1 (write) is ready when there is free space or all readers are gone
// (so a would-be EPIPE write doesn't block forever in select either).
func (p *Pipe) Select(ctx context.Context, inum uint32, mode int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch inum {
	case p.readInum:
		if mode != 0 {
			return false, nil
		}
		return p.n > 0 || p.writers == 0, nil
	case p.writeInum:
		if mode != 1 {
			return false, nil
		}
		return p.n < capacity || p.readers == 0, nil
	default:
		return false, kerrno.EINVAL
	}
}
