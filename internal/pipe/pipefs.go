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

package pipe

import (
	"context"
	"sync"

	"github.com/mikaku/gofiwix/internal/fsops"
	"github.com/mikaku/gofiwix/internal/inodecache"
	"github.com/mikaku/gofiwix/internal/proc"
	"github.com/mikaku/gofiwix/kerrno"
)

// Device is the fixed device number pipefs registers under. A real kernel
// mounts pipefs internally with FSOP_KERN_MOUNT (spec.md §6: "a filesystem
// declares flags = FSOP_REQUIRES_DEV or FSOP_KERN_MOUNT") rather than on a
// block device, which this maps to "a reserved device number the inode
// cache recognizes, never backed by a BlockOps driver".
const Device = ^uint32(0) // highest device number: never collides with a real minor

// FS is pipefs: a kernel-internal filesystem whose every inode is one end
// of some Pipe. It implements fsops.SuperOps (ReadInode synthesizes a FIFO
// stat and Ialloc refuses with ENOSYS, since Create mints inode numbers
// itself; pipe inodes are never read from or written to a device) and
// fsops.FileOps, dispatching Read/Write/Select to the owning Pipe by inum.
type FS struct {
	fsops.Unimplemented

	wq *proc.WaitQueue
	SB *inodecache.Superblock

	mu   sync.Mutex
	next uint32
	ends map[uint32]*Pipe // inum -> owning Pipe
}

// NewFS registers pipefs against inodes under Device and returns the FS
// used to mint new pipes.
func NewFS(inodes *inodecache.Cache, wq *proc.WaitQueue) *FS {
	fs := &FS{wq: wq, next: 1, ends: make(map[uint32]*Pipe)}
	fs.SB = &inodecache.Superblock{Device: Device, Ops: fs, Inodes: fs, Files: fs}
	inodes.Mount(fs.SB)
	return fs
}

// Create mints a new pipe and returns referenced read-end and write-end
// inodes through the given cache, implementing spec.md §6's pipe(2). The
// caller (the syscall layer, which owns package vfs and therefore can build
// a vfs.Ref) wraps each returned inode with fs.SB into an open-file
// description.
func (fs *FS) Create(ctx context.Context, inodes *inodecache.Cache) (readInode, writeInode *inodecache.Inode, err error) {
	fs.mu.Lock()
	rInum := fs.next
	wInum := fs.next + 1
	fs.next += 2
	fs.mu.Unlock()

	p := New(fs.wq, rInum, wInum)
	fs.mu.Lock()
	fs.ends[rInum] = p
	fs.ends[wInum] = p
	fs.mu.Unlock()

	readInode, err = inodes.Get(ctx, fs.SB, rInum)
	if err != nil {
		return nil, nil, err
	}
	writeInode, err = inodes.Get(ctx, fs.SB, wInum)
	if err != nil {
		inodes.Put(ctx, fs.SB, readInode)
		return nil, nil, err
	}
	return readInode, writeInode, nil
}

// PipeFor looks up the Pipe owning inum, for the vfs layer to call
// AddReader/AddWriter/CloseReader/CloseWriter on descriptor dup/close.
func (fs *FS) PipeFor(inum uint32) (*Pipe, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, ok := fs.ends[inum]
	return p, ok
}

// SuperOps: pipe inodes are zero-length FIFO special files (ModeFIFO,
// spec.md §3) that are never actually persisted; ReadInode only runs once,
// at the Get that follows Create, and WriteInode is a no-op because a pipe
// has no backing store to flush. Nlink is 0 — a pipe inode has no directory
// entry — so inodecache.Put calls Ifree (not WriteInode) the moment the
// last reference drops, per spec.md's iput contract.
func (fs *FS) ReadInode(ctx context.Context, inum uint32) (fsops.Stat, error) {
	return fsops.Stat{Inum: inum, Device: Device, Mode: 0010000, Nlink: 0}, nil
}

func (fs *FS) WriteInode(ctx context.Context, s fsops.Stat) error { return nil }

func (fs *FS) Ialloc(ctx context.Context, mode uint32) (uint32, error) {
	return 0, kerrno.ENOSYS // pipes are allocated in pairs by Create, not by the generic path
}

func (fs *FS) Ifree(ctx context.Context, inum uint32) error {
	fs.mu.Lock()
	delete(fs.ends, inum)
	fs.mu.Unlock()
	return nil
}

func (fs *FS) Statfs(ctx context.Context) (blocks, free, files, freeFiles int64, err error) {
	return 0, 0, 0, 0, nil
}

// FileOps dispatch: every call is routed to the Pipe that owns inum. Close
// is where CloseReader/CloseWriter fire: the vfs layer only calls it once
// an OpenFile's last descriptor (across dup/fork) is released, so it is the
// correct single point to retire an end of the pipe.
func (fs *FS) Open(ctx context.Context, inum uint32, flags int) error { return nil }

func (fs *FS) Close(ctx context.Context, inum uint32) error {
	p, ok := fs.PipeFor(inum)
	if !ok {
		return nil
	}
	if inum == p.ReadInum() {
		p.CloseReader()
	} else {
		p.CloseWriter()
	}
	return nil
}

func (fs *FS) Read(ctx context.Context, inum uint32, off int64, buf []byte) (int, error) {
	p, ok := fs.PipeFor(inum)
	if !ok {
		return 0, kerrno.EBADF
	}
	return p.Read(ctx, inum, off, buf)
}

func (fs *FS) Write(ctx context.Context, inum uint32, off int64, buf []byte) (int, error) {
	p, ok := fs.PipeFor(inum)
	if !ok {
		return 0, kerrno.EBADF
	}
	return p.Write(ctx, inum, off, buf)
}

func (fs *FS) Select(ctx context.Context, inum uint32, mode int) (bool, error) {
	p, ok := fs.PipeFor(inum)
	if !ok {
		return false, kerrno.EBADF
	}
	return p.Select(ctx, inum, mode)
}
