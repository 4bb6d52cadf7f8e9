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

package vfs

import (
	"context"
	"sync"

	"github.com/mikaku/gofiwix/kerrno"
)

// Open-flag bits relevant to spec.md §4.2's open().
const (
	O_RDONLY = 0x0000
	O_WRONLY = 0x0001
	O_RDWR   = 0x0002
	O_CREAT  = 0x0040
	O_EXCL   = 0x0080
	O_TRUNC  = 0x0200
	O_APPEND = 0x0400
)

// OpenFile is one open-file-description, shared between fd table entries
// that were dup()'d from one another (spec.md §4.2): offset and flags are
// properties of the description, not the descriptor.
type OpenFile struct {
	mu     sync.Mutex
	Ref    Ref
	Flags  int
	Offset int64
	refs   int
}

// FDTable is one process's array of file descriptors, each either empty or
// pointing at a shared OpenFile, mirroring spec.md §3's per-process fd array
// distinct from the kernel-wide open-file-description table. cloexec holds
// the close-on-exec bit per slot, separate from the shared OpenFile because
// it is a property of the descriptor, not the description (spec.md §3).
type FDTable struct {
	mu      sync.Mutex
	files   []*OpenFile // nil entries are free slots
	cloexec []bool
}

// NewFDTable builds a table with capacity slots, matching the fixed
// OPEN_MAX-style limit of spec.md §3.
func NewFDTable(capacity int) *FDTable {
	return &FDTable{files: make([]*OpenFile, capacity), cloexec: make([]bool, capacity)}
}

// Install places of into the lowest-numbered free slot at or above minFD,
// per spec.md's fcntl(F_DUPFD) / open() allocation rule.
func (t *FDTable) Install(of *OpenFile, minFD int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := minFD; i < len(t.files); i++ {
		if t.files[i] == nil {
			of.mu.Lock()
			of.refs++
			of.mu.Unlock()
			t.files[i] = of
			t.cloexec[i] = false
			return i, nil
		}
	}
	return -1, kerrno.EMFILE
}

// SetCloseOnExec sets or clears fd's close-on-exec bit (the FD_CLOEXEC flag
// of fcntl(2)).
func (t *FDTable) SetCloseOnExec(fd int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		return kerrno.EBADF
	}
	t.cloexec[fd] = on
	return nil
}

// CloseOnExec reports fd's close-on-exec bit.
func (t *FDTable) CloseOnExec(fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.files) {
		return false
	}
	return t.cloexec[fd]
}

// CloseExecRange closes every descriptor whose close-on-exec bit is set,
// per spec.md §4.3's exec() contract ("close-on-exec descriptors are
// closed").
func (t *FDTable) CloseExecRange(ctx context.Context, fsys *FS) {
	t.mu.Lock()
	n := len(t.files)
	t.mu.Unlock()
	for i := 0; i < n; i++ {
		t.mu.Lock()
		marked := t.files[i] != nil && t.cloexec[i]
		t.mu.Unlock()
		if marked {
			t.Close(ctx, fsys, i)
		}
	}
}

// Get returns the OpenFile at fd, or EBADF.
func (t *FDTable) Get(fd int) (*OpenFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		return nil, kerrno.EBADF
	}
	return t.files[fd], nil
}

// Close clears fd, closing the underlying OpenFile (and releasing its inode
// reference) once its last descriptor is gone.
func (t *FDTable) Close(ctx context.Context, fsys *FS, fd int) error {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		t.mu.Unlock()
		return kerrno.EBADF
	}
	of := t.files[fd]
	t.files[fd] = nil
	t.mu.Unlock()

	of.mu.Lock()
	of.refs--
	last := of.refs == 0
	of.mu.Unlock()
	if !last {
		return nil
	}

	if of.Ref.SB.Files != nil {
		of.Ref.SB.Files.Close(ctx, of.Ref.Node.Key().Inum)
	}
	return fsys.Put(ctx, of.Ref)
}

// CloseAll closes every open descriptor, for process exit.
func (t *FDTable) CloseAll(ctx context.Context, fsys *FS) {
	t.mu.Lock()
	n := len(t.files)
	t.mu.Unlock()
	for i := 0; i < n; i++ {
		t.Close(ctx, fsys, i)
	}
}

// Dup duplicates oldFD into the lowest free slot at or above 0.
func (t *FDTable) Dup(oldFD int) (int, error) {
	of, err := t.Get(oldFD)
	if err != nil {
		return -1, err
	}
	return t.Install(of, 0)
}

// Dup2 duplicates oldFD into newFD, closing whatever newFD previously held.
func (t *FDTable) Dup2(ctx context.Context, fsys *FS, oldFD, newFD int) error {
	of, err := t.Get(oldFD)
	if err != nil {
		return err
	}
	if oldFD == newFD {
		return nil
	}

	t.mu.Lock()
	if newFD < 0 || newFD >= len(t.files) {
		t.mu.Unlock()
		return kerrno.EBADF
	}
	existing := t.files[newFD]
	t.mu.Unlock()
	if existing != nil {
		t.Close(ctx, fsys, newFD)
	}

	t.mu.Lock()
	of.mu.Lock()
	of.refs++
	of.mu.Unlock()
	t.files[newFD] = of
	t.mu.Unlock()
	return nil
}

// Fork duplicates the whole table for a child process, sharing every
// OpenFile (and bumping its refcount), per fork()'s "fd table copy, file
// description sharing" rule (spec.md §4.2).
func (t *FDTable) Fork() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := &FDTable{
		files:   make([]*OpenFile, len(t.files)),
		cloexec: append([]bool(nil), t.cloexec...),
	}
	for i, of := range t.files {
		if of == nil {
			continue
		}
		of.mu.Lock()
		of.refs++
		of.mu.Unlock()
		child.files[i] = of
	}
	return child
}
