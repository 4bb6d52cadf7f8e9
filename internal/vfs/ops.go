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
	"path"
	"strings"

	"github.com/mikaku/gofiwix/internal/fsops"
	"github.com/mikaku/gofiwix/kerrno"
)

// splitParent separates p into its containing directory path and final
// component, per the pattern every creating syscall (creat/mkdir/unlink/...)
// needs: walk to the parent, then operate on the leaf name there.
func splitParent(p string) (dir, name string) {
	p = strings.TrimRight(p, "/")
	dir, name = path.Split(p)
	if dir == "" {
		dir = "."
	}
	return dir, name
}

// Open resolves path and returns a new OpenFile, creating the file first if
// O_CREAT is set and it doesn't exist, per spec.md §4.2's open().
func (fsys *FS) Open(ctx context.Context, cwd Ref, creds Credentials, p string, flags int, mode uint32) (*OpenFile, error) {
	target, err := fsys.Namei(ctx, cwd, p)
	if err == kerrno.ENOENT && flags&O_CREAT != 0 {
		dir, name := splitParent(p)
		parent, perr := fsys.Namei(ctx, cwd, dir)
		if perr != nil {
			return nil, perr
		}
		if !Access(creds, parent.Node.Stat(), permWrite) {
			fsys.Put(ctx, parent)
			return nil, kerrno.EACCES
		}
		inum, cerr := parent.SB.Inodes.Create(ctx, parent.Node.Key().Inum, name, mode)
		fsys.Put(ctx, parent)
		if cerr != nil {
			return nil, cerr
		}
		in, gerr := fsys.Inodes.Get(ctx, parent.SB, inum)
		if gerr != nil {
			return nil, gerr
		}
		target = Ref{SB: parent.SB, Node: in}
	} else if err != nil {
		return nil, err
	} else if flags&(O_CREAT|O_EXCL) == O_CREAT|O_EXCL {
		fsys.Put(ctx, target)
		return nil, kerrno.EEXIST
	}

	want := uint32(0)
	switch flags & (O_RDONLY | O_WRONLY | O_RDWR) {
	case O_RDONLY:
		want = permRead
	case O_WRONLY:
		want = permWrite
	case O_RDWR:
		want = permRead | permWrite
	}
	if !Access(creds, target.Node.Stat(), want) {
		fsys.Put(ctx, target)
		return nil, kerrno.EACCES
	}

	if target.SB.Files != nil {
		if err := target.SB.Files.Open(ctx, target.Node.Key().Inum, flags); err != nil {
			fsys.Put(ctx, target)
			return nil, err
		}
	}

	if flags&O_TRUNC != 0 {
		if err := target.SB.Inodes.Truncate(ctx, target.Node.Key().Inum, 0); err != nil {
			fsys.Put(ctx, target)
			return nil, err
		}
	}

	of := &OpenFile{Ref: target, Flags: flags}
	if flags&O_APPEND != 0 {
		of.Offset = target.Node.Stat().Size
	}
	return of, nil
}

// Read reads up to len(buf) bytes at the description's current offset,
// advancing it, per spec.md §4.2's read().
func (fsys *FS) Read(ctx context.Context, of *OpenFile, buf []byte) (int, error) {
	of.mu.Lock()
	defer of.mu.Unlock()
	if of.Flags&(O_RDONLY|O_WRONLY|O_RDWR) == O_WRONLY {
		return 0, kerrno.EBADF
	}
	n, err := of.Ref.SB.Files.Read(ctx, of.Ref.Node.Key().Inum, of.Offset, buf)
	if err != nil {
		return 0, err
	}
	of.Offset += int64(n)
	return n, nil
}

// Write writes buf at the description's current offset (or at EOF if
// O_APPEND), advancing it and growing the cached inode's Size when the
// write ends past it.
func (fsys *FS) Write(ctx context.Context, of *OpenFile, buf []byte) (int, error) {
	of.mu.Lock()
	defer of.mu.Unlock()
	if of.Flags&(O_WRONLY|O_RDWR) == 0 {
		return 0, kerrno.EBADF
	}
	if of.Flags&O_APPEND != 0 {
		of.Offset = of.Ref.Node.Stat().Size
	}
	n, err := of.Ref.SB.Files.Write(ctx, of.Ref.Node.Key().Inum, of.Offset, buf)
	if err != nil {
		return 0, err
	}
	of.Offset += int64(n)
	if st := of.Ref.Node.Stat(); of.Offset > st.Size {
		st.Size = of.Offset
		of.Ref.Node.SetStat(st)
	}
	of.Ref.Node.SetDirty(true)
	return n, nil
}

// Whence values for Lseek, per lseek(2).
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

func (fsys *FS) Lseek(of *OpenFile, offset int64, whence int) (int64, error) {
	of.mu.Lock()
	defer of.mu.Unlock()
	switch whence {
	case SeekSet:
		if offset < 0 {
			return 0, kerrno.EINVAL
		}
		of.Offset = offset
	case SeekCur:
		if of.Offset+offset < 0 {
			return 0, kerrno.EINVAL
		}
		of.Offset += offset
	case SeekEnd:
		n := of.Ref.Node.Stat().Size + offset
		if n < 0 {
			return 0, kerrno.EINVAL
		}
		of.Offset = n
	default:
		return 0, kerrno.EINVAL
	}
	return of.Offset, nil
}

func (fsys *FS) Stat(ctx context.Context, cwd Ref, p string) (fsops.Stat, error) {
	r, err := fsys.Namei(ctx, cwd, p)
	if err != nil {
		return fsops.Stat{}, err
	}
	defer fsys.Put(ctx, r)
	return r.Node.Stat(), nil
}

func (fsys *FS) Mkdir(ctx context.Context, cwd Ref, creds Credentials, p string, mode uint32) error {
	dir, name := splitParent(p)
	parent, err := fsys.Namei(ctx, cwd, dir)
	if err != nil {
		return err
	}
	defer fsys.Put(ctx, parent)
	if !Access(creds, parent.Node.Stat(), permWrite) {
		return kerrno.EACCES
	}
	_, err = parent.SB.Inodes.Mkdir(ctx, parent.Node.Key().Inum, name, mode)
	return err
}

func (fsys *FS) Rmdir(ctx context.Context, cwd Ref, creds Credentials, p string) error {
	dir, name := splitParent(p)
	parent, err := fsys.Namei(ctx, cwd, dir)
	if err != nil {
		return err
	}
	defer fsys.Put(ctx, parent)
	if !Access(creds, parent.Node.Stat(), permWrite) {
		return kerrno.EACCES
	}
	return parent.SB.Inodes.Rmdir(ctx, parent.Node.Key().Inum, name)
}

func (fsys *FS) Unlink(ctx context.Context, cwd Ref, creds Credentials, p string) error {
	dir, name := splitParent(p)
	parent, err := fsys.Namei(ctx, cwd, dir)
	if err != nil {
		return err
	}
	defer fsys.Put(ctx, parent)
	if !Access(creds, parent.Node.Stat(), permWrite) {
		return kerrno.EACCES
	}
	return parent.SB.Inodes.Unlink(ctx, parent.Node.Key().Inum, name)
}

func (fsys *FS) Link(ctx context.Context, cwd Ref, creds Credentials, oldPath, newPath string) error {
	target, err := fsys.Namei(ctx, cwd, oldPath)
	if err != nil {
		return err
	}
	defer fsys.Put(ctx, target)

	dir, name := splitParent(newPath)
	parent, err := fsys.Namei(ctx, cwd, dir)
	if err != nil {
		return err
	}
	defer fsys.Put(ctx, parent)
	if parent.SB.Device != target.SB.Device {
		return kerrno.EXDEV
	}
	if !Access(creds, parent.Node.Stat(), permWrite) {
		return kerrno.EACCES
	}
	return parent.SB.Inodes.Link(ctx, parent.Node.Key().Inum, name, target.Node.Key().Inum)
}

func (fsys *FS) Symlink(ctx context.Context, cwd Ref, creds Credentials, targetText, linkPath string) error {
	dir, name := splitParent(linkPath)
	parent, err := fsys.Namei(ctx, cwd, dir)
	if err != nil {
		return err
	}
	defer fsys.Put(ctx, parent)
	if !Access(creds, parent.Node.Stat(), permWrite) {
		return kerrno.EACCES
	}
	_, err = parent.SB.Inodes.Symlink(ctx, parent.Node.Key().Inum, name, targetText)
	return err
}

func (fsys *FS) Readlink(ctx context.Context, cwd Ref, p string) (string, error) {
	r, err := fsys.Namei(ctx, cwd, p)
	if err != nil {
		return "", err
	}
	defer fsys.Put(ctx, r)
	return r.SB.Inodes.Readlink(ctx, r.Node.Key().Inum)
}

func (fsys *FS) Rename(ctx context.Context, cwd Ref, creds Credentials, oldPath, newPath string) error {
	oldDir, oldName := splitParent(oldPath)
	newDir, newName := splitParent(newPath)

	oldParent, err := fsys.Namei(ctx, cwd, oldDir)
	if err != nil {
		return err
	}
	defer fsys.Put(ctx, oldParent)
	newParent, err := fsys.Namei(ctx, cwd, newDir)
	if err != nil {
		return err
	}
	defer fsys.Put(ctx, newParent)

	if oldParent.SB.Device != newParent.SB.Device {
		return kerrno.EXDEV
	}
	if !Access(creds, oldParent.Node.Stat(), permWrite) || !Access(creds, newParent.Node.Stat(), permWrite) {
		return kerrno.EACCES
	}
	return oldParent.SB.Inodes.Rename(ctx, oldParent.Node.Key().Inum, oldName, newParent.Node.Key().Inum, newName)
}

func (fsys *FS) Truncate(ctx context.Context, cwd Ref, creds Credentials, p string, size int64) error {
	r, err := fsys.Namei(ctx, cwd, p)
	if err != nil {
		return err
	}
	defer fsys.Put(ctx, r)
	if !Access(creds, r.Node.Stat(), permWrite) {
		return kerrno.EACCES
	}
	return r.SB.Inodes.Truncate(ctx, r.Node.Key().Inum, size)
}

// Readdir lists directory entries starting at cookie, per spec.md §4.2's
// getdents(), delegating to the FileOps group (directories are opened like
// any other file, then iterated).
func (fsys *FS) Readdir(ctx context.Context, of *OpenFile) ([]fsops.DirEntry, error) {
	of.mu.Lock()
	defer of.mu.Unlock()
	entries, next, err := of.Ref.SB.Files.Readdir(ctx, of.Ref.Node.Key().Inum, of.Offset)
	if err != nil {
		return nil, err
	}
	of.Offset = next
	return entries, nil
}
