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

// Package fsops is the variant-dispatch vtable every filesystem and device
// driver implements, split into the four operation groups named by
// spec.md §6/§9: SuperOps, InodeOps, FileOps and BlockOps.
//
// The C original represents "not supported" with a NULL function pointer in
// a struct; here each group is a Go interface and "not supported" is a
// default embeddable implementation that returns ENOSYS, the way
// github.com/jacobsa/fuse/fuseutil.NotImplementedFileSystem lets a concrete
// filesystem embed the default and override only what it needs.
package fsops

import (
	"context"

	"github.com/mikaku/gofiwix/kerrno"
)

// Stat is the subset of inode metadata every filesystem must be able to
// produce; mirrors the fields referenced throughout spec.md §3's Inode.
type Stat struct {
	Inum      uint32
	Device    uint32
	Mode      uint32
	UID, GID  uint32
	Size      int64
	Atime     int64
	Mtime     int64
	Ctime     int64
	Nlink     uint32
	Blocks    int64
}

// DirEntry is one entry returned by FileOps.Readdir.
type DirEntry struct {
	Name  string
	Inum  uint32
	Type  uint8
}

// FileOps is the "File" group of spec.md §6: open/close/read/write/ioctl/
// readdir/select. It has no llseek or mmap method.
type FileOps interface {
	Open(ctx context.Context, inum uint32, flags int) error
	Close(ctx context.Context, inum uint32) error
	Read(ctx context.Context, inum uint32, off int64, buf []byte) (int, error)
	Write(ctx context.Context, inum uint32, off int64, buf []byte) (int, error)
	Ioctl(ctx context.Context, inum uint32, cmd uintptr, arg uintptr) (uintptr, error)
	Readdir(ctx context.Context, inum uint32, cookie int64) ([]DirEntry, int64, error)

	// Select reports whether the file is ready for the given mode (0=read,
	// 1=write, 2=except), used by the generic select() two-pass evaluation
	// in spec.md §4.6.
	Select(ctx context.Context, inum uint32, mode int) (bool, error)
}

// InodeOps is the "Inode" group: readlink/bmap/lookup/rmdir/link/unlink/
// symlink/mkdir/mknod/truncate/create/rename. It has no followlink method.
type InodeOps interface {
	Lookup(ctx context.Context, dirInum uint32, name string) (uint32, error)
	Create(ctx context.Context, dirInum uint32, name string, mode uint32) (uint32, error)
	Mkdir(ctx context.Context, dirInum uint32, name string, mode uint32) (uint32, error)
	Mknod(ctx context.Context, dirInum uint32, name string, mode uint32, dev uint32) (uint32, error)
	Unlink(ctx context.Context, dirInum uint32, name string) error
	Rmdir(ctx context.Context, dirInum uint32, name string) error
	Link(ctx context.Context, dirInum uint32, name string, targetInum uint32) error
	Symlink(ctx context.Context, dirInum uint32, name, target string) (uint32, error)
	Readlink(ctx context.Context, inum uint32) (string, error)
	Rename(ctx context.Context, oldDirInum uint32, oldName string, newDirInum uint32, newName string) error
	Truncate(ctx context.Context, inum uint32, size int64) error

	// Bmap resolves a logical block number within the file to a physical
	// block number on the device, per spec.md §4.5's demand-fill path.
	Bmap(ctx context.Context, inum uint32, logical int64) (physical int64, err error)
}

// BlockOps is the "Block" group: read_block/write_block, as consumed by the
// buffer cache (see bufcache.BlockDevice, which a driver also implements
// directly).
type BlockOps interface {
	ReadBlock(ctx context.Context, block int64, buf []byte) error
	WriteBlock(ctx context.Context, block int64, buf []byte) error
}

// SuperOps is the "Super" group: read_inode/write_inode/ialloc/ifree/
// statfs. It has no read_superblock, remount_fs, write_superblock or
// release_superblock method.
type SuperOps interface {
	ReadInode(ctx context.Context, inum uint32) (Stat, error)
	WriteInode(ctx context.Context, s Stat) error
	Ialloc(ctx context.Context, mode uint32) (uint32, error)
	Ifree(ctx context.Context, inum uint32) error
	Statfs(ctx context.Context) (blocks, free, files, freeFiles int64, err error)
}

// Unimplemented embeds into a concrete filesystem or driver to satisfy the
// full FileOps/InodeOps/SuperOps surface while implementing only a subset,
// exactly as fuseutil.NotImplementedFileSystem does for FUSE ops. Every
// method returns ENOSYS.
type Unimplemented struct{}

func (Unimplemented) Open(context.Context, uint32, int) error                  { return kerrno.ENOSYS }
func (Unimplemented) Close(context.Context, uint32) error                      { return kerrno.ENOSYS }
func (Unimplemented) Read(context.Context, uint32, int64, []byte) (int, error) { return 0, kerrno.ENOSYS }
func (Unimplemented) Write(context.Context, uint32, int64, []byte) (int, error) {
	return 0, kerrno.ENOSYS
}
func (Unimplemented) Ioctl(context.Context, uint32, uintptr, uintptr) (uintptr, error) {
	return 0, kerrno.ENOSYS
}
func (Unimplemented) Readdir(context.Context, uint32, int64) ([]DirEntry, int64, error) {
	return nil, 0, kerrno.ENOSYS
}
func (Unimplemented) Select(context.Context, uint32, int) (bool, error) { return false, kerrno.ENOSYS }

func (Unimplemented) Lookup(context.Context, uint32, string) (uint32, error) { return 0, kerrno.ENOSYS }
func (Unimplemented) Create(context.Context, uint32, string, uint32) (uint32, error) {
	return 0, kerrno.ENOSYS
}
func (Unimplemented) Mkdir(context.Context, uint32, string, uint32) (uint32, error) {
	return 0, kerrno.ENOSYS
}
func (Unimplemented) Mknod(context.Context, uint32, string, uint32, uint32) (uint32, error) {
	return 0, kerrno.ENOSYS
}
func (Unimplemented) Unlink(context.Context, uint32, string) error { return kerrno.ENOSYS }
func (Unimplemented) Rmdir(context.Context, uint32, string) error  { return kerrno.ENOSYS }
func (Unimplemented) Link(context.Context, uint32, string, uint32) error { return kerrno.ENOSYS }
func (Unimplemented) Symlink(context.Context, uint32, string, string) (uint32, error) {
	return 0, kerrno.ENOSYS
}
func (Unimplemented) Readlink(context.Context, uint32) (string, error) { return "", kerrno.ENOSYS }
func (Unimplemented) Rename(context.Context, uint32, string, uint32, string) error {
	return kerrno.ENOSYS
}
func (Unimplemented) Truncate(context.Context, uint32, int64) error { return kerrno.ENOSYS }
func (Unimplemented) Bmap(context.Context, uint32, int64) (int64, error) {
	return 0, kerrno.ENOSYS
}

func (Unimplemented) ReadInode(context.Context, uint32) (Stat, error) { return Stat{}, kerrno.ENOSYS }
func (Unimplemented) WriteInode(context.Context, Stat) error          { return kerrno.ENOSYS }
func (Unimplemented) Ialloc(context.Context, uint32) (uint32, error)  { return 0, kerrno.ENOSYS }
func (Unimplemented) Ifree(context.Context, uint32) error             { return kerrno.ENOSYS }
func (Unimplemented) Statfs(context.Context) (blocks, free, files, freeFiles int64, err error) {
	return 0, 0, 0, 0, kerrno.ENOSYS
}
