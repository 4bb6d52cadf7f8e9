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

// Package vfs implements path resolution (namei), the open-file-description
// table and the per-process descriptor table of spec.md §4.2/§4.6, wiring
// together internal/inodecache and internal/fsops the way
// fs/fs.go's fileSystem type wires inode.DirInode/inode.FileInode lookups
// and its handle tables together into the single entry point FUSE calls.
package vfs

import (
	"context"
	"strings"
	"sync"

	"github.com/mikaku/gofiwix/internal/inodecache"
	"github.com/mikaku/gofiwix/kerrno"
)

// maxSymlinkDepth bounds readlink recursion during path walk, per spec.md
// §4.6 ("symlink depth limit 8").
const maxSymlinkDepth = 8

// FS is the kernel-wide virtual filesystem state: the root superblock and
// the inode cache shared by every mounted filesystem.
type FS struct {
	Inodes *inodecache.Cache

	mu       sync.Mutex
	root     *inodecache.Superblock
	rootInum uint32
}

func NewFS(inodes *inodecache.Cache) *FS {
	return &FS{Inodes: inodes}
}

// MountRoot designates sb's root inode as "/".
func (fsys *FS) MountRoot(sb *inodecache.Superblock, rootInum uint32) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	fsys.root = sb
	fsys.rootInum = rootInum
}

// Mount binds mountedSB's root over the directory at (coveredSB, coveredInum),
// per spec.md §4.2's mount(2).
func (fsys *FS) Mount(coveredSB *inodecache.Superblock, coveredInum uint32, mountedSB *inodecache.Superblock, mountedRootInum uint32) {
	fsys.Inodes.Bind(coveredSB, coveredInum, mountedSB, mountedRootInum)
}

// Ref is a resolved, referenced inode plus the superblock that owns it: the
// pair every namei step and every syscall operates on.
type Ref struct {
	SB   *inodecache.Superblock
	Node *inodecache.Inode
}

func (fsys *FS) rootRef(ctx context.Context) (Ref, error) {
	fsys.mu.Lock()
	sb, inum := fsys.root, fsys.rootInum
	fsys.mu.Unlock()
	if sb == nil {
		return Ref{}, kerrno.ENODEV
	}
	in, err := fsys.Inodes.Get(ctx, sb, inum)
	if err != nil {
		return Ref{}, err
	}
	return Ref{SB: sb, Node: in}, nil
}

// Put releases a Ref obtained from Namei/Lookup/rootRef.
func (fsys *FS) Put(ctx context.Context, r Ref) error {
	return fsys.Inodes.Put(ctx, r.SB, r.Node)
}

// Namei resolves path relative to cwd (or the root if cwd is the zero Ref),
// walking one component at a time through InodeOps.Lookup and following
// symlinks up to maxSymlinkDepth, per spec.md §4.6. ".." crosses back over a
// mount point via inodecache's CoveredBy when the current directory is a
// mounted filesystem's root.
func (fsys *FS) Namei(ctx context.Context, cwd Ref, path string) (Ref, error) {
	return fsys.namei(ctx, cwd, path, 0)
}

func (fsys *FS) namei(ctx context.Context, cwd Ref, path string, depth int) (Ref, error) {
	cur := cwd
	if strings.HasPrefix(path, "/") || cur.SB == nil {
		root, err := fsys.rootRef(ctx)
		if err != nil {
			return Ref{}, err
		}
		cur = root
	} else {
		// borrow cwd: take our own reference so callers keep ownership of theirs.
		in, err := fsys.Inodes.Get(ctx, cur.SB, cur.Node.Key().Inum)
		if err != nil {
			return Ref{}, err
		}
		cur = Ref{SB: cur.SB, Node: in}
	}

	comps := strings.Split(strings.Trim(path, "/"), "/")
	for _, name := range comps {
		if name == "" || name == "." {
			continue
		}
		if name == ".." {
			next, err := fsys.dotdot(ctx, cur)
			if err != nil {
				fsys.Put(ctx, cur)
				return Ref{}, err
			}
			fsys.Put(ctx, cur)
			cur = next
			continue
		}

		inum, err := cur.SB.Inodes.Lookup(ctx, cur.Node.Key().Inum, name)
		if err != nil {
			fsys.Put(ctx, cur)
			return Ref{}, err
		}
		next, err := fsys.Inodes.Get(ctx, cur.SB, inum)
		if err != nil {
			fsys.Put(ctx, cur)
			return Ref{}, err
		}
		fsys.Put(ctx, cur)
		cur = Ref{SB: cur.SB, Node: next}

		if isSymlink(cur.Node.Stat().Mode) {
			if depth >= maxSymlinkDepth {
				fsys.Put(ctx, cur)
				return Ref{}, kerrno.ELOOP
			}
			target, err := cur.SB.Inodes.Readlink(ctx, cur.Node.Key().Inum)
			if err != nil {
				fsys.Put(ctx, cur)
				return Ref{}, err
			}
			fsys.Put(ctx, cur)
			resolved, err := fsys.namei(ctx, cwd, target, depth+1)
			if err != nil {
				return Ref{}, err
			}
			cur = resolved
		}
	}
	return cur, nil
}

// dotdot resolves ".." from cur: if cur is a mounted filesystem's root, it
// crosses back to the covering directory's superblock; otherwise it looks
// up the conventional ".." directory entry.
func (fsys *FS) dotdot(ctx context.Context, cur Ref) (Ref, error) {
	k := inodecache.Key{Dev: cur.SB.Device, Inum: cur.Node.Key().Inum}
	if cov, ok := fsys.Inodes.CoveredBy(k); ok {
		sb, ok := fsys.Inodes.SuperblockFor(cov.Dev)
		if !ok {
			return Ref{}, kerrno.ENODEV
		}
		in, err := fsys.Inodes.Get(ctx, sb, cov.Inum)
		if err != nil {
			return Ref{}, err
		}
		return Ref{SB: sb, Node: in}, nil
	}

	inum, err := cur.SB.Inodes.Lookup(ctx, cur.Node.Key().Inum, "..")
	if err != nil {
		return Ref{}, err
	}
	in, err := fsys.Inodes.Get(ctx, cur.SB, inum)
	if err != nil {
		return Ref{}, err
	}
	return Ref{SB: cur.SB, Node: in}, nil
}

// Mode bits relevant to path walk and permission checks, per spec.md §3.
const (
	ModeFmt     = 0170000
	ModeDir     = 0040000
	ModeRegular = 0100000
	ModeSymlink = 0120000
	ModeChar    = 0020000
	ModeBlock   = 0060000
	ModeFIFO    = 0010000
)

func isSymlink(mode uint32) bool { return mode&ModeFmt == ModeSymlink }
func IsDir(mode uint32) bool     { return mode&ModeFmt == ModeDir }
