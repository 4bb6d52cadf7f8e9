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

package vfs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikaku/gofiwix/internal/fsops"
	"github.com/mikaku/gofiwix/internal/inodecache"
	"github.com/mikaku/gofiwix/internal/proc"
	"github.com/mikaku/gofiwix/internal/vfs"
)

// fakeSuper implements just enough of fsops.SuperOps to seed the inode cache
// with a single fixed-stat inode.
type fakeSuper struct {
	fsops.Unimplemented
}

func (fakeSuper) ReadInode(ctx context.Context, inum uint32) (fsops.Stat, error) {
	return fsops.Stat{Inum: inum}, nil
}

// fakeFile implements FileOps.Select controllable from the test goroutine.
type fakeFile struct {
	fsops.Unimplemented
	mu    sync.Mutex
	ready bool
}

func (f *fakeFile) setReady(v bool) {
	f.mu.Lock()
	f.ready = v
	f.mu.Unlock()
}

func (f *fakeFile) Select(ctx context.Context, inum uint32, mode int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready, nil
}

func newTestRef(t *testing.T) (vfs.Ref, *fakeFile) {
	cache := inodecache.NewCache()
	file := &fakeFile{}
	sb := &inodecache.Superblock{Device: 1, Ops: fakeSuper{}, Files: file}
	cache.Mount(sb)
	in, err := cache.Get(context.Background(), sb, 1)
	require.NoError(t, err)
	return vfs.Ref{SB: sb, Node: in}, file
}

func TestSelectReturnsImmediatelyWhenReady(t *testing.T) {
	ref, file := newTestRef(t)
	file.setReady(true)

	fds := vfs.NewFDTable(4)
	of := &vfs.OpenFile{Ref: ref}
	fd, err := fds.Install(of, 0)
	require.NoError(t, err)

	p := proc.NewProcess(1, 0)
	wq := proc.NewWaitQueue()

	ready, err := vfs.Select(context.Background(), p, wq, fds, []vfs.SelectRequest{{FD: fd, Mode: vfs.SelectRead}})
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestSelectBlocksThenWakesOnReady(t *testing.T) {
	ref, file := newTestRef(t)

	fds := vfs.NewFDTable(4)
	of := &vfs.OpenFile{Ref: ref}
	fd, err := fds.Install(of, 0)
	require.NoError(t, err)

	p := proc.NewProcess(2, 0)
	wq := proc.NewWaitQueue()

	done := make(chan []vfs.SelectRequest, 1)
	go func() {
		ready, err := vfs.Select(context.Background(), p, wq, fds, []vfs.SelectRequest{{FD: fd, Mode: vfs.SelectRead}})
		require.NoError(t, err)
		done <- ready
	}()

	time.Sleep(20 * time.Millisecond)
	file.setReady(true)
	fds.Wakeup(wq)

	select {
	case ready := <-done:
		assert.Len(t, ready, 1)
	case <-time.After(time.Second):
		t.Fatal("Select never woke up")
	}
}
