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

package pipe_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikaku/gofiwix/internal/inodecache"
	"github.com/mikaku/gofiwix/internal/pipe"
	"github.com/mikaku/gofiwix/internal/proc"
	"github.com/mikaku/gofiwix/kerrno"
)

func newPipe(t *testing.T) (*pipe.FS, *inodecache.Inode, *inodecache.Inode, *proc.WaitQueue) {
	inodes := inodecache.NewCache()
	wq := proc.NewWaitQueue()
	fs := pipe.NewFS(inodes, wq)
	r, w, err := fs.Create(context.Background(), inodes)
	require.NoError(t, err)
	return fs, r, w, wq
}

// TestPipeRoundTrip mirrors spec.md §8 seed test 1: a writer sends "hello\n"
// and a reader receives exactly those bytes, run here as goroutines standing
// in for a forked parent/child pair rather than real processes.
func TestPipeRoundTrip(t *testing.T) {
	fs, r, w, wq := newPipe(t)
	reader := proc.NewProcess(1, 0)
	writer := proc.NewProcess(2, 1)
	ctxR := proc.WithCaller(context.Background(), reader)
	ctxW := proc.WithCaller(context.Background(), writer)

	done := make(chan struct{})
	go func() {
		n, err := fs.Write(ctxW, w.Key().Inum, 0, []byte("hello\n"))
		assert.NoError(t, err)
		assert.Equal(t, 6, n)
		close(done)
	}()

	buf := make([]byte, 64)
	n, err := fs.Read(ctxR, r.Key().Inum, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf[:n]))
	<-done

	_ = wq
}

// TestPipeReadBlocksThenUnblocksOnWrite verifies a reader blocked on an
// empty pipe wakes once data arrives, rather than spinning or erroring.
func TestPipeReadBlocksThenUnblocksOnWrite(t *testing.T) {
	fs, r, w, _ := newPipe(t)
	reader := proc.NewProcess(1, 0)
	ctxR := proc.WithCaller(context.Background(), reader)

	result := make(chan int, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := fs.Read(ctxR, r.Key().Inum, 0, buf)
		assert.NoError(t, err)
		result <- n
	}()

	time.Sleep(20 * time.Millisecond) // give the reader time to block
	_, err := fs.Write(context.Background(), w.Key().Inum, 0, []byte("hi"))
	require.NoError(t, err)

	select {
	case n := <-result:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("reader never woke after write")
	}
}

// TestPipeReadEOFAfterWriterCloses covers spec.md §8's boundary rule:
// reading an empty pipe whose last writer has gone returns 0, not an error.
func TestPipeReadEOFAfterWriterCloses(t *testing.T) {
	fs, r, w, _ := newPipe(t)
	require.NoError(t, fs.Close(context.Background(), w.Key().Inum))

	buf := make([]byte, 16)
	n, err := fs.Read(context.Background(), r.Key().Inum, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestPipeWriteEPIPEAfterReaderCloses covers the write side of the same
// rule: once every reader is gone, Write fails with EPIPE instead of
// blocking forever.
func TestPipeWriteEPIPEAfterReaderCloses(t *testing.T) {
	fs, r, w, _ := newPipe(t)
	require.NoError(t, fs.Close(context.Background(), r.Key().Inum))

	_, err := fs.Write(context.Background(), w.Key().Inum, 0, []byte("x"))
	assert.ErrorIs(t, err, kerrno.EPIPE)
}

// TestPipeReadInterruptedBySignal mirrors spec.md §8 seed test 5: a process
// blocked reading an empty pipe is interrupted by a signal with no
// SA_RESTART handler installed, and Read returns ERESTART (this module has
// no signal-return path, so nothing here turns it into EINTR).
func TestPipeReadInterruptedBySignal(t *testing.T) {
	fs, r, _, _ := newPipe(t)
	reader := proc.NewProcess(1, 0)
	reader.Signals.SetHandler(proc.SIGUSR1, proc.HandlerSpec{Disposition: proc.DispositionHandler})
	ctxR := proc.WithCaller(context.Background(), reader)

	result := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := fs.Read(ctxR, r.Key().Inum, 0, buf)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond) // give the reader time to block
	proc.Deliver(reader, proc.SIGUSR1)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, kerrno.ERESTART)
	case <-time.After(time.Second):
		t.Fatal("blocked read was never interrupted")
	}
}
