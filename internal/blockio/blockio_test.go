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

package blockio_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikaku/gofiwix/internal/blockio"
	"github.com/mikaku/gofiwix/kerrno"
)

func TestReadWriteRoundTrip(t *testing.T) {
	backend := newMemBackend(4096)
	ch, err := blockio.NewChannel(backend, 512)
	require.NoError(t, err)

	want := bytes.Repeat([]byte{0xAB}, 512)
	require.NoError(t, ch.WriteBlock(context.Background(), 2, want))

	got := make([]byte, 512)
	require.NoError(t, ch.ReadBlock(context.Background(), 2, got))
	assert.Equal(t, want, got)
}

func TestInjectedFaultRetriesThenSucceeds(t *testing.T) {
	backend := newMemBackend(4096)
	ch, err := blockio.NewChannel(backend, 512)
	require.NoError(t, err)

	ch.InjectFault(0, 2) // fails twice, third attempt (within MaxRetries=3) succeeds
	buf := make([]byte, 512)
	require.NoError(t, ch.ReadBlock(context.Background(), 0, buf))
}

func TestExhaustedRetriesReturnsEIO(t *testing.T) {
	backend := newMemBackend(4096)
	ch, err := blockio.NewChannel(backend, 512)
	require.NoError(t, err)

	ch.InjectFault(0, 10) // more than MaxRetries
	buf := make([]byte, 512)
	err = ch.ReadBlock(context.Background(), 0, buf)
	assert.Error(t, err)
}

func TestExhaustedRetriesResetsChannel(t *testing.T) {
	backend := newMemBackend(4096)
	ch, err := blockio.NewChannel(backend, 512)
	require.NoError(t, err)

	ch.InjectFault(0, 10)
	buf := make([]byte, 512)
	_ = ch.ReadBlock(context.Background(), 0, buf)
	assert.Equal(t, 1, ch.ResetCount())
}

func TestWriteBlockRespectsReadOnly(t *testing.T) {
	backend := newMemBackend(4096)
	ch, err := blockio.NewChannel(backend, 512)
	require.NoError(t, err)
	ch.SetReadOnly(true)

	err = ch.WriteBlock(context.Background(), 0, make([]byte, 512))
	assert.Equal(t, kerrno.EROFS, err)
}

func TestWriteBlockRespectsCapacity(t *testing.T) {
	backend := newMemBackend(4096)
	ch, err := blockio.NewChannel(backend, 512)
	require.NoError(t, err)
	ch.SetCapacity(4)

	err = ch.WriteBlock(context.Background(), 4, make([]byte, 512))
	assert.Equal(t, kerrno.ENOSPC, err)
}

func TestHandleMediaChangeInvalidatesHook(t *testing.T) {
	backend := newMemBackend(4096)
	ch, err := blockio.NewChannel(backend, 512)
	require.NoError(t, err)

	called := false
	ch.WireInvalidate(func() { called = true })
	ch.HandleMediaChange()
	assert.True(t, called)
}

func TestATAPIEjectAndReinsert(t *testing.T) {
	backend := newMemBackend(ATAPISectorSizeForTest * 4)
	ch, err := blockio.NewChannel(backend, 512)
	require.NoError(t, err)
	dev := blockio.NewATAPIDevice(ch)

	require.NoError(t, dev.Eject())

	buf := make([]byte, ATAPISectorSizeForTest)
	pkt := blockio.Packet{}
	pkt[0] = blockio.OpRead10
	pkt[8] = 1 // transfer length: one 2 KiB sector
	err = dev.Execute(context.Background(), pkt, buf)
	assert.Equal(t, kerrno.ENOMEDIUM, err)

	dev.InsertMedium()
	err = dev.Execute(context.Background(), pkt, buf)
	assert.NoError(t, err)
}

const ATAPISectorSizeForTest = 2048

type memBackend struct {
	data []byte
}

func newMemBackend(size int) *memBackend { return &memBackend{data: make([]byte, size)} }

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}
