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

package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChar struct{ name string }

func (f *fakeChar) Name() string                            { return f.name }
func (f *fakeChar) Read(minor uint8, buf []byte) (int, error)  { return 0, nil }
func (f *fakeChar) Write(minor uint8, buf []byte) (int, error) { return len(buf), nil }

type fakeBlock struct{ size int }

func (f *fakeBlock) ReadBlock(ctx context.Context, block int64, buf []byte) error  { return nil }
func (f *fakeBlock) WriteBlock(ctx context.Context, block int64, buf []byte) error { return nil }
func (f *fakeBlock) BlockSize() int                                               { return f.size }

func TestMakeDevMajorMinorRoundTrip(t *testing.T) {
	dev := MakeDev(3, 1)
	assert.Equal(t, uint8(3), Major(dev))
	assert.Equal(t, uint8(1), Minor(dev))
}

func TestRegisterCharAndLookup(t *testing.T) {
	r := NewRegistry()
	tty := &fakeChar{name: "tty"}

	require.NoError(t, r.RegisterChar(4, tty))

	got, ok := r.Char(4)
	require.True(t, ok)
	assert.Equal(t, "tty", got.Name())

	_, ok = r.Char(5)
	assert.False(t, ok)
}

func TestRegisterCharCollisionFails(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterChar(4, &fakeChar{name: "tty"}))

	err := r.RegisterChar(4, &fakeChar{name: "other"})
	assert.Error(t, err)
}

func TestRegisterBlockAndLookup(t *testing.T) {
	r := NewRegistry()
	ide := &fakeBlock{size: 512}

	require.NoError(t, r.RegisterBlock(3, ide))

	got, ok := r.Block(3)
	require.True(t, ok)
	assert.Equal(t, 512, got.BlockSize())
}

func TestRegisterBlockCollisionFails(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterBlock(3, &fakeBlock{size: 512}))
	assert.Error(t, r.RegisterBlock(3, &fakeBlock{size: 1024}))
}
