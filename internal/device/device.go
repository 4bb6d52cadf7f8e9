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

// Package device is the major-number-indexed char/block device registry of
// spec.md §6, grounded on gcs.Conn/gcs.Bucket's pattern of a small registry
// interface with a package-level lookup (gcs/gcs.go, gcs/bucket.go) rather
// than a global map scattered across call sites.
package device

import (
	"fmt"
	"sync"

	"github.com/mikaku/gofiwix/internal/bufcache"
)

// CharDevice is any device reachable by major/minor number through a
// character special file (spec.md §6).
type CharDevice interface {
	Name() string
	Read(minor uint8, buf []byte) (int, error)
	Write(minor uint8, buf []byte) (int, error)
}

// Registry is the fixed-size major-number-indexed device table: 256 char
// slots and 256 block slots, matching the 8-bit major number of the
// original's dev_t encoding (spec.md GLOSSARY "major/minor").
type Registry struct {
	mu    sync.Mutex
	chars [256]CharDevice
	blocks [256]bufcache.BlockDevice
}

func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterChar installs dev at major, failing if the slot is occupied.
func (r *Registry) RegisterChar(major uint8, dev CharDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chars[major] != nil {
		return fmt.Errorf("device: char major %d already registered to %q", major, r.chars[major].Name())
	}
	r.chars[major] = dev
	return nil
}

// RegisterBlock installs dev at major, failing if the slot is occupied.
func (r *Registry) RegisterBlock(major uint8, dev bufcache.BlockDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blocks[major] != nil {
		return fmt.Errorf("device: block major %d already registered", major)
	}
	r.blocks[major] = dev
	return nil
}

func (r *Registry) Char(major uint8) (CharDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.chars[major]
	return d, d != nil
}

func (r *Registry) Block(major uint8) (bufcache.BlockDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.blocks[major]
	return d, d != nil
}

// MakeDev packs (major, minor) into the original kernel's dev_t encoding:
// major in the high byte, minor in the low byte, per spec.md GLOSSARY.
func MakeDev(major, minor uint8) uint16 { return uint16(major)<<8 | uint16(minor) }

func Major(dev uint16) uint8 { return uint8(dev >> 8) }
func Minor(dev uint16) uint8 { return uint8(dev) }
