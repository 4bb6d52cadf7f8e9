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

// Package bufcache implements the block buffer cache: bread/bwrite/brelse
// over a hash-addressed pool of fixed-size buffers backed by the page
// allocator, plus the flusher that keeps the dirty list bounded.
//
// This is the Go rendering of fs/buffer.c's hash + LRU-free-list +
// dirty-list triple: instead of manual next/prev pointers threaded through
// three lists on the same struct, the hash is a map from key to *Buffer,
// the free list is a []*Buffer and the dirty list is a set of *Buffer.
package bufcache

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/mikaku/gofiwix/clock"
	"github.com/mikaku/gofiwix/internal/page"
	"github.com/mikaku/gofiwix/kerrno"
)

// BlockDevice is the minimal interface a driver offers the buffer cache.
// Concrete drivers (internal/blockio.Channel) implement this.
type BlockDevice interface {
	ReadBlock(ctx context.Context, block int64, buf []byte) error
	WriteBlock(ctx context.Context, block int64, buf []byte) error
	BlockSize() int
}

// key identifies a cached buffer: (device, block, size). At most one Buffer
// exists in the cache per key at any time — the "Cache uniqueness" property.
type key struct {
	device uint32
	block  int64
	size   int
}

// Buffer is a cached block. The zero value is not meaningful; buffers are
// only constructed by Cache.
type Buffer struct {
	key     key
	frame   page.Frame
	locked  bool
	dirty   bool
	valid   bool
	waiters chan struct{}
}

// Device, Block and Size identify which (device, block, size) this buffer
// holds; Dirty and Valid report its state flags.
func (b *Buffer) Device() uint32 { return b.key.device }
func (b *Buffer) Block() int64   { return b.key.block }
func (b *Buffer) Dirty() bool    { return b.dirty }
func (b *Buffer) Valid() bool    { return b.valid }
func (b *Buffer) Size() int      { return b.key.size }

// Cache is the buffer cache for some set of block devices. One Cache
// instance typically backs the whole kernel, exactly as there is one
// buffer_cache table in fs/buffer.c.
type Cache struct {
	mu     syncutil.InvariantMutex // guards all fields below; see checkInvariants
	syncMu sync.Mutex              // serialises SyncBuffers callers; see spec.md §4.1

	alloc      *page.Allocator
	devices    map[uint32]BlockDevice
	maxBuffers int
	dirtyRatio int // percent; high watermark = maxBuffers * dirtyRatio / 100

	// INVARIANT: for all k, hash[k].key == k
	// INVARIANT: len(hash) <= maxBuffers
	hash map[key]*Buffer

	// free holds buffers with count==0, MRU at the end, invalid buffers
	// pushed to the front (LRU end) so they're reused before valid ones, per
	// spec.md §4.1 brelse().
	free []*Buffer

	// dirty is unordered; sync_buffers walks it in full each call.
	dirty map[*Buffer]bool

	flushWake chan struct{}
	logger    *log.Logger
}

// Config mirrors fs.ServerConfig's "eagerly validated struct" shape.
type Config struct {
	Allocator  *page.Allocator
	MaxBuffers int
	DirtyRatio int // 0 < DirtyRatio <= 100; default 40 if zero
	Debug      bool
}

func getLogger(debug bool) *log.Logger {
	var w io.Writer = io.Discard
	if debug {
		w = os.Stderr
	}
	return log.New(w, "bufcache: ", log.LstdFlags)
}

// NewCache validates cfg and builds an empty cache.
func NewCache(cfg Config) (*Cache, error) {
	if cfg.MaxBuffers <= 0 {
		return nil, fmt.Errorf("bufcache: illegal MaxBuffers: %d", cfg.MaxBuffers)
	}
	ratio := cfg.DirtyRatio
	if ratio == 0 {
		ratio = 40
	}
	if ratio <= 0 || ratio > 100 {
		return nil, fmt.Errorf("bufcache: illegal DirtyRatio: %d", ratio)
	}

	c := &Cache{
		alloc:      cfg.Allocator,
		devices:    make(map[uint32]BlockDevice),
		maxBuffers: cfg.MaxBuffers,
		dirtyRatio: ratio,
		hash:       make(map[key]*Buffer),
		dirty:      make(map[*Buffer]bool),
		flushWake:  make(chan struct{}, 1),
		logger:     getLogger(cfg.Debug),
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c, nil
}

// RegisterDevice attaches a driver under a device number, analogous to
// register_device() for the block-device array in spec.md §6.
func (c *Cache) RegisterDevice(dev uint32, drv BlockDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[dev] = drv
}

func (c *Cache) highWatermark() int {
	return c.maxBuffers * c.dirtyRatio / 100
}

func (c *Cache) lowWatermark() int {
	hw := c.highWatermark()
	low := hw / 2
	if low == 0 && hw > 0 {
		low = 1
	}
	return low
}

// Bread returns a locked, valid buffer for (device, block, size), reading
// through the driver on a cache miss. Fails with EIO if the driver fails.
func (c *Cache) Bread(ctx context.Context, dev uint32, block int64, size int) (*Buffer, error) {
	c.mu.Lock()
	k := key{dev, block, size}
	if b, ok := c.hash[k]; ok {
		c.removeFromFreeLocked(b)
		b.locked = true
		c.mu.Unlock()
		return b, nil
	}

	b, err := c.allocateLocked(k)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	b.locked = true
	c.hash[k] = b
	c.mu.Unlock()

	drv, ok := c.device(dev)
	if !ok {
		return nil, kerrno.ENXIO
	}
	buf := make([]byte, size)
	if err := drv.ReadBlock(ctx, block, buf); err != nil {
		c.mu.Lock()
		delete(c.hash, k)
		b.locked = false
		c.pushFreeLocked(b, false /* invalid: front of list */)
		c.mu.Unlock()
		return nil, kerrno.EIO
	}
	copy(c.alloc.Data(b.frame)[:], buf)
	b.valid = true
	return b, nil
}

// allocateLocked must be called with c.mu held. It grows the pool until
// maxBuffers, then reclaims the LRU free buffer.
func (c *Cache) allocateLocked(k key) (*Buffer, error) {
	if len(c.hash) < c.maxBuffers {
		f := c.alloc.Alloc()
		if f == page.NoFrame {
			return nil, kerrno.ENOMEM
		}
		return &Buffer{key: k, frame: f}, nil
	}

	if len(c.free) == 0 {
		return nil, kerrno.ENOMEM
	}
	victim := c.free[0]
	c.free = c.free[1:]
	delete(c.hash, victim.key)
	if victim.dirty {
		delete(c.dirty, victim)
	}
	victim.key = k
	victim.dirty = false
	victim.valid = false
	return victim, nil
}

// Data returns the in-cache bytes of a locked buffer for the caller to read
// or mutate in place before Bwrite/Brelse. The caller must hold the buffer
// locked (i.e. have just gotten it from Bread).
func (c *Cache) Data(b *Buffer) []byte {
	return c.alloc.Data(b.frame)[:b.key.size]
}

// Bwrite marks the buffer dirty|valid and releases it; the actual disk
// write is left to the flusher (sync_buffers / the background loop started
// by StartFlusher).
func (c *Cache) Bwrite(b *Buffer) {
	c.mu.Lock()
	b.dirty = true
	b.valid = true
	c.dirty[b] = true
	needFlush := len(c.dirty) >= c.highWatermark()
	c.mu.Unlock()

	c.Brelse(b)

	if needFlush {
		select {
		case c.flushWake <- struct{}{}:
		default:
		}
	}
}

// Brelse returns b to the free list: MRU end if valid, LRU end (reused
// first) if invalid.
func (c *Cache) Brelse(b *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.locked = false
	c.pushFreeLocked(b, b.valid)
}

func (c *Cache) pushFreeLocked(b *Buffer, mru bool) {
	if mru {
		c.free = append(c.free, b)
	} else {
		c.free = append([]*Buffer{b}, c.free...)
	}
}

func (c *Cache) removeFromFreeLocked(b *Buffer) {
	for i, v := range c.free {
		if v == b {
			c.free = append(c.free[:i], c.free[i+1:]...)
			return
		}
	}
}

// SyncBuffers writes out every dirty buffer for dev (or for every device,
// whatever dev is, when allDevices is true). It serialises with Bread via the per-buffer lock
// flag, matching spec.md's "per-dirty-buffer lock prevents overlap with
// bread" rule, and is itself serialised globally by syncMu.
func (c *Cache) SyncBuffers(ctx context.Context, dev uint32, allDevices bool) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	for {
		c.mu.Lock()
		var target *Buffer
		for b := range c.dirty {
			if b.locked {
				continue
			}
			if allDevices || b.key.device == dev {
				target = b
				break
			}
		}
		if target == nil {
			c.mu.Unlock()
			return nil
		}
		target.locked = true
		c.mu.Unlock()

		drv, ok := c.device(target.key.device)
		if !ok {
			c.mu.Lock()
			target.locked = false
			c.mu.Unlock()
			return kerrno.ENXIO
		}
		data := append([]byte(nil), c.alloc.Data(target.frame)[:target.key.size]...)
		err := drv.WriteBlock(ctx, target.key.block, data)

		c.mu.Lock()
		target.locked = false
		if err == nil {
			target.dirty = false
			delete(c.dirty, target)
		}
		c.mu.Unlock()

		if err != nil {
			return kerrno.EIO
		}
	}
}

// StartFlusher runs the dirty-buffer flusher loop until ctx is cancelled. It
// blocks on flushWake (woken by Bwrite once the high watermark is crossed)
// and on a periodic clock tick. A periodic tick writes back every dirty
// buffer; a watermark wakeup writes until no progress is made or the low
// watermark is reached — the hysteresis described in spec.md §4.1.
func (c *Cache) StartFlusher(ctx context.Context, clk clock.Clock, period time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.flushWake:
			case <-clk.After(period):
				_ = c.SyncBuffers(ctx, 0, true)
				continue
			}

			for {
				c.mu.Lock()
				n := len(c.dirty)
				c.mu.Unlock()
				if n <= c.lowWatermark() {
					break
				}
				before := n
				_ = c.SyncBuffers(ctx, 0, true)
				c.mu.Lock()
				after := len(c.dirty)
				c.mu.Unlock()
				if after >= before {
					break
				}
			}
		}
	}()
}

// InvalidateBuffers drops all cached buffers for dev, e.g. on media change.
func (c *Cache) InvalidateBuffers(dev uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, b := range c.hash {
		if k.device != dev {
			continue
		}
		delete(c.hash, k)
		delete(c.dirty, b)
		c.removeFromFreeLocked(b)
		c.alloc.Put(b.frame)
	}
}

// ReclaimBuffers is called by the page-pressure path; it frees up to quota
// free buffers' backing pages, shrinking the cache under memory pressure
// (spec.md's memory-pressure policy: "shrink caches", never swap).
func (c *Cache) ReclaimBuffers(quota int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	freed := 0
	for freed < quota && len(c.free) > 0 {
		b := c.free[0]
		c.free = c.free[1:]
		delete(c.hash, b.key)
		delete(c.dirty, b)
		c.alloc.Put(b.frame)
		freed++
	}
	return freed
}

func (c *Cache) device(dev uint32) (BlockDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[dev]
	return d, ok
}

// checkInvariants re-validates cache uniqueness: at most one buffer per key,
// and every hashed buffer carries the key it is hashed under. Intended to run under
// c.mu in debug builds/tests, mirroring fs.fileSystem.checkInvariants.
func (c *Cache) checkInvariants() {
	seen := make(map[key]bool, len(c.hash))
	for k, b := range c.hash {
		if seen[k] {
			panic(fmt.Sprintf("bufcache: duplicate key in hash: %+v", k))
		}
		seen[k] = true
		if b.key != k {
			panic(fmt.Sprintf("bufcache: key mismatch: %+v vs %+v", b.key, k))
		}
	}
}
