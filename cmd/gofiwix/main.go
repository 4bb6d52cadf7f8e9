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

// Command gofiwix is a small driver CLI over the kernel-core simulation:
// it parses a Multiboot-style command line the way the real kernel's early
// boot code does, and can run a handful of end-to-end demos of the wired
// subsystems. It is not a mount helper — there is no real device or FUSE
// mount behind it, see spec.md §1's scope note — just an entry point for
// exercising internal/* the way a real boot would, grounded on
// cmd/root.go's cobra.Command/Execute() shape (minus its GCS-specific
// flag surface).
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikaku/gofiwix/clock"
	"github.com/mikaku/gofiwix/internal/bootcfg"
	"github.com/mikaku/gofiwix/internal/bufcache"
	"github.com/mikaku/gofiwix/internal/inodecache"
	"github.com/mikaku/gofiwix/internal/page"
	"github.com/mikaku/gofiwix/internal/pipe"
	"github.com/mikaku/gofiwix/internal/proc"
)

var rootCmd = &cobra.Command{
	Use:   "gofiwix",
	Short: "Drive the gofiwix kernel-core simulation from the command line",
}

var bootcfgCmd = &cobra.Command{
	Use:   "bootcfg [cmdline]",
	Short: "Parse a Multiboot-style kernel command line and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := bootcfg.Parse(args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "root=%q rootfstype=%q noramdisk=%v ramdisksize=%dKiB initrd=%q console=%q initargs=%v\n",
			cfg.Root, cfg.RootFSType, cfg.NoRamdisk, cfg.RamdiskSize, cfg.Initrd, cfg.Console, cfg.InitArgs)
		return nil
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a small end-to-end scenario against the wired subsystems",
}

var demoPipeCmd = &cobra.Command{
	Use:   "pipe",
	Short: "Run the pipe round-trip scenario of spec.md §8's seed test 1",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeDemo(cmd.OutOrStdout())
	},
}

func runPipeDemo(out io.Writer) error {
	inodes := inodecache.NewCache()
	wq := proc.NewWaitQueue()
	pfs := pipe.NewFS(inodes, wq)

	ctx := context.Background()
	r, w, err := pfs.Create(ctx, inodes)
	if err != nil {
		return err
	}

	parent := proc.NewProcess(1, 0)
	child := proc.NewProcess(2, 1)
	ctxChild := proc.WithCaller(ctx, child)
	ctxParent := proc.WithCaller(ctx, parent)

	writeDone := make(chan error, 1)
	go func() {
		_, werr := pfs.Write(ctxChild, w.Key().Inum, 0, []byte("hello\n"))
		writeDone <- werr
	}()

	buf := make([]byte, 64)
	n, err := pfs.Read(ctxParent, r.Key().Inum, 0, buf)
	if err != nil {
		return err
	}
	if err := <-writeDone; err != nil {
		return err
	}

	fmt.Fprintf(out, "read %d bytes: %q\n", n, string(buf[:n]))
	return nil
}

var demoFlusherCmd = &cobra.Command{
	Use:   "flusher",
	Short: "Dirty a buffer and watch the background flusher write it back on a real timer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlusherDemo(cmd.OutOrStdout())
	},
}

// demoDevice is an in-memory BlockDevice (internal/bufcache.BlockDevice)
// standing in for a real driver, the way runPipeDemo stands in for real
// processes: enough to show the flusher actually reaches a device.
type demoDevice struct {
	mu     sync.Mutex
	blocks map[int64][]byte
}

func (d *demoDevice) ReadBlock(_ context.Context, block int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.blocks[block]; ok {
		copy(buf, b)
	}
	return nil
}

func (d *demoDevice) WriteBlock(_ context.Context, block int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks[block] = append([]byte(nil), buf...)
	return nil
}

func (d *demoDevice) BlockSize() int { return 512 }

func runFlusherDemo(out io.Writer) error {
	const blockSize = 512
	alloc := page.NewAllocator(8)
	c, err := bufcache.NewCache(bufcache.Config{Allocator: alloc, MaxBuffers: 4})
	if err != nil {
		return err
	}
	dev := &demoDevice{blocks: make(map[int64][]byte)}
	c.RegisterDevice(1, dev)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := c.Bread(ctx, 1, 7, blockSize)
	if err != nil {
		return err
	}
	payload := bytes.Repeat([]byte{0xAA}, blockSize)
	copy(c.Data(b), payload)
	c.Bwrite(b)

	c.StartFlusher(ctx, clock.RealClock{}, 50*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		dev.mu.Lock()
		got, ok := dev.blocks[7]
		dev.mu.Unlock()
		if ok && bytes.Equal(got, payload) {
			fmt.Fprintln(out, "flusher wrote block 7 back to the device")
			return nil
		}
		select {
		case <-deadline:
			return fmt.Errorf("flusher never wrote block 7 back within the deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func init() {
	demoCmd.AddCommand(demoPipeCmd, demoFlusherCmd)
	rootCmd.AddCommand(bootcfgCmd, demoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
