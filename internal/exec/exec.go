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

// Package exec implements the address-space half of execve(2), per
// spec.md §4.3: build a fresh AddressSpace from an already-parsed ELF
// image's PT_LOAD segments, lay out the initial user stack (argv/envp/the
// auxiliary vector), and fold in the close-on-exec and signal-disposition
// reset rules. Parsing the ELF file itself is out of spec.md §1's scope
// ("ELF parsing details beyond what is needed to launch user processes");
// this package only consumes the already-decoded Image a loader upstream
// produces, the same boundary fsops.SuperOps draws around on-disk formats.
package exec

import (
	"context"
	"encoding/binary"

	"github.com/mikaku/gofiwix/internal/mm"
	"github.com/mikaku/gofiwix/internal/page"
	"github.com/mikaku/gofiwix/internal/proc"
	"github.com/mikaku/gofiwix/internal/vfs"
	"github.com/mikaku/gofiwix/kerrno"
)

// Segment is one PT_LOAD program header, already resolved to a VMA
// description: the ELF loader (external to this module) supplies these.
type Segment struct {
	VAddr    int64
	MemSize  int64
	FileSize int64
	Prot     mm.Prot
	Type     mm.Type // TypeText, TypeData or TypeBSS
	Backing  mm.Backing
}

// Image is the minimal decoded-ELF contract Exec needs.
type Image struct {
	Entry    int64
	Segments []Segment
	PHAddr   int64 // AT_PHDR: address of the program header table
	PHEntSz  int64 // AT_PHENT
	PHNum    int64 // AT_PHNUM

	// FileMode/FileUID/FileGID are the executable's inode mode and owner,
	// used to apply the set-uid/set-gid-on-exec rule below.
	FileMode uint32
	FileUID  uint32
	FileGID  uint32
}

// Mode bits relevant to the set-uid/set-gid-on-exec rule.
const (
	ModeSetuid = 04000
	ModeSetgid = 02000
)

// Stack layout constants (x86-32).
const (
	stackTop  = 0xC0000000 - page.Size // just below the shared kernel mapping
	stackSize = 8 * page.Size
)

// Auxiliary vector tags, per spec.md §4.3's enumerated AT_* list.
const (
	AT_NULL   = 0
	AT_PHDR   = 3
	AT_PHENT  = 4
	AT_PHNUM  = 5
	AT_PAGESZ = 6
	AT_BASE   = 7
	AT_FLAGS  = 8
	AT_ENTRY  = 9
	AT_UID    = 11
	AT_EUID   = 12
	AT_GID    = 13
	AT_EGID   = 14
)

func pageAlignUp(n int64) int64 { return (n + page.Size - 1) &^ (page.Size - 1) }
func pageAlignDown(n int64) int64 { return n &^ (page.Size - 1) }

// Result carries what the caller (the syscall layer) needs to finish
// installing the new image: the fresh address space plus where the CPU
// should resume.
type Result struct {
	AS    *mm.AddressSpace
	Entry int64
	SP    int64
}

// Exec atomically replaces p's program image per spec.md §4.3: builds a new
// address space from img's PT_LOAD segments and a stack VMA, lays out
// argc/argv/envp/auxv on the new stack, closes fd's marked close-on-exec,
// resets signal dispositions (SIG_IGN survives), and applies the set-uid/
// set-gid bits. It never mutates p's existing address space: on error the
// caller keeps running the old image, matching execve(2)'s all-or-nothing
// contract.
func Exec(ctx context.Context, p *proc.Process, fds *vfs.FDTable, fsys *vfs.FS, alloc *page.Allocator, img Image, argv, envp []string) (Result, error) {
	as := mm.NewAddressSpace(alloc)

	for _, seg := range img.Segments {
		start := pageAlignDown(seg.VAddr)
		end := pageAlignUp(seg.VAddr + seg.MemSize)
		v := &mm.VMA{
			Start:   start,
			End:     end,
			Prot:    seg.Prot,
			Shared:  false,
			Type:    seg.Type,
			Backing: seg.Backing,
		}
		if err := as.Insert(v); err != nil {
			return Result{}, err
		}
	}

	stackVMA := &mm.VMA{
		Start: stackTop - stackSize,
		End:   stackTop,
		Prot:  mm.ProtRead | mm.ProtWrite,
		Type:  mm.TypeStack,
	}
	if err := as.Insert(stackVMA); err != nil {
		return Result{}, err
	}

	sp, err := layoutStack(alloc, as, img, argv, envp)
	if err != nil {
		return Result{}, err
	}

	fds.CloseExecRange(ctx, fsys)
	p.Signals.ResetOnExec()

	if img.FileMode&ModeSetuid != 0 {
		p.EUID = int32(img.FileUID)
	}
	if img.FileMode&ModeSetgid != 0 {
		p.EGID = int32(img.FileGID)
	}

	return Result{AS: as, Entry: img.Entry, SP: sp}, nil
}

// layoutStack writes argc, the argv/envp vectors, the auxiliary vector and
// the string area into the single page backing the top of the stack VMA,
// per spec.md §4.3. It fails with E2BIG if the material doesn't fit in one
// page — a real kernel spans multiple pages, but one page is generous for
// any process this simulation launches and keeps the encoding in one
// page.Allocator frame.
func layoutStack(alloc *page.Allocator, as *mm.AddressSpace, img Image, argv, envp []string) (int64, error) {
	f := alloc.Alloc()
	if f == page.NoFrame {
		return 0, kerrno.ENOMEM
	}
	data := alloc.Data(f)
	frameBase := stackTop - page.Size

	// Strings are packed downward from the end of the page; their frame
	// offsets are recorded so the pointer vectors below can reference them
	// by final user address (frameBase + offset).
	strEnd := page.Size
	strOffsets := make([]int, 0, len(argv)+len(envp))
	packString := func(s string) (int, error) {
		n := len(s) + 1
		if strEnd-n < 0 {
			return 0, kerrno.E2BIG
		}
		strEnd -= n
		copy(data[strEnd:], s)
		data[strEnd+len(s)] = 0
		return strEnd, nil
	}
	for _, s := range argv {
		off, err := packString(s)
		if err != nil {
			return 0, err
		}
		strOffsets = append(strOffsets, off)
	}
	envOffsets := strOffsets[len(argv):]
	argOffsets := strOffsets[:len(argv)]
	for _, s := range envp {
		off, err := packString(s)
		if err != nil {
			return 0, err
		}
		envOffsets = append(envOffsets, off)
	}

	auxv := []int64{
		AT_PHDR, img.PHAddr,
		AT_PHENT, img.PHEntSz,
		AT_PHNUM, img.PHNum,
		AT_PAGESZ, page.Size,
		AT_BASE, 0,
		AT_FLAGS, 0,
		AT_ENTRY, img.Entry,
		AT_UID, int64(img.FileUID),
		AT_EUID, int64(img.FileUID),
		AT_GID, int64(img.FileGID),
		AT_EGID, int64(img.FileGID),
		AT_NULL, 0,
	}

	// The pointer area grows up from a fixed point below the strings:
	// argc, argv[], NULL, envp[], NULL, auxv[] pairs.
	wordsNeeded := 1 + (len(argv) + 1) + (len(envp) + 1) + len(auxv)
	ptrStart := strEnd - wordsNeeded*4
	ptrStart &^= 15 // 16-byte align the initial SP, matching the x86 ABI
	if ptrStart < 0 {
		return 0, kerrno.E2BIG
	}

	w := ptrStart
	putWord := func(v int64) {
		binary.LittleEndian.PutUint32(data[w:], uint32(v))
		w += 4
	}
	putWord(int64(len(argv)))
	for _, off := range argOffsets {
		putWord(frameBase + int64(off))
	}
	putWord(0)
	for _, off := range envOffsets {
		putWord(frameBase + int64(off))
	}
	putWord(0)
	for _, v := range auxv {
		putWord(v)
	}

	as.MapPage(frameBase, f, true)
	return frameBase + int64(ptrStart), nil
}
