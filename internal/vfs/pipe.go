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

package vfs

import (
	"context"

	"github.com/mikaku/gofiwix/internal/pipe"
)

// Pipe implements spec.md §6's pipe(42): it mints a new anonymous pipe
// through pfs and installs its read end at fd 0 and write end at fd 1 of
// the lowest two free slots in t, mirroring the real syscall's "always the
// two lowest available descriptors" contract.
func (fsys *FS) Pipe(ctx context.Context, pfs *pipe.FS, t *FDTable) (readFD, writeFD int, err error) {
	readInode, writeInode, err := pfs.Create(ctx, fsys.Inodes)
	if err != nil {
		return -1, -1, err
	}

	readOF := &OpenFile{Ref: Ref{SB: pfs.SB, Node: readInode}, Flags: O_RDONLY}
	readFD, err = t.Install(readOF, 0)
	if err != nil {
		fsys.Put(ctx, readOF.Ref)
		fsys.Put(ctx, Ref{SB: pfs.SB, Node: writeInode})
		return -1, -1, err
	}

	writeOF := &OpenFile{Ref: Ref{SB: pfs.SB, Node: writeInode}, Flags: O_WRONLY}
	writeFD, err = t.Install(writeOF, 0)
	if err != nil {
		t.Close(ctx, fsys, readFD)
		fsys.Put(ctx, writeOF.Ref)
		return -1, -1, err
	}

	return readFD, writeFD, nil
}
