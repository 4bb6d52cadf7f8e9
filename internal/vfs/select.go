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

	"github.com/mikaku/gofiwix/internal/proc"
	"github.com/mikaku/gofiwix/kerrno"
)

// Select modes, per spec.md §4.6.
const (
	SelectRead = iota
	SelectWrite
	SelectExcept
)

// SelectRequest names one (fd, mode) pair a select(2) call is waiting on.
type SelectRequest struct {
	FD   int
	Mode int
}

// selectChannel is the WaitQueue key every blocked select() call sleeps on.
// Any file becoming ready posts to it via Wakeup; since Wakeup is a
// broadcast, every waiter simply rechecks its own request set, matching the
// "Ordering" discipline spec.md §5 requires of every sleep/wakeup channel.
type selectChannel struct{}

// Wakeup rouses every process blocked in Select, for FileOps implementations
// to call once they have data or buffer space available.
func (t *FDTable) Wakeup(wq *proc.WaitQueue) { wq.Wakeup(selectChannel{}) }

// Select implements the generic select(2) two-pass evaluation of spec.md
// §4.6: poll every requested (fd, mode) pair via FileOps.Select; if none are
// ready, sleep on the shared select channel until woken or until p's bounded
// Timeout (if any) expires, then re-poll. It returns the subset of reqs that
// are ready.
func Select(ctx context.Context, p *proc.Process, wq *proc.WaitQueue, t *FDTable, reqs []SelectRequest) ([]SelectRequest, error) {
	for {
		ready, err := pollOnce(ctx, t, reqs)
		if err != nil {
			return nil, err
		}
		if len(ready) > 0 {
			return ready, nil
		}

		if err := wq.Sleep(p, selectChannel{}, proc.Interruptible); err != nil {
			return nil, err
		}
		if p.TimedOut() {
			return nil, nil
		}
	}
}

func pollOnce(ctx context.Context, t *FDTable, reqs []SelectRequest) ([]SelectRequest, error) {
	var ready []SelectRequest
	for _, r := range reqs {
		of, err := t.Get(r.FD)
		if err != nil {
			return nil, err
		}
		if of.Ref.SB.Files == nil {
			return nil, kerrno.ENOSYS
		}
		ok, err := of.Ref.SB.Files.Select(ctx, of.Ref.Node.Key().Inum, r.Mode)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, r)
		}
	}
	return ready, nil
}
