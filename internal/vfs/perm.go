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

import "github.com/mikaku/gofiwix/internal/fsops"

// Credentials is the effective/real uid/gid plus supplementary groups used
// for permission checks, per spec.md §3's "effective vs real uid/gid,
// supplementary groups, setuid/setgid triples" requirement.
type Credentials struct {
	UID, EUID, SUID uint32
	GID, EGID, SGID uint32
	Groups          []uint32
}

func (c Credentials) isRoot() bool { return c.EUID == 0 }

func (c Credentials) inGroup(gid uint32) bool {
	if c.EGID == gid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// permRead, permWrite and permExec are the r, w and x bits of one
// owner/group/other triple; Access picks the triple by shifting Mode.
const (
	permRead  = 4
	permWrite = 2
	permExec  = 1
)

// Access reports whether creds may perform the access named by want (an OR
// of permRead/permWrite/permExec) against st, per the standard Unix
// owner/group/other permission bit check.
func Access(creds Credentials, st fsops.Stat, want uint32) bool {
	if creds.isRoot() {
		if want&permExec == 0 {
			return true // root bypasses read/write checks, but not "none executable"
		}
		// root may still execute only if SOME execute bit is set.
		return st.Mode&0111 != 0
	}

	var shift uint
	switch {
	case creds.EUID == st.UID:
		shift = 6
	case creds.inGroup(st.GID):
		shift = 3
	default:
		shift = 0
	}
	bits := (st.Mode >> shift) & 07
	return uint32(want)&bits == want
}
