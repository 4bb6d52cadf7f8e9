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

// Package kerrno carries the fixed POSIX-errno enumeration used as the
// return-value vocabulary of every kernel operation in this module, the way
// github.com/jacobsa/fuse/fuseops uses fuse.Errno for FUSE replies.
package kerrno

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno is a kernel error code. It implements the error interface so it can
// be returned, wrapped and compared with errors.Is like any other Go error.
type Errno int

const (
	EPERM   Errno = 1
	ENOENT  Errno = 2
	ESRCH   Errno = 3
	EINTR   Errno = 4
	EIO     Errno = 5
	ENXIO   Errno = 6
	E2BIG   Errno = 7
	EAGAIN  Errno = 11
	ENOMEM  Errno = 12
	EACCES  Errno = 13
	EFAULT  Errno = 14
	EBUSY   Errno = 16
	EEXIST  Errno = 17
	ENOTDIR Errno = 20
	EISDIR  Errno = 21
	EINVAL  Errno = 22
	ENFILE  Errno = 23
	EMFILE  Errno = 24
	ENOTTY  Errno = 25
	ETXTBSY Errno = 26
	EFBIG   Errno = 27
	ENOSPC  Errno = 28
	ESPIPE  Errno = 29
	EROFS   Errno = 30
	EMLINK  Errno = 31
	EPIPE   Errno = 32
	EXDEV   Errno = 18
	ENAMETOOLONG Errno = 36
	ENOSYS       Errno = 38
	ENOTEMPTY    Errno = 39
	ELOOP        Errno = 40
	ENODEV       Errno = 19
	ECHILD       Errno = 10
	EDEADLK      Errno = 35
	ENOMEDIUM    Errno = 123
	ELIBBAD      Errno = 80
	ELIBACC      Errno = 79
	EOPNOTSUPP   Errno = 95
	ECONNREFUSED Errno = 111
	EADDRINUSE   Errno = 98

	// ERESTART is not part of the public errno ABI. proc.WaitQueue.Sleep
	// returns it whenever a signal (see proc.Deliver) cuts an interruptible
	// sleep short, whatever the handler's SA_RESTART flag; no code in this
	// module converts it to EINTR.
	ERESTART Errno = 512
)

var names = map[Errno]string{
	EPERM: "EPERM", ENOENT: "ENOENT", ESRCH: "ESRCH", EINTR: "EINTR",
	EIO: "EIO", ENXIO: "ENXIO", E2BIG: "E2BIG", EAGAIN: "EAGAIN",
	ENOMEM: "ENOMEM", EACCES: "EACCES", EFAULT: "EFAULT", EBUSY: "EBUSY",
	EEXIST: "EEXIST", ENOTDIR: "ENOTDIR", EISDIR: "EISDIR", EINVAL: "EINVAL",
	ENFILE: "ENFILE", EMFILE: "EMFILE", ENOTTY: "ENOTTY", ETXTBSY: "ETXTBSY",
	EFBIG: "EFBIG", ENOSPC: "ENOSPC", ESPIPE: "ESPIPE", EROFS: "EROFS",
	EMLINK: "EMLINK", EPIPE: "EPIPE", EXDEV: "EXDEV", ENAMETOOLONG: "ENAMETOOLONG",
	ENOSYS: "ENOSYS", ENOTEMPTY: "ENOTEMPTY", ELOOP: "ELOOP",
	ENODEV: "ENODEV", ECHILD: "ECHILD", EDEADLK: "EDEADLK",
	ENOMEDIUM: "ENOMEDIUM", ELIBBAD: "ELIBBAD", ELIBACC: "ELIBACC",
	EOPNOTSUPP: "EOPNOTSUPP", ECONNREFUSED: "ECONNREFUSED",
	EADDRINUSE: "EADDRINUSE", ERESTART: "ERESTART",
}

func (e Errno) Error() string {
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("errno %d", int(e))
}

// FromUnix maps a golang.org/x/sys/unix errno (as returned by the block
// driver's host-side syscalls, e.g. Getrlimit) onto our enumeration. Codes
// with no analogue in the fixed list above fall back to EIO, matching the
// teacher's policy of never letting an unrecognised host error escape
// unconverted (see gcsfuse's use of unix.Errno only to read, never surface,
// host error values).
func FromUnix(err error) Errno {
	if err == nil {
		return 0
	}
	errno, ok := err.(unix.Errno)
	if !ok {
		return EIO
	}
	switch errno {
	case unix.EPERM:
		return EPERM
	case unix.ENOENT:
		return ENOENT
	case unix.EACCES:
		return EACCES
	case unix.EEXIST:
		return EEXIST
	case unix.ENOSPC:
		return ENOSPC
	case unix.EINVAL:
		return EINVAL
	case unix.ENODEV:
		return ENODEV
	default:
		return EIO
	}
}
