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

// Package bootcfg parses the Multiboot-style kernel command line of
// spec.md §9, grounded on cmd/root.go's flag-parsing entrypoint: a flat
// token scan into a plain struct, rather than a generic flag.FlagSet, since
// the kernel command line's grammar (bare tokens, key=value pairs, and a
// literal "--" separator before init's own argv) doesn't fit flag.FlagSet's
// model.
package bootcfg

import "strings"

// MaxRamdiskSize bounds ramdisksize= to a sane upper limit (512 MiB, in
// KiB), the same clamp-don't-fail policy the original applies to
// command-line-supplied sizes it cannot otherwise validate against
// available memory this early in boot.
const MaxRamdiskSize = 512 * 1024

// Config is the parsed boot command line.
type Config struct {
	Root         string // root= device name, e.g. "hda1"
	RootFSType   string // rootfstype=
	NoRamdisk    bool   // noramdisk
	RamdiskSize  int    // ramdisksize= in KiB, 0 if unset
	Initrd       string // initrd=
	Console      string // console=
	InitArgs     []string // argv passed to the init process after "--"
}

// Parse tokenizes a Multiboot-style command line (space-separated, with an
// optional "--" separator before the arguments init itself receives).
func Parse(cmdline string) Config {
	var cfg Config
	fields := strings.Fields(cmdline)

	for i, f := range fields {
		if f == "--" {
			cfg.InitArgs = append([]string(nil), fields[i+1:]...)
			break
		}

		switch {
		case f == "noramdisk":
			cfg.NoRamdisk = true
		case strings.HasPrefix(f, "root="):
			cfg.Root = strings.TrimPrefix(f, "root=")
		case strings.HasPrefix(f, "rootfstype="):
			cfg.RootFSType = strings.TrimPrefix(f, "rootfstype=")
		case strings.HasPrefix(f, "ramdisksize="):
			cfg.RamdiskSize = atoiOrZero(strings.TrimPrefix(f, "ramdisksize="))
		case strings.HasPrefix(f, "initrd="):
			cfg.Initrd = strings.TrimPrefix(f, "initrd=")
		case strings.HasPrefix(f, "console="):
			cfg.Console = strings.TrimPrefix(f, "console=")
		}
	}
	if cfg.RamdiskSize > MaxRamdiskSize {
		cfg.RamdiskSize = MaxRamdiskSize
	}
	return cfg
}

func atoiOrZero(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
