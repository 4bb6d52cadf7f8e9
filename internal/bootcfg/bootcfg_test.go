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

package bootcfg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mikaku/gofiwix/internal/bootcfg"
)

func TestParseSplitsInitArgsAfterSeparator(t *testing.T) {
	cfg := bootcfg.Parse("root=hda1 rootfstype=minix console=ttyS0 -- /sbin/init --single")
	assert.Equal(t, "hda1", cfg.Root)
	assert.Equal(t, "minix", cfg.RootFSType)
	assert.Equal(t, "ttyS0", cfg.Console)
	assert.Equal(t, []string{"/sbin/init", "--single"}, cfg.InitArgs)
}

func TestParseRamdiskOptions(t *testing.T) {
	cfg := bootcfg.Parse("noramdisk ramdisksize=4096 initrd=initrd.img")
	assert.True(t, cfg.NoRamdisk)
	assert.Equal(t, 4096, cfg.RamdiskSize)
	assert.Equal(t, "initrd.img", cfg.Initrd)
}

func TestParseClampsOversizedRamdisk(t *testing.T) {
	cfg := bootcfg.Parse("ramdisksize=999999999")
	assert.Equal(t, bootcfg.MaxRamdiskSize, cfg.RamdiskSize)
}
