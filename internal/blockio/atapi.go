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

package blockio

import (
	"context"

	"github.com/mikaku/gofiwix/kerrno"
)

// ATAPI packet op codes, per spec.md §4.7's "12-byte SCSI-like packet
// commands" note. Only the subset an optical-drive-backed /dev entry needs
// to back mount(2)/eject-style ioctls is implemented.
const (
	OpTestUnitReady               = 0x00
	OpRequestSense                = 0x03
	OpRead10                      = 0x28
	OpStartStopUnit               = 0x1B
	OpPreventAllowMediumRemoval   = 0x1E
)

// SenseKey and additional-sense-code values REQUEST SENSE reports on error,
// the small subset spec.md §4.7 cares about: medium presence and write
// protection.
const (
	SenseNoSense     = 0x0
	SenseNotReady    = 0x2
	SenseUnitAtn     = 0x6 // media changed since last command
	ASCMediumNotPresent = 0x3A
	ASCWriteProtected   = 0x27
)

// Sense is the fixed-format sense data REQUEST SENSE returns, a trimmed
// rendition of the real 18-byte ATAPI sense buffer down to the two fields
// callers actually branch on.
type Sense struct {
	Key byte
	ASC byte
}

// Packet is a 12-byte ATAPI command packet, transported the way the real
// device transfers it: a fixed-size byte block handed to the channel ahead
// of (or instead of) a PIO data phase.
type Packet [12]byte

// ATAPIDevice layers the packet-command protocol on top of a Channel,
// modeling an optical drive: 2 KiB sectors, removable media, and a sense
// buffer that records the reason for the last failure, the way the real
// driver's atapi_request_sense() does.
type ATAPIDevice struct {
	ch *Channel

	mediumPresent bool
	locked        bool
	lastSense     Sense
}

// ATAPISectorSize is the fixed logical sector size ATAPI READ(10) transfers
// in, distinct from the channel's own BlockSize.
const ATAPISectorSize = 2048

// NewATAPIDevice wraps ch as an ATAPI packet device with medium initially
// present, matching a drive powered on with a disc already loaded.
func NewATAPIDevice(ch *Channel) *ATAPIDevice {
	return &ATAPIDevice{ch: ch, mediumPresent: true}
}

// Eject simulates removing the medium: subsequent commands fail
// NOT_READY/MEDIUM_NOT_PRESENT until InsertMedium is called, and the host
// should call Channel.HandleMediaChange to invalidate any cached blocks.
func (d *ATAPIDevice) Eject() error {
	if d.locked {
		return kerrno.EBUSY
	}
	d.mediumPresent = false
	d.lastSense = Sense{Key: SenseNotReady, ASC: ASCMediumNotPresent}
	return nil
}

// InsertMedium simulates loading a new disc; the next REQUEST SENSE after
// this reports SenseUnitAtn once, mirroring a real drive's unit-attention
// condition on media change. Other commands are not failed by it.
func (d *ATAPIDevice) InsertMedium() {
	d.mediumPresent = true
	d.lastSense = Sense{Key: SenseUnitAtn}
	d.ch.HandleMediaChange()
}

// Execute dispatches a 12-byte command packet. data carries the write
// payload for commands that transfer one (none of the ones implemented
// here do), and receives the read payload for OpRead10.
func (d *ATAPIDevice) Execute(ctx context.Context, p Packet, data []byte) error {
	op := p[0]

	if !d.mediumPresent && op != OpRequestSense && op != OpTestUnitReady {
		d.lastSense = Sense{Key: SenseNotReady, ASC: ASCMediumNotPresent}
		return kerrno.ENOMEDIUM
	}

	switch op {
	case OpTestUnitReady:
		if !d.mediumPresent {
			d.lastSense = Sense{Key: SenseNotReady, ASC: ASCMediumNotPresent}
			return kerrno.ENOMEDIUM
		}
		return nil

	case OpRequestSense:
		if len(data) < 1 {
			return kerrno.EINVAL
		}
		data[0] = d.lastSense.Key
		if len(data) > 1 {
			data[1] = d.lastSense.ASC
		}
		d.lastSense = Sense{}
		return nil

	case OpStartStopUnit:
		start := p[4]&0x01 != 0
		if !start {
			return d.Eject()
		}
		d.mediumPresent = true
		return nil

	case OpPreventAllowMediumRemoval:
		d.locked = p[4]&0x01 != 0
		return nil

	case OpRead10:
		lba := int64(p[2])<<24 | int64(p[3])<<16 | int64(p[4])<<8 | int64(p[5])
		count := int(p[7])<<8 | int(p[8])
		need := count * ATAPISectorSize
		if len(data) < need {
			return kerrno.EINVAL
		}
		blocksPerSector := ATAPISectorSize / d.ch.BlockSize()
		if blocksPerSector == 0 {
			blocksPerSector = 1
		}
		for i := 0; i < count; i++ {
			block := lba*int64(blocksPerSector) + int64(i*blocksPerSector)
			buf := data[i*ATAPISectorSize : (i+1)*ATAPISectorSize]
			if err := readSectorAcrossBlocks(ctx, d.ch, block, blocksPerSector, buf); err != nil {
				d.lastSense = Sense{Key: SenseNotReady}
				return err
			}
		}
		return nil

	default:
		return kerrno.ENOSYS
	}
}

// readSectorAcrossBlocks reads nBlocks consecutive channel blocks into buf,
// bridging the channel's native block size and ATAPI's fixed 2 KiB sector.
func readSectorAcrossBlocks(ctx context.Context, ch *Channel, startBlock int64, nBlocks int, buf []byte) error {
	bs := ch.BlockSize()
	for i := 0; i < nBlocks; i++ {
		if err := ch.ReadBlock(ctx, startBlock+int64(i), buf[i*bs:(i+1)*bs]); err != nil {
			return err
		}
	}
	return nil
}
