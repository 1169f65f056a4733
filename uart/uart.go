// Package uart implements the NS16550A leaf character driver, kept as a
// small example of a ServerLoop client that has no I/O-ring path: every
// request is served synchronously against a register window. Grounded on
// usbarmory-tamago/board/qemu/microvm/uart.go and
// original_source/uart/ns16550a/src/ns16550a/mod.rs.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package uart

import "github.com/glenda-project/drivers/internal/mmio"

// Register offsets, per the NS16550A programming model.
const (
	offRBR = 0x00
	offTHR = 0x00
	offIER = 0x01
	offFCR = 0x02
	offLCR = 0x03
	offMCR = 0x04
	offLSR = 0x05
)

// Line Status Register bits.
const (
	lsrDataReady    = 1 << 0
	lsrXmitHoldEmpty = 1 << 5
)

// Device is a single NS16550A instance bound to a register window.
type Device struct {
	space *mmio.Space
}

// New wraps window as an NS16550A register space.
func New(window []byte) *Device {
	return &Device{space: mmio.NewSpace(window)}
}

// Init enables the FIFO and leaves baud-rate/line-control configuration to
// the caller (matching the teacher's minimal Init), since this is the
// ServerLoop's example client, not a bring-up-critical driver.
func (d *Device) Init() {
	d.space.Write8(offFCR, 0x07) // enable + clear FIFOs
}

// Tx transmits a single byte, spinning until the transmit holding register
// is empty.
func (d *Device) Tx(c byte) {
	for d.space.Read8(offLSR)&lsrXmitHoldEmpty == 0 {
	}
	d.space.Write8(offTHR, c)
}

// Rx returns the next received byte, if any is pending.
func (d *Device) Rx() (c byte, valid bool) {
	if d.space.Read8(offLSR)&lsrDataReady == 0 {
		return 0, false
	}
	return d.space.Read8(offRBR), true
}

// Write transmits buf in full.
func (d *Device) Write(buf []byte) (int, error) {
	for i, c := range buf {
		d.Tx(c)
		_ = i
	}
	return len(buf), nil
}

// Read drains as many pending bytes as are available, up to len(buf).
func (d *Device) Read(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		c, ok := d.Rx()
		if !ok {
			break
		}
		buf[n] = c
		n++
	}
	return n, nil
}
