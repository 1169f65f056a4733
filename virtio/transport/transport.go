// Package transport implements register-level access to a VirtIO-MMIO
// device window (modern layout only), grounded on
// usbarmory-tamago/virtio/virtio.go's register-offset table and generalized
// to the full operation set spec §4.1 requires: feature negotiation,
// per-queue setup, notification and interrupt acknowledgement.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package transport

import (
	"github.com/glenda-project/drivers/internal/glerr"
	"github.com/glenda-project/drivers/internal/mmio"
)

// Magic is the required value of the magic register ("virt" in ASCII,
// little-endian).
const Magic = 0x74726976

// ModernVersion is the only version this transport accepts; the legacy
// layout is explicitly unsupported per spec §4.1.
const ModernVersion = 2

// Register offsets, per spec §6's VirtIO-MMIO register layout table.
const (
	offMagic           = 0x00
	offVersion         = 0x04
	offDeviceID        = 0x08
	offDeviceFeatures  = 0x10
	offDeviceFeatSel   = 0x14
	offDriverFeatures  = 0x20
	offDriverFeatSel   = 0x24
	offQueueSel        = 0x30
	offQueueNumMax     = 0x34
	offQueueNum        = 0x38
	offQueueReady      = 0x44
	offQueueNotify     = 0x50
	offInterruptStatus = 0x60
	offInterruptAck    = 0x64
	offStatus          = 0x70
	offQueueDescLow    = 0x80
	offQueueDescHigh   = 0x84
	offQueueDriverLow  = 0x90
	offQueueDriverHigh = 0x94
	offQueueDeviceLow  = 0xA0
	offQueueDeviceHigh = 0xA4
	offConfig          = 0x100
)

// Status register bits making up the VirtIO handshake.
const (
	StatusAcknowledge uint32 = 1 << 0
	StatusDriver      uint32 = 1 << 1
	StatusDriverOK    uint32 = 1 << 2
	StatusFeaturesOK  uint32 = 1 << 3
	StatusFailed      uint32 = 1 << 7
)

// QueueGeometry carries the physical addresses a setup_queue call writes
// into the device, derived from a constructed VirtQueue.
type QueueGeometry struct {
	Index      uint32
	Size       uint32
	DescPhys   uint64
	DriverPhys uint64
	DevicePhys uint64
}

// Transport owns exactly-once volatile access to one VirtIO-MMIO register
// window.
type Transport struct {
	space *mmio.Space
}

// New constructs a Transport over the given register window, verifying
// magic and version per spec §4.1. Any mismatch returns DeviceNotFound /
// InvalidHeader, which is fatal during driver initialization.
func New(window []byte) (*Transport, error) {
	if len(window) < offConfig {
		return nil, glerr.New(glerr.DeviceNotFound, "register window too small")
	}

	t := &Transport{space: mmio.NewSpace(window)}

	if t.space.Read32(offMagic) != Magic {
		return nil, glerr.New(glerr.DeviceNotFound, "bad VirtIO magic")
	}
	if t.space.Read32(offVersion) != ModernVersion {
		return nil, glerr.New(glerr.InvalidHeader, "unsupported VirtIO transport version")
	}

	return t, nil
}

// ReadDeviceID returns the device category; 0 means a placeholder slot.
func (t *Transport) ReadDeviceID() uint32 {
	return t.space.Read32(offDeviceID)
}

// GetStatus returns the current status register value.
func (t *Transport) GetStatus() uint32 {
	return t.space.Read32(offStatus)
}

// SetStatus overwrites the status register.
func (t *Transport) SetStatus(v uint32) {
	t.space.Write32(offStatus, v)
	mmio.Fence()
}

// AddStatus ORs bits into the status register, advancing the VirtIO
// handshake (ACKNOWLEDGE -> DRIVER -> FEATURES_OK -> DRIVER_OK).
func (t *Transport) AddStatus(bits uint32) {
	t.SetStatus(t.GetStatus() | bits)
}

// DeviceFeatures reads the full 64-bit device feature vector via the
// low/high selector registers.
func (t *Transport) DeviceFeatures() uint64 {
	t.space.Write32(offDeviceFeatSel, 0)
	lo := t.space.Read32(offDeviceFeatures)
	t.space.Write32(offDeviceFeatSel, 1)
	hi := t.space.Read32(offDeviceFeatures)
	return uint64(hi)<<32 | uint64(lo)
}

// SetDriverFeatures writes the negotiated 64-bit feature vector via the
// low/high selector registers.
func (t *Transport) SetDriverFeatures(f uint64) {
	t.space.Write32(offDriverFeatSel, 0)
	t.space.Write32(offDriverFeatures, uint32(f))
	t.space.Write32(offDriverFeatSel, 1)
	t.space.Write32(offDriverFeatures, uint32(f>>32))
	mmio.Fence()
}

// MaxQueueSize selects queue idx and returns the device-reported maximum
// size for it.
func (t *Transport) MaxQueueSize(idx uint32) uint32 {
	t.space.Write32(offQueueSel, idx)
	return t.space.Read32(offQueueNumMax)
}

// SetupQueue writes queue size and the three ring physical addresses for
// g.Index, then asserts queue-ready, per spec §4.1.
func (t *Transport) SetupQueue(g QueueGeometry) {
	t.space.Write32(offQueueSel, g.Index)
	t.space.Write32(offQueueNum, g.Size)
	t.space.Write32(offQueueDescLow, uint32(g.DescPhys))
	t.space.Write32(offQueueDescHigh, uint32(g.DescPhys>>32))
	t.space.Write32(offQueueDriverLow, uint32(g.DriverPhys))
	t.space.Write32(offQueueDriverHigh, uint32(g.DriverPhys>>32))
	t.space.Write32(offQueueDeviceLow, uint32(g.DevicePhys))
	t.space.Write32(offQueueDeviceHigh, uint32(g.DevicePhys>>32))
	mmio.Fence()
	t.space.Write32(offQueueReady, 1)
}

// NotifyQueue writes idx to the notify register. Callers MUST have
// published all descriptor and avail-ring writes (a write fence) before
// calling this, per spec §4.1 and §5's ordering guarantees.
func (t *Transport) NotifyQueue(idx uint32) {
	mmio.Fence()
	t.space.Write32(offQueueNotify, idx)
}

// InterruptStatus reads the interrupt-status register without acknowledging
// anything. Together with Ack it implements "read status, then service,
// then write ack" split across two calls: InterruptStatus here, Ack after
// the used ring has been serviced.
func (t *Transport) InterruptStatus() uint32 {
	return t.space.Read32(offInterruptStatus)
}

// Ack writes bits back to interrupt-ack, completing the acknowledgement
// sequence for the bits previously read by InterruptStatus.
func (t *Transport) Ack(bits uint32) {
	t.space.Write32(offInterruptAck, bits)
	mmio.Fence()
}

// InterruptAck performs the full read-then-ack sequence in one call,
// returning true if any interrupt bits were set. Provided for callers (e.g.
// RAM-disk-style synchronous polling) that do not need to separate the two
// steps across a service window.
func (t *Transport) InterruptAck() bool {
	bits := t.InterruptStatus()
	if bits == 0 {
		return false
	}
	t.Ack(bits)
	return true
}

// Config returns the device-specific configuration region, starting at
// offset 0x100.
func (t *Transport) Config() []byte {
	return t.space.Bytes()[offConfig:]
}
