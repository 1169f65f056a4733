// Package rtc implements the Goldfish real-time clock leaf driver example,
// memory-mapped like the rest of this module's devices (unlike
// usbarmory-tamago's port-I/O MC146818A RTC). Grounded on
// original_source/timer/goldfish-rtc/src/rtc.rs, reusing the teacher's
// volatile-register idiom from usbarmory-tamago/board/qemu/microvm/rtc.go.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package rtc

import (
	"time"

	"github.com/glenda-project/drivers/internal/mmio"
)

const (
	offTimeLow        = 0x00
	offTimeHigh       = 0x04
	offAlarmLow       = 0x08
	offAlarmHigh      = 0x0C
	offIRQEnabled     = 0x10
	offClearAlarm     = 0x14
	offAlarmStatus    = 0x18
	offClearInterrupt = 0x1C
	offSetTimeLow     = 0x20
	offSetTimeHigh    = 0x24
)

// Device is a single Goldfish-RTC instance bound to a register window.
type Device struct {
	space *mmio.Space
}

// New wraps window as a Goldfish-RTC register space.
func New(window []byte) *Device {
	return &Device{space: mmio.NewSpace(window)}
}

// AckInterrupt clears the pending alarm interrupt.
func (d *Device) AckInterrupt() {
	d.space.Write32(offClearInterrupt, 1)
}

// AlarmTriggered reports whether the alarm has fired.
func (d *Device) AlarmTriggered() bool {
	return d.space.Read32(offAlarmStatus) != 0
}

// Now returns the current wall-clock time in loc, read from the device's
// nanosecond counter.
func (d *Device) Now(loc *time.Location) time.Time {
	low := uint64(d.space.Read32(offTimeLow))
	high := uint64(d.space.Read32(offTimeHigh))
	nanos := int64(high<<32 | low)
	return time.Unix(0, nanos).In(loc)
}

// SetTime programs the device's counter from t.
func (d *Device) SetTime(t time.Time) {
	nanos := uint64(t.UnixNano())
	d.space.Write32(offSetTimeLow, uint32(nanos))
	d.space.Write32(offSetTimeHigh, uint32(nanos>>32))
}

// SetAlarm arms the alarm for t and enables its interrupt.
func (d *Device) SetAlarm(t time.Time) {
	nanos := uint64(t.UnixNano())
	d.space.Write32(offAlarmLow, uint32(nanos))
	d.space.Write32(offAlarmHigh, uint32(nanos>>32))
	d.space.Write32(offIRQEnabled, 1)
}

// StopAlarm disables and clears the armed alarm.
func (d *Device) StopAlarm() {
	d.space.Write32(offIRQEnabled, 0)
	d.space.Write32(offClearAlarm, 1)
}
