// Package protocol enumerates the (protocol, label) pairs ServerLoop
// dispatches on, per spec §6's external interfaces table and §4.5's
// dispatch-table discipline.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package protocol

// ID identifies a protocol family. Used together with a Label to key the
// ServerLoop's dispatch table.
type ID uint32

const (
	// Block is the BLOCK protocol: GET_CAPACITY, GET_BLOCK_SIZE,
	// SETUP_BUFFER, SETUP_RING, NOTIFY_SQ.
	Block ID = iota
	// Net is the NET protocol: GET_MAC, SETUP_BUFFER, SETUP_RING,
	// NOTIFY_SQ.
	Net
	// Kernel is the KERNEL protocol: NOTIFY, delivered when a bound IRQ
	// fires (no reply).
	Kernel
	// Generic carries leaf-driver protocols (UART, GPIO, RTC) that are
	// not part of the I/O-ring core but share the same ServerLoop.
	Generic
)

// Label identifies a method within a protocol.
type Label uint32

// BLOCK protocol labels.
const (
	LabelGetCapacity Label = iota
	LabelGetBlockSize
	LabelSetupBuffer
	LabelSetupRing
	LabelNotifySQ
)

// NET protocol labels (SetupBuffer/SetupRing/NotifySQ are shared with
// BLOCK's numbering above; GetMac replaces GetCapacity/GetBlockSize).
const (
	LabelGetMAC Label = iota + 16
)

// KERNEL protocol label.
const (
	LabelKernelNotify Label = 0
)

// GENERIC protocol labels, shared by the leaf drivers.
const (
	LabelUARTWrite Label = iota + 32
	LabelUARTRead
	LabelGPIOSetMode
	LabelGPIORead
	LabelGPIOWrite
	LabelRTCNow
)

// Key is the dispatch-table key: a (protocol, label) pair.
type Key struct {
	Protocol ID
	Label    Label
}
