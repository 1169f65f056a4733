// Package blockdriver implements the VirtIO-block DriverCore variant,
// bridging one IoRing (client side) to one VirtQueue (device side), per
// spec §4.4.1-§4.4.3. Grounded on
// original_source/virtio/block/src/{blk,driver,server}.rs.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package blockdriver

import (
	"encoding/binary"

	"github.com/glenda-project/drivers/capability"
	"github.com/glenda-project/drivers/dma"
	"github.com/glenda-project/drivers/driver"
	"github.com/glenda-project/drivers/internal/glerr"
	"github.com/glenda-project/drivers/internal/logtag"
	"github.com/glenda-project/drivers/ioring"
	"github.com/glenda-project/drivers/virtio/queue"
	"github.com/glenda-project/drivers/virtio/transport"
)

// VirtIO-block request types and status bytes, per spec §6.
const (
	ReqTypeIn    uint32 = 0
	ReqTypeOut   uint32 = 1
	ReqTypeFlush uint32 = 4

	StatusOK     uint8 = 0
	StatusIOErr  uint8 = 1
	StatusUnsupp uint8 = 2
)

// Feature bits the block driver explicitly disables, per spec §4.4.1 step 5
// and §9's feature-masking design note.
const (
	featRingPacked uint64 = 1 << 34
	featEventIdx   uint64 = 1 << 29
)

// sectorSize is the VirtIO-block device sector size, fixed per spec §9's
// open-question resolution; it is independent of the logical block size
// returned by GetBlockSize.
const sectorSize = 512

// logicalBlockSize is the driver-configurable value GetBlockSize reports.
const logicalBlockSize = 4096

const reqHeaderSize = 16 // type:u32, reserved:u32, sector:u64, padded to 16

// Core bridges one VirtIO-block device's IoRing and VirtQueue, implementing
// the DriverCore contract of spec §4.4.
type Core struct {
	state State

	transport *transport.Transport
	vq        *queue.VirtQueue
	scratch   *dma.Region

	reqHeaders []byte
	statusByte []byte
	reqPhys    uint64
	statusPhys uint64
	queueSize  uint16

	buffer   *driver.SharedBufferDescriptor
	ring     *ioring.Server
	inflight *driver.InFlightTable

	// pendingLen records the requested transfer length per in-flight
	// head descriptor, so the completion path can report a byte count
	// in the CQE (spec S1 expects res == length on success, not a bare
	// 0/1 status code).
	pendingLen map[uint16]uint32

	log *logtag.Logger
}

// State re-exports driver.State so callers only import one package for the
// lifecycle enum.
type State = driver.State

const (
	Uninit   = driver.Uninit
	Armed    = driver.Armed
	Bufbound = driver.Bufbound
	Running  = driver.Running
	Failed   = driver.Failed
)

// New constructs an unbrought-up Core. Call Init to perform the VirtIO
// handshake, per spec §4.4.1.
func New(name string) *Core {
	return &Core{state: Uninit, pendingLen: make(map[uint16]uint32), log: logtag.New(name)}
}

// State returns the current lifecycle state.
func (c *Core) State() State {
	return c.state
}

// Init performs the full VirtIO-MMIO handshake and queue construction, per
// spec §4.4.1 steps 3-9 (steps 1-2/10, MMIO/IRQ/device-manager acquisition,
// are the ServerLoop's and cmd entrypoint's responsibility). window is the
// mapped register space; scratch is a pre-allocated DMA region sized for
// the request-header array, status-byte array and the queue's backing
// memory, with scratchPhys its physical base.
func (c *Core) Init(window []byte, scratch []byte, scratchVirt, scratchPhys uint64, queueSize uint16) error {
	t, err := transport.New(window)
	if err != nil {
		c.state = Failed
		return err
	}
	c.transport = t

	t.SetStatus(0)
	t.AddStatus(transport.StatusAcknowledge | transport.StatusDriver)

	features := t.DeviceFeatures()
	features &^= featEventIdx | featRingPacked
	t.SetDriverFeatures(features)
	t.AddStatus(transport.StatusFeaturesOK)
	if t.GetStatus()&transport.StatusFeaturesOK == 0 {
		c.state = Failed
		return glerr.New(glerr.DeviceError, "device rejected FEATURES_OK")
	}

	c.scratch = dma.NewRegion(scratch, scratchVirt, scratchPhys, uint64(len(scratch)))
	c.queueSize = queueSize

	headerArea := reqHeaderSize * int(queueSize)
	statusArea := int(queueSize)
	headerAddr, err := c.scratch.Alloc(uint64(headerArea), 8)
	if err != nil {
		c.state = Failed
		return err
	}
	statusAddr, err := c.scratch.Alloc(uint64(statusArea), 1)
	if err != nil {
		c.state = Failed
		return err
	}
	c.reqHeaders, _ = c.scratch.Slice(headerAddr, uint64(headerArea))
	c.statusByte, _ = c.scratch.Slice(statusAddr, uint64(statusArea))
	c.reqPhys, _ = c.scratch.ToPhys(headerAddr, uint64(headerArea))
	c.statusPhys, _ = c.scratch.ToPhys(statusAddr, uint64(statusArea))

	qLayout := queue.ComputeLayout(queueSize)
	qAddr, err := c.scratch.Alloc(uint64(qLayout.Size), 16)
	if err != nil {
		c.state = Failed
		return err
	}
	qBuf, _ := c.scratch.Slice(qAddr, uint64(qLayout.Size))
	qPhys, _ := c.scratch.ToPhys(qAddr, uint64(qLayout.Size))

	vq, err := queue.New(0, queueSize, qPhys, qBuf)
	if err != nil {
		c.state = Failed
		return err
	}
	c.vq = vq
	c.inflight = driver.NewInFlightTable(queueSize)

	t.SetupQueue(transport.QueueGeometry{
		Index:      0,
		Size:       uint32(queueSize),
		DescPhys:   qPhys + uint64(qLayout.DescOff),
		DriverPhys: qPhys + uint64(qLayout.AvailOff),
		DevicePhys: qPhys + uint64(qLayout.UsedOff),
	})

	t.AddStatus(transport.StatusDriverOK)

	c.state = Armed
	return nil
}

// SetupBuffer registers the client<->physical translation triple, per spec
// §4.4.2. Transitions Armed/Bufbound -> Bufbound.
func (c *Core) SetupBuffer(clientVaddr, driverVaddr, physAddr, size uint64) error {
	if c.state != Armed && c.state != Bufbound && c.state != Running {
		return glerr.New(glerr.NotInitialized, "setup_buffer before init")
	}
	c.buffer = &driver.SharedBufferDescriptor{
		ClientVaddr: clientVaddr,
		DriverVaddr: driverVaddr,
		PhysAddr:    physAddr,
		Size:        size,
	}
	if c.state == Armed {
		c.state = Bufbound
	}
	return nil
}

// SetupRing installs the IoRing server side and its client-notification
// endpoint, transitioning to Running, per spec §4.4.6.
func (c *Core) SetupRing(ring *ioring.Server, notifyEP *capability.Endpoint, notifyLabel uint32) error {
	if c.state != Armed && c.state != Bufbound {
		return glerr.New(glerr.NotInitialized, "setup_ring before init")
	}
	ring.SetClientNotify(notifyEP)
	ring.SetNotifyTag(notifyLabel)
	c.ring = ring
	c.state = Running
	return nil
}

// GetCapacity reads the device-specific config region's first 8 bytes as a
// little-endian u64, per spec §6.
func (c *Core) GetCapacity() (uint64, error) {
	if c.transport == nil {
		return 0, glerr.New(glerr.NotInitialized, "not initialized")
	}
	return binary.LittleEndian.Uint64(c.transport.Config()[:8]), nil
}

// GetBlockSize returns the driver-configurable logical block size,
// independent of the fixed 512-byte device sector size per spec §9.
func (c *Core) GetBlockSize() uint32 {
	return logicalBlockSize
}

func (c *Core) translate(addr uint64, length uint32) (uint64, error) {
	if c.buffer == nil {
		// Fallback mode for trusted in-process clients: addr is
		// already a physical address, per spec §4.4.2.
		return addr, nil
	}
	if !c.buffer.Contains(addr, uint64(length)) {
		return 0, glerr.New(glerr.InvalidArgs, "address outside registered shared buffer")
	}
	return c.buffer.ToPhys(addr), nil
}

// DrainSubmissions processes every pending SQE, per spec §4.4.2's
// submission loop, then polls the used ring once, per §9's
// polling-after-submit requirement. Call on a NOTIFY_SQ IPC or a direct
// submission-side wakeup.
func (c *Core) DrainSubmissions() error {
	if c.state != Running {
		return glerr.New(glerr.NotInitialized, "request before running")
	}

	for {
		sqe, ok := c.ring.NextRequest()
		if !ok {
			break
		}
		if err := c.submitOne(sqe); err != nil {
			c.ring.Complete(sqe.UserData, glerr.CQEResult(err))
		}
	}

	c.pollCompletions()
	c.ring.Flush()
	return nil
}

func (c *Core) submitOne(sqe ioring.SQE) error {
	var virtioType uint32
	var isRead bool
	switch sqe.Opcode {
	case ioring.OpRead:
		virtioType, isRead = ReqTypeIn, true
	case ioring.OpWrite:
		virtioType, isRead = ReqTypeOut, false
	case ioring.OpSync:
		virtioType, isRead = ReqTypeFlush, false
	default:
		return glerr.New(glerr.NotSupported, "unknown opcode")
	}

	dataPhys, err := c.translate(sqe.Addr, sqe.Len)
	if err != nil {
		return err
	}

	d1, ok := c.vq.AllocDesc()
	if !ok {
		return glerr.New(glerr.OutOfMemory, "no free descriptors")
	}
	d2, ok := c.vq.AllocDesc()
	if !ok {
		c.vq.FreeDesc(d1)
		return glerr.New(glerr.OutOfMemory, "no free descriptors")
	}
	d3, ok := c.vq.AllocDesc()
	if !ok {
		c.vq.FreeDesc(d1)
		c.vq.FreeDesc(d2)
		return glerr.New(glerr.OutOfMemory, "no free descriptors")
	}

	reqSlot := int(d1) % int(c.queueSize)
	hOff := reqSlot * reqHeaderSize
	binary.LittleEndian.PutUint32(c.reqHeaders[hOff:], virtioType)
	binary.LittleEndian.PutUint32(c.reqHeaders[hOff+4:], 0)
	binary.LittleEndian.PutUint64(c.reqHeaders[hOff+8:], sqe.Off/sectorSize)
	c.statusByte[reqSlot] = 0xFF

	reqPaddr := c.reqPhys + uint64(hOff)
	statusPaddr := c.statusPhys + uint64(reqSlot)

	dataFlags := queue.FlagNext
	if isRead {
		dataFlags |= queue.FlagWrite
	}

	c.vq.WriteDesc(d1, queue.Descriptor{Addr: reqPaddr, Len: reqHeaderSize, Flags: queue.FlagNext, Next: d2})
	c.vq.WriteDesc(d2, queue.Descriptor{Addr: dataPhys, Len: sqe.Len, Flags: dataFlags, Next: d3})
	c.vq.WriteDesc(d3, queue.Descriptor{Addr: statusPaddr, Len: 1, Flags: queue.FlagWrite, Next: 0})

	c.vq.Submit(d1)
	if !c.inflight.Alloc(d1, sqe.UserData) {
		return glerr.New(glerr.OutOfMemory, "in-flight table slot occupied")
	}
	c.transport.NotifyQueue(c.vq.Index)
	c.pendingLen[d1] = sqe.Len

	return nil
}

func (c *Core) pollCompletions() {
	if !c.transport.InterruptAck() {
		return
	}
	c.drainUsed()
}

// HandleInterrupt services an interrupt notification, per spec §4.4.3 and
// §9's read-status -> service -> write-ack -> ack-IRQ-cap ordering.
func (c *Core) HandleInterrupt() {
	if c.state != Running {
		return
	}
	bits := c.transport.InterruptStatus()
	if bits == 0 {
		return // spurious
	}
	c.drainUsed()
	c.transport.Ack(bits)
	c.ring.Flush()
}

func (c *Core) drainUsed() {
	for {
		id, _, ok := c.vq.Pop()
		if !ok {
			break
		}
		entry, found := c.inflight.Take(id)
		if !found {
			continue // device bug: no matching in-flight entry
		}

		reqSlot := int(entry.Head) % int(c.queueSize)
		status := c.statusByte[reqSlot]
		length := c.pendingLen[entry.Head]
		delete(c.pendingLen, entry.Head)

		c.vq.FreeChain(entry.Head)

		var res int32
		if status == StatusOK {
			res = int32(length)
		} else {
			res = -1
		}
		c.ring.Complete(entry.UserData, res)
	}
}
