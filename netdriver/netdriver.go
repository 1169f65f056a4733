// Package netdriver implements the VirtIO-net DriverCore variant: two
// VirtQueues (rx index 0, tx index 1) bridged to a single IoRing, per spec
// §4.4.5. Grounded on original_source/virtio/net/src/net.rs for the
// init/feature/MAC-read sequence, reusing blockdriver's queue-bridging
// mechanics per spec's "identical to block for per-queue mechanics."
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package netdriver

import (
	"github.com/glenda-project/drivers/capability"
	"github.com/glenda-project/drivers/dma"
	"github.com/glenda-project/drivers/driver"
	"github.com/glenda-project/drivers/internal/glerr"
	"github.com/glenda-project/drivers/internal/logtag"
	"github.com/glenda-project/drivers/ioring"
	"github.com/glenda-project/drivers/virtio/queue"
	"github.com/glenda-project/drivers/virtio/transport"
)

const (
	rxQueueIndex uint32 = 0
	txQueueIndex uint32 = 1
)

// netHeaderSize is the size of this driver's simplified virtio_net_hdr (no
// mergeable rx buffers): flags, gso_type, hdr_len, gso_size, csum_start —
// 8 bytes. csum_offset is not part of it.
const netHeaderSize = 8

// Feature bits the net driver explicitly disables, per spec §4.4.1 step 5:
// block's mandatory masks plus VIRTIO_NET_F_MRG_RXBUF.
const (
	featRingPacked  uint64 = 1 << 34
	featEventIdx    uint64 = 1 << 29
	featMrgRxBuf    uint64 = 1 << 15
)

type State = driver.State

const (
	Uninit   = driver.Uninit
	Armed    = driver.Armed
	Bufbound = driver.Bufbound
	Running  = driver.Running
	Failed   = driver.Failed
)

// Core bridges a VirtIO-net device's rx/tx VirtQueues and one IoRing.
type Core struct {
	state State

	transport *transport.Transport
	rx        *queue.VirtQueue
	tx        *queue.VirtQueue
	scratch   *dma.Region

	netHeaders []byte
	netPhys    uint64

	buffer    *driver.SharedBufferDescriptor
	ring      *ioring.Server
	rxInFlight *driver.InFlightTable
	txInFlight *driver.InFlightTable

	mac [6]byte

	log *logtag.Logger
}

// New constructs an unbrought-up Core.
func New(name string) *Core {
	return &Core{state: Uninit, log: logtag.New(name)}
}

// State returns the current lifecycle state.
func (c *Core) State() State {
	return c.state
}

// Init performs the VirtIO-net handshake (feature negotiation, MAC
// readout) and constructs both queues, per spec §4.4.1/§4.4.5.
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
	features &^= featEventIdx | featRingPacked | featMrgRxBuf
	t.SetDriverFeatures(features)
	t.AddStatus(transport.StatusFeaturesOK)
	if t.GetStatus()&transport.StatusFeaturesOK == 0 {
		c.state = Failed
		return glerr.New(glerr.DeviceError, "device rejected FEATURES_OK")
	}

	copy(c.mac[:], t.Config()[:6])

	c.scratch = dma.NewRegion(scratch, scratchVirt, scratchPhys, uint64(len(scratch)))

	headerArea := netHeaderSize * 2 * int(queueSize)
	headerAddr, err := c.scratch.Alloc(uint64(headerArea), 8)
	if err != nil {
		c.state = Failed
		return err
	}
	c.netHeaders, _ = c.scratch.Slice(headerAddr, uint64(headerArea))
	c.netPhys, _ = c.scratch.ToPhys(headerAddr, uint64(headerArea))

	rxLayout := queue.ComputeLayout(queueSize)
	rxAddr, err := c.scratch.Alloc(uint64(rxLayout.Size), 16)
	if err != nil {
		c.state = Failed
		return err
	}
	rxBuf, _ := c.scratch.Slice(rxAddr, uint64(rxLayout.Size))
	rxPhys, _ := c.scratch.ToPhys(rxAddr, uint64(rxLayout.Size))
	rx, err := queue.New(rxQueueIndex, queueSize, rxPhys, rxBuf)
	if err != nil {
		c.state = Failed
		return err
	}
	c.rx = rx
	c.rxInFlight = driver.NewInFlightTable(queueSize)
	t.SetupQueue(transport.QueueGeometry{
		Index: rxQueueIndex, Size: uint32(queueSize),
		DescPhys: rxPhys + uint64(rxLayout.DescOff), DriverPhys: rxPhys + uint64(rxLayout.AvailOff), DevicePhys: rxPhys + uint64(rxLayout.UsedOff),
	})

	txLayout := queue.ComputeLayout(queueSize)
	txAddr, err := c.scratch.Alloc(uint64(txLayout.Size), 16)
	if err != nil {
		c.state = Failed
		return err
	}
	txBuf, _ := c.scratch.Slice(txAddr, uint64(txLayout.Size))
	txPhys, _ := c.scratch.ToPhys(txAddr, uint64(txLayout.Size))
	tx, err := queue.New(txQueueIndex, queueSize, txPhys, txBuf)
	if err != nil {
		c.state = Failed
		return err
	}
	c.tx = tx
	c.txInFlight = driver.NewInFlightTable(queueSize)
	t.SetupQueue(transport.QueueGeometry{
		Index: txQueueIndex, Size: uint32(queueSize),
		DescPhys: txPhys + uint64(txLayout.DescOff), DriverPhys: txPhys + uint64(txLayout.AvailOff), DevicePhys: txPhys + uint64(txLayout.UsedOff),
	})

	t.AddStatus(transport.StatusDriverOK)

	c.state = Armed
	return nil
}

// SetupBuffer registers the client<->physical translation triple.
func (c *Core) SetupBuffer(clientVaddr, driverVaddr, physAddr, size uint64) error {
	if c.state != Armed && c.state != Bufbound && c.state != Running {
		return glerr.New(glerr.NotInitialized, "setup_buffer before init")
	}
	c.buffer = &driver.SharedBufferDescriptor{ClientVaddr: clientVaddr, DriverVaddr: driverVaddr, PhysAddr: physAddr, Size: size}
	if c.state == Armed {
		c.state = Bufbound
	}
	return nil
}

// SetupRing installs the IoRing server side, transitioning to Running.
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

// GetMAC returns the 6-byte station address read from the device config
// region during Init, per spec §6.
func (c *Core) GetMAC() [6]byte {
	return c.mac
}

func (c *Core) translate(addr uint64, length uint32) (uint64, error) {
	if c.buffer == nil {
		return addr, nil
	}
	if !c.buffer.Contains(addr, uint64(length)) {
		return 0, glerr.New(glerr.InvalidArgs, "address outside registered shared buffer")
	}
	return c.buffer.ToPhys(addr), nil
}

// DrainSubmissions routes READ opcodes to the rx queue and WRITE opcodes to
// the tx queue, per spec §4.4.5.
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
	var vq *queue.VirtQueue
	var inflight *driver.InFlightTable
	var isRX bool

	switch sqe.Opcode {
	case ioring.OpRead:
		vq, inflight, isRX = c.rx, c.rxInFlight, true
	case ioring.OpWrite:
		vq, inflight, isRX = c.tx, c.txInFlight, false
	default:
		return glerr.New(glerr.NotSupported, "unknown opcode")
	}

	dataPhys, err := c.translate(sqe.Addr, sqe.Len)
	if err != nil {
		return err
	}

	d1, ok := vq.AllocDesc()
	if !ok {
		return glerr.New(glerr.OutOfMemory, "no free descriptors")
	}
	d2, ok := vq.AllocDesc()
	if !ok {
		vq.FreeDesc(d1)
		return glerr.New(glerr.OutOfMemory, "no free descriptors")
	}

	base := 0
	if !isRX {
		base = int(c.rx.Size())
	}
	slot := base + int(d1)%int(vq.Size())
	hOff := slot * netHeaderSize
	for i := 0; i < netHeaderSize; i++ {
		c.netHeaders[hOff+i] = 0
	}
	hdrPaddr := c.netPhys + uint64(hOff)

	hdrFlags := queue.FlagNext
	dataFlags := uint16(0)
	if isRX {
		hdrFlags |= queue.FlagWrite
		dataFlags = queue.FlagWrite
	}

	vq.WriteDesc(d1, queue.Descriptor{Addr: hdrPaddr, Len: netHeaderSize, Flags: hdrFlags, Next: d2})
	vq.WriteDesc(d2, queue.Descriptor{Addr: dataPhys, Len: sqe.Len, Flags: dataFlags, Next: 0})

	vq.Submit(d1)
	if !inflight.Alloc(d1, sqe.UserData) {
		return glerr.New(glerr.OutOfMemory, "in-flight table slot occupied")
	}
	qidx := rxQueueIndex
	if !isRX {
		qidx = txQueueIndex
	}
	c.transport.NotifyQueue(qidx)

	return nil
}

func (c *Core) pollCompletions() {
	if !c.transport.InterruptAck() {
		return
	}
	c.drainQueue(c.rx, c.rxInFlight, true)
	c.drainQueue(c.tx, c.txInFlight, false)
}

// HandleInterrupt services an interrupt notification for either queue, per
// spec §9's read-status -> service -> write-ack -> ack-IRQ-cap ordering.
func (c *Core) HandleInterrupt() {
	if c.state != Running {
		return
	}
	bits := c.transport.InterruptStatus()
	if bits == 0 {
		return
	}
	c.drainQueue(c.rx, c.rxInFlight, true)
	c.drainQueue(c.tx, c.txInFlight, false)
	c.transport.Ack(bits)
	c.ring.Flush()
}

func (c *Core) drainQueue(vq *queue.VirtQueue, inflight *driver.InFlightTable, isRX bool) {
	for {
		id, usedLen, ok := vq.Pop()
		if !ok {
			break
		}
		entry, found := inflight.Take(id)
		if !found {
			continue
		}

		vq.FreeChain(entry.Head)

		var res int32
		if isRX {
			// RX completions carry the received length (the
			// header bytes are not part of the client's payload).
			res = int32(usedLen) - netHeaderSize
			if res < 0 {
				res = 0
			}
		} else {
			res = 0
		}
		c.ring.Complete(entry.UserData, res)
	}
}
