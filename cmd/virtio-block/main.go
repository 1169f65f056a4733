// Command virtio-block is the VirtIO-block driver's process entry point,
// wiring the device-manager collaborator, the ServerLoop and a blockdriver
// Core together, grounded on original_source/virtio/block/src/main.rs's
// standard service layout (listen, discover, init, run).
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package main

import (
	"context"
	"encoding/binary"
	"os"

	"github.com/glenda-project/drivers/blockdriver"
	"github.com/glenda-project/drivers/capability"
	"github.com/glenda-project/drivers/devicemanager"
	"github.com/glenda-project/drivers/driver"
	"github.com/glenda-project/drivers/internal/logtag"
	"github.com/glenda-project/drivers/ioring"
	"github.com/glenda-project/drivers/protocol"
)

const (
	slotBase        = 0x2000
	defaultQueueSize = 128
	scratchPages    = 8
)

func main() {
	log := logtag.New("virtio-block")

	dm := devicemanager.New()

	// Discovery: a single VirtIO-MMIO window at logical index 0, per the
	// original source's DeviceNode{base_addr, size, irq}.
	mmioFrame, err := capability.NewFrame(0x1000_1000, 0x1000)
	if err != nil {
		log.Error("failed to acquire MMIO frame: %v", err)
		os.Exit(1)
	}
	mmioIdx := dm.AddMMIO(devicemanager.MMIORegion{Frame: mmioFrame, Paddr: 0x1000_1000, Size: 0x1000})
	irq := capability.NewIrqCap()
	irqIdx := dm.AddIRQ(irq)

	region, err := dm.GetMMIO(mmioIdx)
	if err != nil {
		log.Error("get_mmio failed: %v", err)
		os.Exit(1)
	}
	window, err := dm.Mmap(region.Frame, region.Size)
	if err != nil {
		log.Error("mmap failed: %v", err)
		os.Exit(1)
	}

	bootstrapVirtIOHeader(window)

	boundIRQ, err := dm.GetIRQ(irqIdx)
	if err != nil {
		log.Error("get_irq failed: %v", err)
		os.Exit(1)
	}

	_, scratchFrame, err := dm.DMAAlloc(scratchPages)
	if err != nil {
		log.Error("dma_alloc failed: %v", err)
		os.Exit(1)
	}
	scratch := scratchFrame.Map()

	core := blockdriver.New("virtio-block")
	if err := core.Init(window, scratch, 0, scratchFrame.Phys(), defaultQueueSize); err != nil {
		log.Error("init failed: %v", err)
		os.Exit(1)
	}

	dm.RegisterLogic(devicemanager.LogicDevice{Name: "virtio-block", Type: "block", Parent: "virtio-mmio"})

	endpoint := capability.NewEndpoint()
	loop := driver.NewServerLoop("virtio-block", endpoint, slotBase)
	loop.BindIRQ(boundIRQ, core.HandleInterrupt)

	registerBlockHandlers(loop, core)

	log.Info("driver initialized, serving requests")
	if err := loop.Run(context.Background()); err != nil {
		log.Error("server loop exited: %v", err)
		os.Exit(1)
	}
}

// bootstrapVirtIOHeader stamps a valid VirtIO-MMIO header into a freshly
// allocated frame, standing in for a real device backing this window. Test
// harnesses and scenario S2/S6 drive their own device model instead of
// this helper.
func bootstrapVirtIOHeader(window []byte) {
	binary.LittleEndian.PutUint32(window[0x00:], 0x74726976)
	binary.LittleEndian.PutUint32(window[0x04:], 2)
	binary.LittleEndian.PutUint32(window[0x08:], 2) // block device
}

func registerBlockHandlers(loop *driver.ServerLoop, core *blockdriver.Core) {
	loop.Register(protocol.Key{Protocol: protocol.Block, Label: protocol.LabelGetCapacity}, func(msg capability.Message) (capability.Message, error) {
		cap, err := core.GetCapacity()
		if err != nil {
			return capability.Message{}, err
		}
		return capability.Message{Words: [8]uint64{cap}}, nil
	})

	loop.Register(protocol.Key{Protocol: protocol.Block, Label: protocol.LabelGetBlockSize}, func(msg capability.Message) (capability.Message, error) {
		return capability.Message{Words: [8]uint64{uint64(core.GetBlockSize())}}, nil
	})

	loop.Register(protocol.Key{Protocol: protocol.Block, Label: protocol.LabelSetupBuffer}, func(msg capability.Message) (capability.Message, error) {
		clientVaddr, size, physAddr := msg.Words[1], msg.Words[2], msg.Words[3]
		var driverVaddr uint64
		if frame, ok := msg.Cap.(*capability.Frame); ok {
			driverVaddr = 0
			_ = frame
		}
		return capability.Message{}, core.SetupBuffer(clientVaddr, driverVaddr, physAddr, size)
	})

	loop.Register(protocol.Key{Protocol: protocol.Block, Label: protocol.LabelSetupRing}, func(msg capability.Message) (capability.Message, error) {
		sqEntries, cqEntries := uint32(msg.Words[1]), uint32(msg.Words[2])
		geometry := ioring.Geometry{SQEntries: sqEntries, CQEntries: cqEntries}
		frame, err := capability.NewFrame(0, geometry.Size())
		if err != nil {
			return capability.Message{}, err
		}
		server, err := ioring.NewServer(frame.Map(), geometry)
		if err != nil {
			return capability.Message{}, err
		}
		notifyEP, _ := msg.Cap.(*capability.Endpoint)
		if err := core.SetupRing(server, notifyEP, uint32(protocol.LabelKernelNotify)); err != nil {
			return capability.Message{}, err
		}
		return capability.Message{Cap: frame}, nil
	})

	loop.Register(protocol.Key{Protocol: protocol.Block, Label: protocol.LabelNotifySQ}, func(msg capability.Message) (capability.Message, error) {
		return capability.Message{}, core.DrainSubmissions()
	})
}
