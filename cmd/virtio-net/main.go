// Command virtio-net is the VirtIO-net driver's process entry point,
// mirroring cmd/virtio-block's wiring with the NET protocol's GET_MAC call
// in place of GET_CAPACITY/GET_BLOCK_SIZE, per spec §6.
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

	"github.com/glenda-project/drivers/capability"
	"github.com/glenda-project/drivers/devicemanager"
	"github.com/glenda-project/drivers/driver"
	"github.com/glenda-project/drivers/internal/logtag"
	"github.com/glenda-project/drivers/ioring"
	"github.com/glenda-project/drivers/netdriver"
	"github.com/glenda-project/drivers/protocol"
)

const (
	slotBase         = 0x3000
	defaultQueueSize = 64
	scratchPages     = 8
)

func main() {
	log := logtag.New("virtio-net")

	dm := devicemanager.New()

	mmioFrame, err := capability.NewFrame(0x1000_2000, 0x1000)
	if err != nil {
		log.Error("failed to acquire MMIO frame: %v", err)
		os.Exit(1)
	}
	mmioIdx := dm.AddMMIO(devicemanager.MMIORegion{Frame: mmioFrame, Paddr: 0x1000_2000, Size: 0x1000})
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

	binary.LittleEndian.PutUint32(window[0x00:], 0x74726976)
	binary.LittleEndian.PutUint32(window[0x04:], 2)
	binary.LittleEndian.PutUint32(window[0x08:], 1) // net device

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

	core := netdriver.New("virtio-net")
	if err := core.Init(window, scratchFrame.Map(), 0, scratchFrame.Phys(), defaultQueueSize); err != nil {
		log.Error("init failed: %v", err)
		os.Exit(1)
	}

	dm.RegisterLogic(devicemanager.LogicDevice{Name: "virtio-net", Type: "net", Parent: "virtio-mmio"})

	endpoint := capability.NewEndpoint()
	loop := driver.NewServerLoop("virtio-net", endpoint, slotBase)
	loop.BindIRQ(boundIRQ, core.HandleInterrupt)

	loop.Register(protocol.Key{Protocol: protocol.Net, Label: protocol.LabelGetMAC}, func(msg capability.Message) (capability.Message, error) {
		mac := core.GetMAC()
		var words [8]uint64
		for i, b := range mac {
			words[0] |= uint64(b) << (8 * i)
		}
		return capability.Message{Words: words}, nil
	})

	loop.Register(protocol.Key{Protocol: protocol.Net, Label: protocol.LabelSetupBuffer}, func(msg capability.Message) (capability.Message, error) {
		clientVaddr, size, physAddr := msg.Words[1], msg.Words[2], msg.Words[3]
		return capability.Message{}, core.SetupBuffer(clientVaddr, 0, physAddr, size)
	})

	loop.Register(protocol.Key{Protocol: protocol.Net, Label: protocol.LabelSetupRing}, func(msg capability.Message) (capability.Message, error) {
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

	loop.Register(protocol.Key{Protocol: protocol.Net, Label: protocol.LabelNotifySQ}, func(msg capability.Message) (capability.Message, error) {
		return capability.Message{}, core.DrainSubmissions()
	})

	log.Info("driver initialized, serving requests")
	if err := loop.Run(context.Background()); err != nil {
		log.Error("server loop exited: %v", err)
		os.Exit(1)
	}
}
