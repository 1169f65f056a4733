// Command ramdisk is the RAM-disk driver's process entry point, grounded
// on original_source/sys/ramdisk/src/main.rs's standard service layout:
// acquire a backing MMIO region, wrap it as a Ramdisk, register with the
// device manager, serve BLOCK protocol calls.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package main

import (
	"context"
	"os"

	"github.com/glenda-project/drivers/capability"
	"github.com/glenda-project/drivers/devicemanager"
	"github.com/glenda-project/drivers/driver"
	"github.com/glenda-project/drivers/internal/logtag"
	"github.com/glenda-project/drivers/ioring"
	"github.com/glenda-project/drivers/protocol"
	"github.com/glenda-project/drivers/ramdisk"
)

const (
	slotBase   = 0x4000
	backingMiB = 4
)

func main() {
	log := logtag.New("ramdisk")

	dm := devicemanager.New()

	size := uint64(backingMiB) << 20
	frame, err := capability.NewFrame(0x2000_0000, size)
	if err != nil {
		log.Error("failed to acquire backing store: %v", err)
		os.Exit(1)
	}
	idx := dm.AddMMIO(devicemanager.MMIORegion{Frame: frame, Paddr: 0x2000_0000, Size: size})

	region, err := dm.GetMMIO(idx)
	if err != nil {
		log.Error("get_mmio failed: %v", err)
		os.Exit(1)
	}
	data, err := dm.Mmap(region.Frame, region.Size)
	if err != nil {
		log.Error("mmap failed: %v", err)
		os.Exit(1)
	}

	core := ramdisk.New("ramdisk", data)
	dm.RegisterLogic(devicemanager.LogicDevice{Name: "ramdisk", Type: "block"})

	var clientMem []byte

	endpoint := capability.NewEndpoint()
	loop := driver.NewServerLoop("ramdisk", endpoint, slotBase)

	loop.Register(protocol.Key{Protocol: protocol.Block, Label: protocol.LabelGetCapacity}, func(msg capability.Message) (capability.Message, error) {
		return capability.Message{Words: [8]uint64{core.GetCapacity()}}, nil
	})

	loop.Register(protocol.Key{Protocol: protocol.Block, Label: protocol.LabelGetBlockSize}, func(msg capability.Message) (capability.Message, error) {
		return capability.Message{Words: [8]uint64{uint64(core.GetBlockSize())}}, nil
	})

	loop.Register(protocol.Key{Protocol: protocol.Block, Label: protocol.LabelSetupBuffer}, func(msg capability.Message) (capability.Message, error) {
		clientVaddr, size, physAddr := msg.Words[1], msg.Words[2], msg.Words[3]
		if frame, ok := msg.Cap.(*capability.Frame); ok {
			clientMem = frame.Map()
		}
		return capability.Message{}, core.SetupBuffer(clientVaddr, clientVaddr, physAddr, size)
	})

	loop.Register(protocol.Key{Protocol: protocol.Block, Label: protocol.LabelSetupRing}, func(msg capability.Message) (capability.Message, error) {
		sqEntries, cqEntries := uint32(msg.Words[1]), uint32(msg.Words[2])
		geometry := ioring.Geometry{SQEntries: sqEntries, CQEntries: cqEntries}
		ringFrame, err := capability.NewFrame(0, geometry.Size())
		if err != nil {
			return capability.Message{}, err
		}
		server, err := ioring.NewServer(ringFrame.Map(), geometry)
		if err != nil {
			return capability.Message{}, err
		}
		notifyEP, _ := msg.Cap.(*capability.Endpoint)
		if err := core.SetupRing(server, notifyEP, uint32(protocol.LabelKernelNotify)); err != nil {
			return capability.Message{}, err
		}
		return capability.Message{Cap: ringFrame}, nil
	})

	loop.Register(protocol.Key{Protocol: protocol.Block, Label: protocol.LabelNotifySQ}, func(msg capability.Message) (capability.Message, error) {
		return capability.Message{}, core.DrainSubmissions(clientMem)
	})

	log.Info("initialized with %d blocks (%d bytes each)", core.GetCapacity(), core.GetBlockSize())
	if err := loop.Run(context.Background()); err != nil {
		log.Error("server loop exited: %v", err)
		os.Exit(1)
	}
}
