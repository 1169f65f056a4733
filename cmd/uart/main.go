// Command uart is the NS16550A leaf driver's process entry point: an
// example of a ServerLoop client with no I/O-ring path, per spec §1's
// "leaf character drivers... as examples of the driver server loop."
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
	"github.com/glenda-project/drivers/protocol"
	"github.com/glenda-project/drivers/uart"
)

const slotBase = 0x5000

func main() {
	log := logtag.New("uart")

	dm := devicemanager.New()
	frame, err := capability.NewFrame(0x0900_0000, 0x1000)
	if err != nil {
		log.Error("failed to acquire MMIO frame: %v", err)
		os.Exit(1)
	}
	idx := dm.AddMMIO(devicemanager.MMIORegion{Frame: frame, Paddr: 0x0900_0000, Size: 0x1000})

	region, err := dm.GetMMIO(idx)
	if err != nil {
		log.Error("get_mmio failed: %v", err)
		os.Exit(1)
	}
	window, err := dm.Mmap(region.Frame, region.Size)
	if err != nil {
		log.Error("mmap failed: %v", err)
		os.Exit(1)
	}

	dev := uart.New(window)
	dev.Init()
	dm.RegisterLogic(devicemanager.LogicDevice{Name: "uart0", Type: "char"})

	endpoint := capability.NewEndpoint()
	loop := driver.NewServerLoop("uart", endpoint, slotBase)

	loop.Register(protocol.Key{Protocol: protocol.Generic, Label: protocol.LabelUARTWrite}, func(msg capability.Message) (capability.Message, error) {
		n := int(msg.Words[0])
		buf := make([]byte, n)
		for i := 0; i < n && i < 8*8; i++ {
			buf[i] = byte(msg.Words[i/8] >> (8 * (i % 8)))
		}
		written, err := dev.Write(buf)
		return capability.Message{Words: [8]uint64{uint64(written)}}, err
	})

	loop.Register(protocol.Key{Protocol: protocol.Generic, Label: protocol.LabelUARTRead}, func(msg capability.Message) (capability.Message, error) {
		n := int(msg.Words[0])
		if n > 64 {
			n = 64
		}
		buf := make([]byte, n)
		read, err := dev.Read(buf)
		var words [8]uint64
		for i := 0; i < read; i++ {
			words[i/8] |= uint64(buf[i]) << (8 * (i % 8))
		}
		words[7] = uint64(read)
		return capability.Message{Words: words}, err
	})

	log.Info("driver initialized, serving requests")
	if err := loop.Run(context.Background()); err != nil {
		log.Error("server loop exited: %v", err)
		os.Exit(1)
	}
}
