// Command rtc is the Goldfish RTC leaf driver's process entry point,
// completing the trio of ServerLoop-only examples (uart, gpio, rtc) named
// in the MODULE LAYOUT table.
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
	"time"

	"github.com/glenda-project/drivers/capability"
	"github.com/glenda-project/drivers/devicemanager"
	"github.com/glenda-project/drivers/driver"
	"github.com/glenda-project/drivers/internal/logtag"
	"github.com/glenda-project/drivers/protocol"
	"github.com/glenda-project/drivers/rtc"
)

const slotBase = 0x5200

func main() {
	log := logtag.New("rtc")

	dm := devicemanager.New()
	frame, err := capability.NewFrame(0x0902_0000, 0x1000)
	if err != nil {
		log.Error("failed to acquire MMIO frame: %v", err)
		os.Exit(1)
	}
	idx := dm.AddMMIO(devicemanager.MMIORegion{Frame: frame, Paddr: 0x0902_0000, Size: 0x1000})
	irq := capability.NewIrqCap()
	irqIdx := dm.AddIRQ(irq)

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

	boundIRQ, err := dm.GetIRQ(irqIdx)
	if err != nil {
		log.Error("get_irq failed: %v", err)
		os.Exit(1)
	}

	dev := rtc.New(window)
	dm.RegisterLogic(devicemanager.LogicDevice{Name: "rtc0", Type: "timer"})

	endpoint := capability.NewEndpoint()
	loop := driver.NewServerLoop("rtc", endpoint, slotBase)
	loop.BindIRQ(boundIRQ, func() {
		dev.AckInterrupt()
	})

	loop.Register(protocol.Key{Protocol: protocol.Generic, Label: protocol.LabelRTCNow}, func(msg capability.Message) (capability.Message, error) {
		now := dev.Now(time.UTC)
		nanos := uint64(now.UnixNano())
		return capability.Message{Words: [8]uint64{nanos}}, nil
	})

	log.Info("driver initialized, serving requests")
	if err := loop.Run(context.Background()); err != nil {
		log.Error("server loop exited: %v", err)
		os.Exit(1)
	}
}
