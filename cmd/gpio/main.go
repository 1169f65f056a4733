// Command gpio is the GPIO controller leaf driver's process entry point,
// per the MODULE LAYOUT table: a second example of a ServerLoop client
// with no I/O-ring path.
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
	"github.com/glenda-project/drivers/gpio"
	"github.com/glenda-project/drivers/internal/logtag"
	"github.com/glenda-project/drivers/protocol"
)

const (
	slotBase = 0x5100
	numPins  = 32
)

func main() {
	log := logtag.New("gpio")

	dm := devicemanager.New()
	frame, err := capability.NewFrame(0x0901_0000, 0x1000)
	if err != nil {
		log.Error("failed to acquire MMIO frame: %v", err)
		os.Exit(1)
	}
	idx := dm.AddMMIO(devicemanager.MMIORegion{Frame: frame, Paddr: 0x0901_0000, Size: 0x1000})

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

	ctrl := gpio.New(window, numPins)
	dm.RegisterLogic(devicemanager.LogicDevice{Name: "gpio0", Type: "gpio"})

	endpoint := capability.NewEndpoint()
	loop := driver.NewServerLoop("gpio", endpoint, slotBase)

	loop.Register(protocol.Key{Protocol: protocol.Generic, Label: protocol.LabelGPIOSetMode}, func(msg capability.Message) (capability.Message, error) {
		pin := int(msg.Words[1])
		mode := gpio.Mode(msg.Words[2])
		return capability.Message{}, ctrl.SetMode(pin, mode)
	})

	loop.Register(protocol.Key{Protocol: protocol.Generic, Label: protocol.LabelGPIORead}, func(msg capability.Message) (capability.Message, error) {
		pin := int(msg.Words[1])
		val, err := ctrl.Read(pin)
		words := [8]uint64{0}
		if val {
			words[0] = 1
		}
		return capability.Message{Words: words}, err
	})

	loop.Register(protocol.Key{Protocol: protocol.Generic, Label: protocol.LabelGPIOWrite}, func(msg capability.Message) (capability.Message, error) {
		pin := int(msg.Words[1])
		val := msg.Words[2] != 0
		return capability.Message{}, ctrl.Write(pin, val)
	})

	log.Info("driver initialized with %d pins, serving requests", numPins)
	if err := loop.Run(context.Background()); err != nil {
		log.Error("server loop exited: %v", err)
		os.Exit(1)
	}
}
